package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Astemirdum/library-circulation/circulation/internal/errs"
	"github.com/Astemirdum/library-circulation/circulation/internal/model"
)

// Memory keeps the catalog, the directory and the ledger in maps.
// Every Atomic unit holds a per-book slot for its whole run and stages its writes,
// which are applied under mu only once fn succeeded and ctx is still alive.
type Memory struct {
	mu    sync.RWMutex
	books map[string]model.Book
	users map[string]model.User
	loans map[string]model.Loan

	slotsMu sync.Mutex
	slots   map[string]chan struct{}

	log *zap.Logger
}

var _ Repository = (*Memory)(nil)

func NewMemory(log *zap.Logger) *Memory {
	return &Memory{
		books: make(map[string]model.Book),
		users: make(map[string]model.User),
		loans: make(map[string]model.Loan),
		slots: make(map[string]chan struct{}),
		log:   log.Named("memory"),
	}
}

func (m *Memory) slot(bookID string) chan struct{} {
	m.slotsMu.Lock()
	defer m.slotsMu.Unlock()
	s, ok := m.slots[bookID]
	if !ok {
		s = make(chan struct{}, 1)
		m.slots[bookID] = s
	}
	return s
}

func (m *Memory) Atomic(ctx context.Context, bookID string, fn func(ctx context.Context, tx Tx) error) error {
	slot := m.slot(bookID)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-slot }()

	m.mu.RLock()
	book, ok := m.books[bookID]
	m.mu.RUnlock()
	if !ok {
		return errs.ErrBookNotFound
	}

	tx := &memTx{m: m, book: book, staged: make(map[string]model.Loan)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.bookDirty {
		m.books[bookID] = tx.book
	}
	for id, loan := range tx.staged {
		m.loans[id] = loan
	}
	return nil
}

func (m *Memory) GetBook(_ context.Context, bookID string) (model.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	book, ok := m.books[bookID]
	if !ok {
		return model.Book{}, errs.ErrBookNotFound
	}
	return book, nil
}

func (m *Memory) InsertBook(_ context.Context, book model.Book) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[book.ID]; ok {
		return false, nil
	}
	book.Available = book.Quantity
	m.books[book.ID] = book
	return true, nil
}

func (m *Memory) GetUser(_ context.Context, userID string) (model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[userID]
	if !ok {
		return model.User{}, errs.ErrUserNotFound
	}
	return user, nil
}

func (m *Memory) UpsertUser(_ context.Context, user model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *Memory) GetLoan(_ context.Context, loanID string) (model.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loan, ok := m.loans[loanID]
	if !ok {
		return model.Loan{}, errs.ErrLoanNotFound
	}
	return loan, nil
}

func (m *Memory) ListLoans(_ context.Context, filter LoanFilter) ([]model.Loan, error) {
	m.mu.RLock()
	loans := make([]model.Loan, 0)
	for _, loan := range m.loans {
		if filter.UserID != "" && loan.UserID != filter.UserID {
			continue
		}
		if filter.OpenOnly && !loan.Status.Open() {
			continue
		}
		if filter.DueBefore != nil && !loan.DueDate.Before(*filter.DueBefore) {
			continue
		}
		loans = append(loans, loan)
	}
	m.mu.RUnlock()

	sort.Slice(loans, func(i, j int) bool {
		a, b := loans[i], loans[j]
		if filter.Order == OrderDueAsc {
			if !a.DueDate.Equal(b.DueDate) {
				return a.DueDate.Before(b.DueDate)
			}
		} else if !a.IssueDate.Equal(b.IssueDate) {
			return a.IssueDate.After(b.IssueDate)
		}
		return a.ID < b.ID
	})
	return loans, nil
}

func (m *Memory) RefreshLoan(_ context.Context, loan model.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.loans[loan.ID]
	if !ok || cur.ReturnDate != nil {
		return nil
	}
	cur.Status = loan.Status
	cur.Fine = loan.Fine
	m.loans[loan.ID] = cur
	return nil
}

func (m *Memory) Stats(_ context.Context, now time.Time) (model.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := model.Stats{
		TotalBooks: len(m.books),
		TotalUsers: len(m.users),
	}
	for _, loan := range m.loans {
		if loan.ReturnDate != nil {
			continue
		}
		stats.TotalOpenLoans++
		if loan.DueDate.Before(now) {
			stats.TotalOverdue++
		}
	}
	return stats, nil
}

type memTx struct {
	m         *Memory
	book      model.Book
	bookDirty bool
	// loans created or closed by this unit, keyed by id
	staged map[string]model.Loan
}

func (t *memTx) Book() model.Book {
	return t.book
}

func (t *memTx) GetUser(ctx context.Context, userID string) (model.User, error) {
	return t.m.GetUser(ctx, userID)
}

func (t *memTx) GetLoan(ctx context.Context, loanID string) (model.Loan, error) {
	if loan, ok := t.staged[loanID]; ok {
		return loan, nil
	}
	return t.m.GetLoan(ctx, loanID)
}

func (t *memTx) openLoans() []model.Loan {
	open := make([]model.Loan, 0)
	for _, loan := range t.staged {
		if loan.BookID == t.book.ID && loan.Status.Open() {
			open = append(open, loan)
		}
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	for id, loan := range t.m.loans {
		if _, ok := t.staged[id]; ok {
			continue
		}
		if loan.BookID == t.book.ID && loan.Status.Open() {
			open = append(open, loan)
		}
	}
	return open
}

func (t *memTx) HasOpenLoan(_ context.Context, userID string) (bool, error) {
	for _, loan := range t.openLoans() {
		if loan.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) CountOpenLoans(_ context.Context) (int, error) {
	return len(t.openLoans()), nil
}

func (t *memTx) CreateLoan(ctx context.Context, loan model.Loan) error {
	if loan.BookID != t.book.ID {
		return errs.ErrBookNotFound
	}
	if _, err := t.m.GetUser(ctx, loan.UserID); err != nil {
		return err
	}
	open, err := t.HasOpenLoan(ctx, loan.UserID)
	if err != nil {
		return err
	}
	if open {
		return errs.ErrDuplicateLoan
	}
	t.staged[loan.ID] = loan
	return nil
}

func (t *memTx) CloseLoan(ctx context.Context, loan model.Loan) error {
	cur, err := t.GetLoan(ctx, loan.ID)
	if err != nil {
		return err
	}
	if cur.ReturnDate != nil {
		return errs.ErrAlreadyReturned
	}
	t.staged[loan.ID] = loan
	return nil
}

func (t *memTx) AdjustAvailable(_ context.Context, delta int) error {
	available := t.book.Available + delta
	if available < 0 {
		return errs.ErrNoCopiesAvailable
	}
	if available > t.book.Quantity {
		t.m.log.Warn("available capped at quantity",
			zap.String("book", t.book.ID), zap.Int("available", available), zap.Int("quantity", t.book.Quantity))
		available = t.book.Quantity
	}
	t.book.Available = available
	t.bookDirty = true
	return nil
}

func (t *memTx) UpdateBook(_ context.Context, book model.Book) error {
	if book.Available < 0 || book.Available > book.Quantity {
		return errs.ErrNoCopiesAvailable
	}
	book.ID = t.book.ID
	t.book = book
	t.bookDirty = true
	return nil
}
