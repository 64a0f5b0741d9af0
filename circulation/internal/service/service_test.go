package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Astemirdum/library-circulation/circulation/internal/errs"
	"github.com/Astemirdum/library-circulation/circulation/internal/model"
	"github.com/Astemirdum/library-circulation/circulation/internal/obs"
	"github.com/Astemirdum/library-circulation/circulation/internal/repository"
	"github.com/Astemirdum/library-circulation/circulation/internal/service"
)

var day0 = time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.LoanEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event model.LoanEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) Types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]model.EventType, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}

type fixture struct {
	svc   *service.Service
	repo  *repository.Memory
	clock *fakeClock
	pub   *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:  repository.NewMemory(zap.NewNop()),
		clock: &fakeClock{now: day0},
		pub:   &recordingPublisher{},
	}
	f.svc = service.NewService(f.repo, zap.NewNop(),
		service.WithClock(f.clock),
		service.WithPublisher(f.pub),
		service.WithMetrics(obs.NewMetrics()),
	)
	return f
}

func (f *fixture) book(t *testing.T, quantity int) model.Book {
	t.Helper()
	book := model.Book{ID: uuid.NewString(), Title: "Crime and Punishment", Author: "Fyodor Dostoevsky", Quantity: quantity}
	require.NoError(t, f.svc.SyncBook(context.Background(), book))
	book.Available = quantity
	return book
}

func (f *fixture) user(t *testing.T, name string) model.User {
	t.Helper()
	user := model.User{ID: uuid.NewString(), Name: name, Email: name + "@library.test"}
	require.NoError(t, f.svc.SyncUser(context.Background(), user))
	return user
}

func (f *fixture) available(t *testing.T, bookID string) int {
	t.Helper()
	book, err := f.repo.GetBook(context.Background(), bookID)
	require.NoError(t, err)
	return book.Available
}

func TestService_IssueAndReturn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	book := f.book(t, 1)
	a, b := f.user(t, "a"), f.user(t, "b")

	loan, err := f.svc.IssueLoan(ctx, model.IssueRequest{BookID: book.ID, UserID: a.ID})
	require.NoError(t, err)
	require.Equal(t, model.StatusIssued, loan.Status)
	require.Equal(t, day0, loan.IssueDate)
	require.Equal(t, day0.AddDate(0, 0, 14), loan.DueDate)
	require.Nil(t, loan.ReturnDate)
	require.Zero(t, loan.Fine)
	require.Zero(t, f.available(t, book.ID))

	_, err = f.svc.IssueLoan(ctx, model.IssueRequest{BookID: book.ID, UserID: b.ID})
	require.ErrorIs(t, err, errs.ErrNoCopiesAvailable)
	require.ErrorIs(t, err, errs.ErrConflict)

	_, err = f.svc.IssueLoan(ctx, model.IssueRequest{BookID: book.ID, UserID: a.ID})
	require.ErrorIs(t, err, errs.ErrDuplicateLoan)

	f.clock.Advance(3 * 24 * time.Hour)
	returned, err := f.svc.ReturnLoan(ctx, loan.ID, time.Time{})
	require.NoError(t, err)
	require.Equal(t, model.StatusReturned, returned.Status)
	require.Equal(t, day0.Add(72*time.Hour), *returned.ReturnDate)
	require.Zero(t, returned.Fine)
	require.Equal(t, 1, f.available(t, book.ID))

	_, err = f.svc.ReturnLoan(ctx, loan.ID, time.Time{})
	require.ErrorIs(t, err, errs.ErrAlreadyReturned)
	require.Equal(t, 1, f.available(t, book.ID))

	second, err := f.svc.IssueLoan(ctx, model.IssueRequest{BookID: book.ID, UserID: b.ID})
	require.NoError(t, err)
	require.NotEqual(t, loan.ID, second.ID)

	// the returned loan no longer counts as a duplicate, the copy is simply out
	_, err = f.svc.IssueLoan(ctx, model.IssueRequest{BookID: book.ID, UserID: a.ID})
	require.ErrorIs(t, err, errs.ErrNoCopiesAvailable)

	require.Equal(t, []model.EventType{model.EventLoanIssued, model.EventLoanReturned, model.EventLoanIssued}, f.pub.Types())
}

func TestService_PreDatedLoan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	book := f.book(t, 2)
	user := f.user(t, "late")

	due := day0.AddDate(0, 0, -3)
	loan, err := f.svc.IssueLoan(ctx, model.IssueRequest{BookID: book.ID, UserID: user.ID, DueDate: &due})
	require.NoError(t, err)
	require.Equal(t, due, loan.DueDate)

	overdue, err := f.svc.ListOverdueLoans(ctx)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	require.Equal(t, model.StatusOverdue, overdue[0].Status)
	require.Equal(t, 15, overdue[0].Fine)

	// the refreshed view was stored
	stored, err := f.repo.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusOverdue, stored.Status)
	require.Equal(t, 15, stored.Fine)

	returned, err := f.svc.ReturnLoan(ctx, loan.ID, day0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 20, returned.Fine)
}

func TestService_FineFrozenAfterReturn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	book := f.book(t, 1)
	user := f.user(t, "u")

	loan, err := f.svc.IssueLoan(ctx, model.IssueRequest{BookID: book.ID, UserID: user.ID})
	require.NoError(t, err)

	f.clock.Advance(14*24*time.Hour + 25*time.Hour)
	open, err := f.svc.ListOpenLoans(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, model.StatusOverdue, open[0].Status)
	require.Equal(t, 10, open[0].Fine)

	returned, err := f.svc.ReturnLoan(ctx, loan.ID, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 10, returned.Fine)

	f.clock.Advance(30 * 24 * time.Hour)
	got, err := f.svc.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusReturned, got.Status)
	require.Equal(t, 10, got.Fine)

	open, err = f.svc.ListOpenLoans(ctx, user.ID)
	require.NoError(t, err)
	require.Empty(t, open)

	history, err := f.svc.LoanHistory(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, 10, history[0].Fine)
}

func TestService_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	book := f.book(t, 1)
	user := f.user(t, "u")

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{
			name: "malformed book id",
			call: func() error {
				_, err := f.svc.IssueLoan(ctx, model.IssueRequest{BookID: "42", UserID: user.ID})
				return err
			},
			want: errs.ErrValidation,
		},
		{
			name: "unknown book",
			call: func() error {
				_, err := f.svc.IssueLoan(ctx, model.IssueRequest{BookID: uuid.NewString(), UserID: user.ID})
				return err
			},
			want: errs.ErrBookNotFound,
		},
		{
			name: "unknown user",
			call: func() error {
				_, err := f.svc.IssueLoan(ctx, model.IssueRequest{BookID: book.ID, UserID: uuid.NewString()})
				return err
			},
			want: errs.ErrUserNotFound,
		},
		{
			name: "zero due date",
			call: func() error {
				_, err := f.svc.IssueLoan(ctx, model.IssueRequest{BookID: book.ID, UserID: user.ID, DueDate: &time.Time{}})
				return err
			},
			want: errs.ErrInvalidDate,
		},
		{
			name: "unknown loan",
			call: func() error {
				_, err := f.svc.ReturnLoan(ctx, uuid.NewString(), time.Time{})
				return err
			},
			want: errs.ErrLoanNotFound,
		},
		{
			name: "malformed loan id",
			call: func() error {
				_, err := f.svc.GetLoan(ctx, "not-a-uuid")
				return err
			},
			want: errs.ErrInvalidID,
		},
		{
			name: "malformed user id",
			call: func() error {
				_, err := f.svc.ListOpenLoans(ctx, "")
				return err
			},
			want: errs.ErrValidation,
		},
		{
			name: "unknown role",
			call: func() error {
				return f.svc.SyncUser(ctx, model.User{ID: uuid.NewString(), Role: "librarian"})
			},
			want: errs.ErrValidation,
		},
		{
			name: "negative quantity",
			call: func() error {
				return f.svc.SyncBook(ctx, model.Book{ID: uuid.NewString(), Quantity: -1})
			},
			want: errs.ErrValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.call(), tt.want)
		})
	}

	// nothing above touched the book
	require.Equal(t, 1, f.available(t, book.ID))
	require.Empty(t, f.pub.Types())
}

func TestService_ReturnBeforeIssue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	book := f.book(t, 1)
	user := f.user(t, "u")

	loan, err := f.svc.IssueLoan(ctx, model.IssueRequest{BookID: book.ID, UserID: user.ID})
	require.NoError(t, err)

	_, err = f.svc.ReturnLoan(ctx, loan.ID, day0.Add(-time.Minute))
	require.ErrorIs(t, err, errs.ErrValidation)
	require.Zero(t, f.available(t, book.ID))

	got, err := f.svc.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusIssued, got.Status)
}

func TestService_ConcurrentIssueSingleCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	book := f.book(t, 1)

	const users = 32
	ids := make([]string, users)
	for i := range ids {
		ids[i] = f.user(t, fmt.Sprintf("user%d", i)).ID
	}

	var (
		mu      sync.Mutex
		won     int
		noCopy  int
		g, gctx = errgroup.WithContext(ctx)
	)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := f.svc.IssueLoan(gctx, model.IssueRequest{BookID: book.ID, UserID: id})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, errs.ErrNoCopiesAvailable):
				noCopy++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 1, won)
	require.Equal(t, users-1, noCopy)
	require.Zero(t, f.available(t, book.ID))
}

func TestService_ConcurrentDuplicateIssue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	book := f.book(t, 10)
	user := f.user(t, "eager")

	var g errgroup.Group
	results := make([]error, 16)
	for i := range results {
		i := i
		g.Go(func() error {
			_, results[i] = f.svc.IssueLoan(ctx, model.IssueRequest{BookID: book.ID, UserID: user.ID})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, errs.ErrDuplicateLoan)
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 9, f.available(t, book.ID))
}

func TestService_ConcurrentIssueAndReturnKeepsCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	book := f.book(t, 3)

	var g errgroup.Group
	for i := 0; i < 12; i++ {
		user := f.user(t, fmt.Sprintf("reader%d", i))
		g.Go(func() error {
			for round := 0; round < 20; round++ {
				loan, err := f.svc.IssueLoan(ctx, model.IssueRequest{BookID: book.ID, UserID: user.ID})
				if errors.Is(err, errs.ErrNoCopiesAvailable) {
					continue
				}
				if err != nil {
					return err
				}
				if _, err := f.svc.ReturnLoan(ctx, loan.ID, time.Time{}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	open, err := f.repo.ListLoans(ctx, repository.LoanFilter{OpenOnly: true})
	require.NoError(t, err)
	require.Empty(t, open)
	require.Equal(t, 3, f.available(t, book.ID))
}

func TestService_ConcurrentReturnOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	book := f.book(t, 2)
	user := f.user(t, "u")

	loan, err := f.svc.IssueLoan(ctx, model.IssueRequest{BookID: book.ID, UserID: user.ID})
	require.NoError(t, err)

	var (
		g        errgroup.Group
		mu       sync.Mutex
		returned int
	)
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := f.svc.ReturnLoan(ctx, loan.ID, time.Time{})
			if errors.Is(err, errs.ErrAlreadyReturned) {
				return nil
			}
			if err == nil {
				mu.Lock()
				returned++
				mu.Unlock()
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 1, returned)
	require.Equal(t, 2, f.available(t, book.ID))
}

func TestService_StatsAndSweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	book := f.book(t, 5)
	a, b, c := f.user(t, "a"), f.user(t, "b"), f.user(t, "c")

	past := day0.AddDate(0, 0, -1)
	_, err := f.svc.IssueLoan(ctx, model.IssueRequest{BookID: book.ID, UserID: a.ID, DueDate: &past})
	require.NoError(t, err)
	_, err = f.svc.IssueLoan(ctx, model.IssueRequest{BookID: book.ID, UserID: b.ID})
	require.NoError(t, err)
	done, err := f.svc.IssueLoan(ctx, model.IssueRequest{BookID: book.ID, UserID: c.ID})
	require.NoError(t, err)
	_, err = f.svc.ReturnLoan(ctx, done.ID, time.Time{})
	require.NoError(t, err)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, model.Stats{TotalBooks: 1, TotalUsers: 3, TotalOpenLoans: 2, TotalOverdue: 1}, stats)

	open, overdue, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, open)
	require.Equal(t, 1, overdue)

	f.clock.Advance(15 * 24 * time.Hour)
	_, overdue, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, overdue)

	all, err := f.svc.ListLoans(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestService_SyncBook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	book := f.book(t, 3)
	a, b := f.user(t, "a"), f.user(t, "b")

	for _, u := range []model.User{a, b} {
		_, err := f.svc.IssueLoan(ctx, model.IssueRequest{BookID: book.ID, UserID: u.ID})
		require.NoError(t, err)
	}
	require.Equal(t, 1, f.available(t, book.ID))

	book.Quantity = 6
	require.NoError(t, f.svc.SyncBook(ctx, book))
	require.Equal(t, 4, f.available(t, book.ID))

	book.Quantity = 1
	require.ErrorIs(t, f.svc.SyncBook(ctx, book), errs.ErrQuantityBelowOpenLoans)
	require.Equal(t, 4, f.available(t, book.ID))

	book.Quantity = 2
	require.NoError(t, f.svc.SyncBook(ctx, book))
	require.Zero(t, f.available(t, book.ID))
}

func TestService_PublishFailureDoesNotFail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.pub.err = errors.New("broker down")
	book := f.book(t, 1)
	user := f.user(t, "u")

	loan, err := f.svc.IssueLoan(ctx, model.IssueRequest{BookID: book.ID, UserID: user.ID})
	require.NoError(t, err)
	_, err = f.svc.ReturnLoan(ctx, loan.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, f.pub.Types(), 2)
}

func TestService_CancelledContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	book := f.book(t, 1)
	user := f.user(t, "u")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.IssueLoan(ctx, model.IssueRequest{BookID: book.ID, UserID: user.ID})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, f.available(t, book.ID))
	require.Empty(t, f.pub.Types())
}
