package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Astemirdum/library-circulation/circulation/internal/errs"
	"github.com/Astemirdum/library-circulation/circulation/internal/events"
	"github.com/Astemirdum/library-circulation/circulation/internal/lifecycle"
	"github.com/Astemirdum/library-circulation/circulation/internal/model"
	"github.com/Astemirdum/library-circulation/circulation/internal/obs"
	"github.com/Astemirdum/library-circulation/circulation/internal/repository"
)

// Service is the only writer of loans and of book availability.
// Every mutation runs inside repository.Atomic on the loan's book, so the check of
// available copies and duplicate loans and the writes that follow are one step.
type Service struct {
	log       *zap.Logger
	repo      repository.Repository
	policy    lifecycle.Policy
	clock     Clock
	publisher events.Publisher
	metrics   *obs.Metrics
}

type Option func(s *Service)

func WithPolicy(p lifecycle.Policy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

func WithClock(c Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

func WithMetrics(m *obs.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func NewService(repo repository.Repository, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		log:       log.Named("service"),
		repo:      repo,
		policy:    lifecycle.DefaultPolicy(),
		clock:     SystemClock,
		publisher: events.NewNopPublisher(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validateID(ids ...string) error {
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return errs.ErrInvalidID
		}
	}
	return nil
}

// IssueLoan lends one copy of req.BookID to req.UserID, due after the loan period
// unless req.DueDate overrides it. A due date in the past is accepted and the loan
// reads as overdue right away.
func (s *Service) IssueLoan(ctx context.Context, req model.IssueRequest) (model.Loan, error) {
	start := time.Now()
	loan, err := s.issueLoan(ctx, req)
	s.metrics.ObserveIssue(result(err), start)
	if err != nil {
		s.log.Debug("issue rejected", zap.String("book", req.BookID), zap.String("user", req.UserID), zap.Error(err))
		return model.Loan{}, err
	}
	s.log.Info("loan issued", zap.String("loan", loan.ID), zap.String("book", loan.BookID), zap.String("user", loan.UserID))
	s.publish(ctx, model.NewLoanEvent(model.EventLoanIssued, loan, loan.IssueDate))
	return loan, nil
}

func (s *Service) issueLoan(ctx context.Context, req model.IssueRequest) (model.Loan, error) {
	if err := validateID(req.BookID, req.UserID); err != nil {
		return model.Loan{}, err
	}
	now := s.clock.Now()
	due := s.policy.DueDate(now)
	if req.DueDate != nil {
		if req.DueDate.IsZero() {
			return model.Loan{}, errs.ErrInvalidDate
		}
		due = *req.DueDate
	}
	loan := model.Loan{
		ID:        uuid.NewString(),
		BookID:    req.BookID,
		UserID:    req.UserID,
		IssueDate: now,
		DueDate:   due,
		Status:    model.StatusIssued,
	}

	err := s.repo.Atomic(ctx, req.BookID, func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.GetUser(ctx, req.UserID); err != nil {
			return err
		}
		open, err := tx.HasOpenLoan(ctx, req.UserID)
		if err != nil {
			return err
		}
		if open {
			return errs.ErrDuplicateLoan
		}
		if tx.Book().Available <= 0 {
			return errs.ErrNoCopiesAvailable
		}
		if err := tx.CreateLoan(ctx, loan); err != nil {
			return err
		}
		return tx.AdjustAvailable(ctx, -1)
	})
	if err != nil {
		return model.Loan{}, err
	}
	return loan, nil
}

// ReturnLoan closes the loan at now, or at the clock's time when now is zero,
// and finalizes its fine.
func (s *Service) ReturnLoan(ctx context.Context, loanID string, now time.Time) (model.Loan, error) {
	start := time.Now()
	loan, err := s.returnLoan(ctx, loanID, now)
	s.metrics.ObserveReturn(result(err), loan.Fine, start)
	if err != nil {
		s.log.Debug("return rejected", zap.String("loan", loanID), zap.Error(err))
		return model.Loan{}, err
	}
	s.log.Info("loan returned", zap.String("loan", loan.ID), zap.String("book", loan.BookID), zap.Int("fine", loan.Fine))
	s.publish(ctx, model.NewLoanEvent(model.EventLoanReturned, loan, *loan.ReturnDate))
	return loan, nil
}

func (s *Service) returnLoan(ctx context.Context, loanID string, now time.Time) (model.Loan, error) {
	if err := validateID(loanID); err != nil {
		return model.Loan{}, err
	}
	if now.IsZero() {
		now = s.clock.Now()
	}
	loan, err := s.repo.GetLoan(ctx, loanID)
	if err != nil {
		return model.Loan{}, err
	}
	if loan.ReturnDate != nil {
		return model.Loan{}, errs.ErrAlreadyReturned
	}

	err = s.repo.Atomic(ctx, loan.BookID, func(ctx context.Context, tx repository.Tx) error {
		cur, err := tx.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if cur.ReturnDate != nil || cur.Status == model.StatusReturned {
			return errs.ErrAlreadyReturned
		}
		if now.Before(cur.IssueDate) {
			return errs.Validation("return date is before issue date")
		}
		s.policy.Close(&cur, now)
		if err := tx.CloseLoan(ctx, cur); err != nil {
			return err
		}
		if err := tx.AdjustAvailable(ctx, 1); err != nil {
			return err
		}
		loan = cur
		return nil
	})
	if err != nil {
		return model.Loan{}, err
	}
	return loan, nil
}

// RefreshOverdueView brings status and fine of every loan in line with now and stores
// the changes of loans that are still open. Storing is best effort: a failed write is
// logged and the refreshed value is still returned.
func (s *Service) RefreshOverdueView(ctx context.Context, loans []model.Loan, now time.Time) []model.Loan {
	for i := range loans {
		if !s.policy.RefreshStatus(&loans[i], now) || !loans[i].Status.Open() {
			continue
		}
		if err := s.repo.RefreshLoan(ctx, loans[i]); err != nil {
			s.log.Warn("refresh loan", zap.String("loan", loans[i].ID), zap.Error(err))
		}
	}
	return loans
}

func (s *Service) listLoans(ctx context.Context, filter repository.LoanFilter, now time.Time) ([]model.Loan, error) {
	loans, err := s.repo.ListLoans(ctx, filter)
	if err != nil {
		return nil, err
	}
	return s.RefreshOverdueView(ctx, loans, now), nil
}

// ListOpenLoans returns the issued and overdue loans of userID, newest first.
func (s *Service) ListOpenLoans(ctx context.Context, userID string) ([]model.Loan, error) {
	if err := validateID(userID); err != nil {
		return nil, err
	}
	return s.listLoans(ctx, repository.LoanFilter{UserID: userID, OpenOnly: true}, s.clock.Now())
}

// ListOverdueLoans returns every open loan past its due date, oldest due date first.
func (s *Service) ListOverdueLoans(ctx context.Context) ([]model.Loan, error) {
	now := s.clock.Now()
	return s.listLoans(ctx, repository.LoanFilter{OpenOnly: true, DueBefore: &now, Order: repository.OrderDueAsc}, now)
}

func (s *Service) ListLoans(ctx context.Context) ([]model.Loan, error) {
	return s.listLoans(ctx, repository.LoanFilter{}, s.clock.Now())
}

// LoanHistory returns every loan of userID, returned ones included.
func (s *Service) LoanHistory(ctx context.Context, userID string) ([]model.Loan, error) {
	if err := validateID(userID); err != nil {
		return nil, err
	}
	return s.listLoans(ctx, repository.LoanFilter{UserID: userID}, s.clock.Now())
}

func (s *Service) GetLoan(ctx context.Context, loanID string) (model.Loan, error) {
	if err := validateID(loanID); err != nil {
		return model.Loan{}, err
	}
	loan, err := s.repo.GetLoan(ctx, loanID)
	if err != nil {
		return model.Loan{}, err
	}
	return s.RefreshOverdueView(ctx, []model.Loan{loan}, s.clock.Now())[0], nil
}

func (s *Service) Stats(ctx context.Context) (model.Stats, error) {
	return s.repo.Stats(ctx, s.clock.Now())
}

// Sweep refreshes every open loan and reports how many are open and overdue.
func (s *Service) Sweep(ctx context.Context) (open, overdue int, err error) {
	start := time.Now()
	loans, err := s.listLoans(ctx, repository.LoanFilter{OpenOnly: true}, s.clock.Now())
	if err != nil {
		return 0, 0, err
	}
	for _, loan := range loans {
		if loan.Status == model.StatusOverdue {
			overdue++
		}
	}
	s.metrics.ObserveSweep(len(loans), overdue, start)
	return len(loans), overdue, nil
}

// SyncUser mirrors a user of the directory.
func (s *Service) SyncUser(ctx context.Context, user model.User) error {
	if err := validateID(user.ID); err != nil {
		return err
	}
	switch user.Role {
	case "":
		user.Role = model.RoleStudent
	case model.RoleAdmin, model.RoleStudent:
	default:
		return errs.Validation("unknown role " + string(user.Role))
	}
	return s.repo.UpsertUser(ctx, user)
}

// SyncBook mirrors a book of the catalog. For a known book the available counter is
// recomputed from the open loans, so quantity may not drop below them.
func (s *Service) SyncBook(ctx context.Context, book model.Book) error {
	if err := validateID(book.ID); err != nil {
		return err
	}
	if book.Quantity < 0 {
		return errs.Validation("quantity must not be negative")
	}
	created, err := s.repo.InsertBook(ctx, book)
	if err != nil || created {
		return err
	}
	return s.repo.Atomic(ctx, book.ID, func(ctx context.Context, tx repository.Tx) error {
		open, err := tx.CountOpenLoans(ctx)
		if err != nil {
			return err
		}
		if book.Quantity < open {
			return errs.ErrQuantityBelowOpenLoans
		}
		book.Available = book.Quantity - open
		return tx.UpdateBook(ctx, book)
	})
}

func (s *Service) publish(ctx context.Context, event model.LoanEvent) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.metrics.PublishFailed()
		s.log.Warn("publish loan event", zap.String("loan", event.LoanID), zap.Error(err))
	}
}

func result(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, errs.ErrNotFound):
		return "not_found"
	case errors.Is(err, errs.ErrConflict):
		return "conflict"
	case errors.Is(err, errs.ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}
