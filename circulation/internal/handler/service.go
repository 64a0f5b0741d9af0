package handler

import (
	"context"
	"time"

	"github.com/Astemirdum/library-circulation/circulation/internal/model"
	"github.com/Astemirdum/library-circulation/circulation/internal/service"
)

//go:generate go run github.com/golang/mock/mockgen -source=service.go -destination=mocks/mock.go

type CirculationService interface {
	IssueLoan(ctx context.Context, req model.IssueRequest) (model.Loan, error)
	ReturnLoan(ctx context.Context, loanID string, now time.Time) (model.Loan, error)
	GetLoan(ctx context.Context, loanID string) (model.Loan, error)
	ListLoans(ctx context.Context) ([]model.Loan, error)
	ListOverdueLoans(ctx context.Context) ([]model.Loan, error)
	ListOpenLoans(ctx context.Context, userID string) ([]model.Loan, error)
	LoanHistory(ctx context.Context, userID string) ([]model.Loan, error)
	Stats(ctx context.Context) (model.Stats, error)
}

type SyncService interface {
	SyncUser(ctx context.Context, user model.User) error
	SyncBook(ctx context.Context, book model.Book) error
}

var (
	_ CirculationService = (*service.Service)(nil)
	_ SyncService        = (*service.Service)(nil)
)
