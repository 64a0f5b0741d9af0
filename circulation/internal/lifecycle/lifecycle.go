// Package lifecycle holds the pure rules of a loan: due date, fine and status.
// Nothing here touches storage; status and fine on a stored loan are a cache of these functions.
package lifecycle

import (
	"time"

	"github.com/Astemirdum/library-circulation/circulation/internal/model"
)

const (
	DefaultLoanPeriodDays = 14
	DefaultDailyRate      = 5

	day = 24 * time.Hour
)

// ComputeDueDate adds loanPeriodDays calendar days to issueDate.
func ComputeDueDate(issueDate time.Time, loanPeriodDays int) time.Time {
	return issueDate.AddDate(0, 0, loanPeriodDays)
}

// ComputeFine charges dailyRate for every started day past dueDate.
// referenceDate equal to dueDate is not late.
func ComputeFine(dueDate, referenceDate time.Time, dailyRate int) int {
	if !referenceDate.After(dueDate) {
		return 0
	}
	late := referenceDate.Sub(dueDate)
	days := int(late / day)
	if late%day != 0 {
		days++
	}
	return days * dailyRate
}

func DeriveStatus(loan model.Loan, now time.Time) model.Status {
	switch {
	case loan.ReturnDate != nil:
		return model.StatusReturned
	case now.After(loan.DueDate):
		return model.StatusOverdue
	default:
		return model.StatusIssued
	}
}

type Policy struct {
	LoanPeriodDays int `envconfig:"LOAN_PERIOD_DAYS" default:"14"`
	DailyRate      int `envconfig:"DAILY_FINE" default:"5"`
}

func DefaultPolicy() Policy {
	return Policy{
		LoanPeriodDays: DefaultLoanPeriodDays,
		DailyRate:      DefaultDailyRate,
	}
}

func (p Policy) DueDate(issueDate time.Time) time.Time {
	return ComputeDueDate(issueDate, p.LoanPeriodDays)
}

func (p Policy) Fine(dueDate, referenceDate time.Time) int {
	return ComputeFine(dueDate, referenceDate, p.DailyRate)
}

// RefreshStatus brings loan.Status, and loan.Fine for overdue loans, in line with now.
// A returned loan is left untouched. It reports whether loan was modified.
func (p Policy) RefreshStatus(loan *model.Loan, now time.Time) bool {
	status := DeriveStatus(*loan, now)
	if status == model.StatusReturned {
		if loan.Status == model.StatusReturned {
			return false
		}
		loan.Status = model.StatusReturned
		return true
	}

	fine := loan.Fine
	if status == model.StatusOverdue {
		fine = p.Fine(loan.DueDate, now)
	}
	if status == loan.Status && fine == loan.Fine {
		return false
	}
	loan.Status = status
	loan.Fine = fine
	return true
}

// Close finalizes loan as returned at returnDate with the fine owed at that moment.
func (p Policy) Close(loan *model.Loan, returnDate time.Time) {
	loan.Fine = p.Fine(loan.DueDate, returnDate)
	loan.ReturnDate = &returnDate
	loan.Status = model.StatusReturned
}
