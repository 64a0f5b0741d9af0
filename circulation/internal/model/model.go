package model

import (
	"time"
)

type Status string

const (
	StatusIssued   Status = "issued"
	StatusOverdue  Status = "overdue"
	StatusReturned Status = "returned"
)

// Open reports whether a loan in this status still holds a copy.
func (s Status) Open() bool {
	return s == StatusIssued || s == StatusOverdue
}

type Book struct {
	ID        string `json:"id" db:"id"`
	Title     string `json:"title" db:"title"`
	Author    string `json:"author" db:"author"`
	ISBN      string `json:"isbn" db:"isbn"`
	Quantity  int    `json:"quantity" db:"quantity"`
	Available int    `json:"available" db:"available"`
}

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleStudent Role = "student"
)

type User struct {
	ID    string `json:"id" db:"id"`
	Name  string `json:"name" db:"name"`
	Email string `json:"email" db:"email"`
	Role  Role   `json:"role" db:"role"`
}

type Loan struct {
	ID         string     `json:"id" db:"id"`
	BookID     string     `json:"bookId" db:"book_id"`
	UserID     string     `json:"userId" db:"user_id"`
	IssueDate  time.Time  `json:"issueDate" db:"issue_date"`
	DueDate    time.Time  `json:"dueDate" db:"due_date"`
	ReturnDate *time.Time `json:"returnDate" db:"return_date"`
	Status     Status     `json:"status" db:"status"`
	Fine       int        `json:"fine" db:"fine"`
}

type IssueRequest struct {
	BookID  string     `json:"bookId" validate:"required,uuid"`
	UserID  string     `json:"userId" validate:"required,uuid"`
	DueDate *time.Time `json:"dueDate"`
}

type ReturnRequest struct {
	Date *time.Time `json:"date"`
}

type ListLoans struct {
	Count int    `json:"count"`
	Items []Loan `json:"items"`
}

type Stats struct {
	TotalBooks     int `json:"totalBooks" db:"total_books"`
	TotalUsers     int `json:"totalUsers" db:"total_users"`
	TotalOpenLoans int `json:"totalOpenLoans" db:"total_open_loans"`
	TotalOverdue   int `json:"totalOverdue" db:"total_overdue"`
}

type EventType string

const (
	EventLoanIssued   EventType = "loan.issued"
	EventLoanReturned EventType = "loan.returned"
)

type LoanEvent struct {
	Type       EventType  `json:"type"`
	LoanID     string     `json:"loanId"`
	BookID     string     `json:"bookId"`
	UserID     string     `json:"userId"`
	DueDate    time.Time  `json:"dueDate"`
	ReturnDate *time.Time `json:"returnDate,omitempty"`
	Fine       int        `json:"fine"`
	OccurredAt time.Time  `json:"occurredAt"`
}

func NewLoanEvent(typ EventType, loan Loan, at time.Time) LoanEvent {
	return LoanEvent{
		Type:       typ,
		LoanID:     loan.ID,
		BookID:     loan.BookID,
		UserID:     loan.UserID,
		DueDate:    loan.DueDate,
		ReturnDate: loan.ReturnDate,
		Fine:       loan.Fine,
		OccurredAt: at,
	}
}

// UserEvent is published by the user directory.
type UserEvent struct {
	User `json:",inline"`
}

// BookEvent is published by the catalog when a title is added or its copy count changes.
type BookEvent struct {
	Book `json:",inline"`
}
