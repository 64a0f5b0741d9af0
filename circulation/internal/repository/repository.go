package repository

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Astemirdum/library-circulation/circulation/internal/errs"
	"github.com/Astemirdum/library-circulation/circulation/internal/model"
)

type Repository interface {
	// Atomic runs fn as one all-or-nothing unit, serialized with every other unit on the same book.
	// It fails with errs.ErrBookNotFound when the book does not exist.
	Atomic(ctx context.Context, bookID string, fn func(ctx context.Context, tx Tx) error) error

	GetBook(ctx context.Context, bookID string) (model.Book, error)
	// InsertBook adds a book with every copy available. It reports false when the book already exists.
	InsertBook(ctx context.Context, book model.Book) (bool, error)
	GetUser(ctx context.Context, userID string) (model.User, error)
	UpsertUser(ctx context.Context, user model.User) error

	GetLoan(ctx context.Context, loanID string) (model.Loan, error)
	ListLoans(ctx context.Context, filter LoanFilter) ([]model.Loan, error)
	// RefreshLoan stores the status and fine of a loan that is still open. A returned loan is never overwritten.
	RefreshLoan(ctx context.Context, loan model.Loan) error

	Stats(ctx context.Context, now time.Time) (model.Stats, error)
}

// Tx is the view of storage inside an Atomic unit. The book row is held for the whole unit.
type Tx interface {
	Book() model.Book
	GetUser(ctx context.Context, userID string) (model.User, error)
	// GetLoan reads the loan and holds it until the unit ends.
	GetLoan(ctx context.Context, loanID string) (model.Loan, error)
	HasOpenLoan(ctx context.Context, userID string) (bool, error)
	CountOpenLoans(ctx context.Context) (int, error)
	CreateLoan(ctx context.Context, loan model.Loan) error
	CloseLoan(ctx context.Context, loan model.Loan) error
	// AdjustAvailable moves the available counter by delta, never above quantity.
	// Going below zero fails with errs.ErrNoCopiesAvailable.
	AdjustAvailable(ctx context.Context, delta int) error
	UpdateBook(ctx context.Context, book model.Book) error
}

type Order uint8

const (
	OrderIssuedDesc Order = iota
	OrderDueAsc
)

type LoanFilter struct {
	UserID    string
	OpenOnly  bool
	DueBefore *time.Time
	Order     Order
}

type repository struct {
	db   *sqlx.DB
	pool *pgxpool.Pool
	log  *zap.Logger
}

var _ Repository = (*repository)(nil)

func NewRepository(db *sqlx.DB, pool *pgxpool.Pool, log *zap.Logger) (*repository, error) {
	return &repository{
		db:   db,
		pool: pool,
		log:  log.Named("repo"),
	}, nil
}

const (
	booksTableName = `books`
	usersTableName = `users`
	loansTableName = `loans`
)

var (
	qb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

	bookColumns = []string{"id", "title", "author", "isbn", "quantity", "available"}
	userColumns = []string{"id", "name", "email", "role"}
	loanColumns = []string{"id", "book_id", "user_id", "issue_date", "due_date", "return_date", "status", "fine"}

	openStatuses = []model.Status{model.StatusIssued, model.StatusOverdue}
)

func (r *repository) Atomic(ctx context.Context, bookID string, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	query, args, err := qb.Select(bookColumns...).
		From(booksTableName).
		Where(sq.Eq{"id": bookID}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return err
	}
	var book model.Book
	if err := tx.GetContext(ctx, &book, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errs.ErrBookNotFound
		}
		return errors.Wrap(err, "lock book")
	}

	if err := fn(ctx, &pgTx{tx: tx, book: book, log: r.log}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapPgError(errors.Wrap(err, "commit"))
	}
	return nil
}

func (r *repository) GetBook(ctx context.Context, bookID string) (model.Book, error) {
	query, args, err := qb.Select(bookColumns...).
		From(booksTableName).
		Where(sq.Eq{"id": bookID}).
		ToSql()
	if err != nil {
		return model.Book{}, err
	}
	var book model.Book
	if err := r.db.GetContext(ctx, &book, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Book{}, errs.ErrBookNotFound
		}
		return model.Book{}, errors.Wrap(err, "GetBook")
	}
	return book, nil
}

func (r *repository) InsertBook(ctx context.Context, book model.Book) (bool, error) {
	query, args, err := qb.Insert(booksTableName).
		Columns(bookColumns...).
		Values(book.ID, book.Title, book.Author, book.ISBN, book.Quantity, book.Quantity).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, mapPgError(errors.Wrap(err, "InsertBook"))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *repository) GetUser(ctx context.Context, userID string) (model.User, error) {
	return getUser(ctx, r.db, userID)
}

func (r *repository) UpsertUser(ctx context.Context, user model.User) error {
	query, args, err := qb.Insert(usersTableName).
		Columns(userColumns...).
		Values(user.ID, user.Name, user.Email, user.Role).
		Suffix("ON CONFLICT (id) DO UPDATE SET name = excluded.name, email = excluded.email, role = excluded.role").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "UpsertUser")
	}
	return nil
}

func (r *repository) GetLoan(ctx context.Context, loanID string) (model.Loan, error) {
	return getLoan(ctx, r.db, loanID, false)
}

func (r *repository) ListLoans(ctx context.Context, filter LoanFilter) ([]model.Loan, error) {
	q := qb.Select(loanColumns...).From(loansTableName)
	if filter.UserID != "" {
		q = q.Where(sq.Eq{"user_id": filter.UserID})
	}
	if filter.OpenOnly {
		q = q.Where(sq.Eq{"status": openStatuses})
	}
	if filter.DueBefore != nil {
		q = q.Where(sq.Lt{"due_date": *filter.DueBefore})
	}
	switch filter.Order {
	case OrderDueAsc:
		q = q.OrderBy("due_date asc", "id")
	default:
		q = q.OrderBy("issue_date desc", "id")
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	r.log.Debug("ListLoans", zap.String("query", query), zap.Any("args", args))

	loans := make([]model.Loan, 0)
	if err := r.db.SelectContext(ctx, &loans, query, args...); err != nil {
		return nil, errors.Wrap(err, "ListLoans")
	}
	return loans, nil
}

func (r *repository) RefreshLoan(ctx context.Context, loan model.Loan) error {
	query, args, err := qb.Update(loansTableName).
		Set("status", loan.Status).
		Set("fine", loan.Fine).
		Where(sq.Eq{"id": loan.ID}).
		Where(sq.Eq{"return_date": nil}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "RefreshLoan")
	}
	return nil
}

type pgTx struct {
	tx   *sqlx.Tx
	book model.Book
	log  *zap.Logger
}

func (t *pgTx) Book() model.Book {
	return t.book
}

func (t *pgTx) GetUser(ctx context.Context, userID string) (model.User, error) {
	return getUser(ctx, t.tx, userID)
}

func (t *pgTx) GetLoan(ctx context.Context, loanID string) (model.Loan, error) {
	return getLoan(ctx, t.tx, loanID, true)
}

func (t *pgTx) HasOpenLoan(ctx context.Context, userID string) (bool, error) {
	query, args, err := qb.Select("1").
		From(loansTableName).
		Where(sq.Eq{"book_id": t.book.ID}).
		Where(sq.Eq{"user_id": userID}).
		Where(sq.Eq{"status": openStatuses}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, err
	}
	var one int
	if err := t.tx.GetContext(ctx, &one, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, errors.Wrap(err, "HasOpenLoan")
	}
	return true, nil
}

func (t *pgTx) CountOpenLoans(ctx context.Context) (int, error) {
	query, args, err := qb.Select("count(*)").
		From(loansTableName).
		Where(sq.Eq{"book_id": t.book.ID}).
		Where(sq.Eq{"status": openStatuses}).
		ToSql()
	if err != nil {
		return 0, err
	}
	var count int
	if err := t.tx.GetContext(ctx, &count, query, args...); err != nil {
		return 0, errors.Wrap(err, "CountOpenLoans")
	}
	return count, nil
}

func (t *pgTx) CreateLoan(ctx context.Context, loan model.Loan) error {
	query, args, err := qb.Insert(loansTableName).
		Columns(loanColumns...).
		Values(loan.ID, loan.BookID, loan.UserID, loan.IssueDate, loan.DueDate, loan.ReturnDate, loan.Status, loan.Fine).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		t.log.Error("CreateLoan", zap.String("q", query), zap.Any("args", args), zap.Error(err))
		return mapPgError(errors.Wrap(err, "CreateLoan"))
	}
	return nil
}

func (t *pgTx) CloseLoan(ctx context.Context, loan model.Loan) error {
	query, args, err := qb.Update(loansTableName).
		Set("status", loan.Status).
		Set("fine", loan.Fine).
		Set("return_date", loan.ReturnDate).
		Where(sq.Eq{"id": loan.ID}).
		Where(sq.Eq{"return_date": nil}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "CloseLoan")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrAlreadyReturned
	}
	return nil
}

func (t *pgTx) AdjustAvailable(ctx context.Context, delta int) error {
	const q = `
update books
    set available = least(available + $2, quantity)
where id = $1 and available + $2 >= 0
returning available`
	var available int
	if err := t.tx.QueryRowContext(ctx, q, t.book.ID, delta).Scan(&available); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errs.ErrNoCopiesAvailable
		}
		return mapPgError(errors.Wrap(err, "AdjustAvailable"))
	}
	t.book.Available = available
	return nil
}

func (t *pgTx) UpdateBook(ctx context.Context, book model.Book) error {
	query, args, err := qb.Update(booksTableName).
		Set("title", book.Title).
		Set("author", book.Author).
		Set("isbn", book.ISBN).
		Set("quantity", book.Quantity).
		Set("available", book.Available).
		Where(sq.Eq{"id": t.book.ID}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return mapPgError(errors.Wrap(err, "UpdateBook"))
	}
	t.book = book
	return nil
}

func getUser(ctx context.Context, db sqlx.QueryerContext, userID string) (model.User, error) {
	query, args, err := qb.Select(userColumns...).
		From(usersTableName).
		Where(sq.Eq{"id": userID}).
		ToSql()
	if err != nil {
		return model.User{}, err
	}
	var user model.User
	if err := sqlx.GetContext(ctx, db, &user, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, errs.ErrUserNotFound
		}
		return model.User{}, errors.Wrap(err, "GetUser")
	}
	return user, nil
}

func getLoan(ctx context.Context, db sqlx.QueryerContext, loanID string, forUpdate bool) (model.Loan, error) {
	q := qb.Select(loanColumns...).
		From(loansTableName).
		Where(sq.Eq{"id": loanID})
	if forUpdate {
		q = q.Suffix("FOR UPDATE")
	}
	query, args, err := q.ToSql()
	if err != nil {
		return model.Loan{}, err
	}
	var loan model.Loan
	if err := sqlx.GetContext(ctx, db, &loan, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Loan{}, errs.ErrLoanNotFound
		}
		return model.Loan{}, errors.Wrap(err, "GetLoan")
	}
	return loan, nil
}

const (
	openLoanIndex     = "loans_open_book_user_uidx"
	availableCheck    = "books_available_check"
	loanBookForeignFK = "loans_book_id_fkey"
	loanUserForeignFK = "loans_user_id_fkey"
)

// mapPgError turns constraint violations that back the lending invariants into domain errors.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == openLoanIndex:
		return errs.ErrDuplicateLoan
	case pgErr.Code == pgerrcode.CheckViolation && pgErr.ConstraintName == availableCheck:
		return errs.ErrNoCopiesAvailable
	case pgErr.Code == pgerrcode.ForeignKeyViolation && pgErr.ConstraintName == loanBookForeignFK:
		return errs.ErrBookNotFound
	case pgErr.Code == pgerrcode.ForeignKeyViolation && pgErr.ConstraintName == loanUserForeignFK:
		return errs.ErrUserNotFound
	}
	return err
}
