package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Astemirdum/library-circulation/circulation/internal/model"
)

// Stats counts overdue loans from due_date, so a stale cached status does not skew the report.
func (r *repository) Stats(ctx context.Context, now time.Time) (model.Stats, error) {
	const q = `
	select
	    (select count(*) from books) as total_books,
	    (select count(*) from users) as total_users,
	    (select count(*) from loans where return_date is null) as total_open_loans,
	    (select count(*) from loans where return_date is null and due_date < @now) as total_overdue
`
	rows, err := r.pool.Query(ctx, q, pgx.NamedArgs{"now": now})
	if err != nil {
		return model.Stats{}, err
	}
	defer rows.Close()
	stats, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Stats])
	if err != nil {
		return model.Stats{}, fmt.Errorf("pgx.CollectOneRow: %w", err)
	}
	return stats, nil
}
