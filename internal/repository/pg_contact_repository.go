package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sitecontact/backend/internal/model"
)

// ContactRepository defines the persistence interface for contact records.
// It is defined here (in repository) to avoid an import cycle with service.
type ContactRepository interface {
	// Save inserts a new record and populates rec.ID and rec.ReceivedAt.
	Save(ctx context.Context, rec *model.ContactRecord) error
	// CountSince counts records for email received at or after since.
	CountSince(ctx context.Context, email string, since time.Time) (int, error)
	List(ctx context.Context, opts model.ContactListOptions) ([]*model.ContactRecord, error)
	// Get returns ErrNotFound when no record has the given id.
	Get(ctx context.Context, id string) (*model.ContactRecord, error)
}

// PgContactRepository is the PostgreSQL implementation of ContactRepository.
type PgContactRepository struct {
	pool *pgxpool.Pool
}

// NewPgContactRepository creates a PgContactRepository backed by the given pool.
func NewPgContactRepository(pool *pgxpool.Pool) *PgContactRepository {
	return &PgContactRepository{pool: pool}
}

// Ensure PgContactRepository implements ContactRepository at compile time.
var _ ContactRepository = (*PgContactRepository)(nil)

// Save inserts a contact_records row. A zero ReceivedAt lets the database
// default (NOW()) apply; either way the stored value is read back.
func (r *PgContactRepository) Save(ctx context.Context, rec *model.ContactRecord) error {
	var receivedAt *time.Time
	if !rec.ReceivedAt.IsZero() {
		receivedAt = &rec.ReceivedAt
	}
	return r.pool.QueryRow(ctx,
		`INSERT INTO contact_records (name, email, message, received_at)
		 VALUES ($1, $2, $3, COALESCE($4::timestamptz, NOW()))
		 RETURNING id, received_at`,
		rec.Name, rec.Email, rec.Message, receivedAt,
	).Scan(&rec.ID, &rec.ReceivedAt)
}

// CountSince is the duplicate-detection query; it is served by the
// (email, received_at) index.
func (r *PgContactRepository) CountSince(ctx context.Context, email string, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM contact_records WHERE email = $1 AND received_at >= $2`,
		email, since,
	).Scan(&n)
	return n, err
}

// List returns contact records ordered by received_at descending.
func (r *PgContactRepository) List(ctx context.Context, opts model.ContactListOptions) ([]*model.ContactRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, email, message, received_at
		 FROM contact_records
		 ORDER BY received_at DESC, id
		 LIMIT $1 OFFSET $2`,
		opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*model.ContactRecord
	for rows.Next() {
		var c model.ContactRecord
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.Message, &c.ReceivedAt); err != nil {
			return nil, err
		}
		records = append(records, &c)
	}
	return records, rows.Err()
}

// Get returns a single contact record by ID.
func (r *PgContactRepository) Get(ctx context.Context, id string) (*model.ContactRecord, error) {
	var c model.ContactRecord
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, email, message, received_at FROM contact_records WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.Name, &c.Email, &c.Message, &c.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
