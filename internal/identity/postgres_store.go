package identity

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresStore reads users from PostgreSQL.
type PostgresStore struct {
	db DBTX
}

// NewPostgresStore creates a new PostgreSQL-backed user store.
func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, u *User) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO users (id, name, email, role)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		u.ID, u.Name, nullString(u.Email), string(u.Role),
	).Scan(&u.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateUser
	}
	return err
}

func (p *PostgresStore) FindUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	var email sql.NullString
	var role string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, email, role, created_at
		FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Name, &email, &role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Email = email.String
	u.Role = Role(role)
	return u, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
