package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// DBTX is satisfied by *sql.DB and *sql.Tx, so the same store can run
// standalone or inside a caller's transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresStore persists wallets in PostgreSQL.
type PostgresStore struct {
	db DBTX
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

const walletColumns = `id, owner_id, currency, balance, escrow_balance,
		       is_escrow_enabled, escrow_threshold, status, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, w *Wallet) error {
	if w.Status == "" {
		w.Status = StatusActive
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO wallets (
			id, owner_id, currency, balance, escrow_balance,
			is_escrow_enabled, escrow_threshold, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		w.ID, w.OwnerID, w.Currency, w.Balance, w.EscrowBalance,
		w.IsEscrowEnabled, w.EscrowThreshold, string(w.Status),
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateWallet
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Wallet, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	return w, err
}

// GetForUpdate must run inside a transaction for the lock to mean anything.
func (p *PostgresStore) GetForUpdate(ctx context.Context, id string) (*Wallet, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	return w, err
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]*Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE owner_id = $1
		ORDER BY created_at ASC, id ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AdjustBalance(ctx context.Context, id string, delta int64) error {
	return p.adjust(ctx, `
		UPDATE wallets SET balance = balance + $2, updated_at = NOW()
		WHERE id = $1`, id, delta)
}

func (p *PostgresStore) AdjustEscrowBalance(ctx context.Context, id string, delta int64) error {
	return p.adjust(ctx, `
		UPDATE wallets SET escrow_balance = escrow_balance + $2, updated_at = NOW()
		WHERE id = $1`, id, delta)
}

// adjust relies on the table CHECK constraints to refuse overdrafts.
func (p *PostgresStore) adjust(ctx context.Context, query, id string, delta int64) error {
	result, err := p.db.ExecContext(ctx, query, id, delta)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23514" {
			switch pqErr.Constraint {
			case "chk_wallet_escrow_nonneg":
				return fmt.Errorf("%w: wallet %s", ErrNegativeEscrow, id)
			default:
				return fmt.Errorf("%w: wallet %s", ErrInsufficientFunds, id)
			}
		}
		return fmt.Errorf("failed to adjust wallet %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (p *PostgresStore) SetEscrowEnabled(ctx context.Context, id string, enabled bool) (*Wallet, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE wallets SET is_escrow_enabled = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+walletColumns, id, enabled)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	return w, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWallet(s scanner) (*Wallet, error) {
	w := &Wallet{}
	var status string
	err := s.Scan(
		&w.ID, &w.OwnerID, &w.Currency, &w.Balance, &w.EscrowBalance,
		&w.IsEscrowEnabled, &w.EscrowThreshold, &status, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Status = Status(status)
	return w, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)
