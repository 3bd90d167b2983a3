package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresStore persists escrow holds in PostgreSQL.
type PostgresStore struct {
	db DBTX
}

// NewPostgresStore creates a new PostgreSQL-backed hold store.
func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Insert(ctx context.Context, h *Hold) error {
	metaJSON, err := encodeMetadata(h.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrow_holds (
			id, payer_wallet_id, seller_wallet_id, amount, currency,
			buyer_id, seller_id, order_id, gateway, reference_id,
			status, reason, metadata, release_date,
			created_at, updated_at, resolved_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17
		)`,
		h.ID, h.PayerWalletID, nullString(h.SellerWalletID), h.Amount, h.Currency,
		h.BuyerID, h.SellerID, nullString(h.OrderID), nullString(h.Gateway), h.ReferenceID,
		string(h.Status), nullString(h.Reason), metaJSON, nullTime(h.ReleaseDate),
		h.CreatedAt, h.UpdatedAt, nullTime(h.ResolvedAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateHold
	}
	return err
}

const holdColumns = `id, payer_wallet_id, seller_wallet_id, amount, currency,
		       buyer_id, seller_id, order_id, gateway, reference_id,
		       status, reason, metadata, release_date,
		       created_at, updated_at, resolved_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Hold, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1`, id)
	h, err := scanHold(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	return h, err
}

// GetForUpdate locks the hold row; use it on a store built from a *sql.Tx.
func (p *PostgresStore) GetForUpdate(ctx context.Context, id string) (*Hold, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1 FOR UPDATE`, id)
	h, err := scanHold(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	return h, err
}

func (p *PostgresStore) Update(ctx context.Context, h *Hold) error {
	metaJSON, err := encodeMetadata(h.Metadata)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_holds SET
			seller_wallet_id = $1, status = $2, reason = $3, metadata = $4,
			updated_at = $5, resolved_at = $6
		WHERE id = $7`,
		nullString(h.SellerWalletID), string(h.Status), nullString(h.Reason), metaJSON,
		h.UpdatedAt, nullTime(h.ResolvedAt),
		h.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrHoldNotFound
	}
	return nil
}

func (p *PostgresStore) ListByWallet(ctx context.Context, walletID string, status Status, limit int) ([]*Hold, error) {
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+holdColumns+`
		FROM escrow_holds
		WHERE (payer_wallet_id = $1 OR seller_wallet_id = $1)
		  AND ($2::text = '' OR status = $2::text)
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, walletID, string(status), lim)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanHold(s scanner) (*Hold, error) {
	h := &Hold{}
	var (
		sellerWalletID sql.NullString
		orderID        sql.NullString
		gateway        sql.NullString
		reason         sql.NullString
		status         string
		metaJSON       []byte
		releaseDate    sql.NullTime
		resolvedAt     sql.NullTime
	)

	err := s.Scan(
		&h.ID, &h.PayerWalletID, &sellerWalletID, &h.Amount, &h.Currency,
		&h.BuyerID, &h.SellerID, &orderID, &gateway, &h.ReferenceID,
		&status, &reason, &metaJSON, &releaseDate,
		&h.CreatedAt, &h.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	h.Status = Status(status)
	h.SellerWalletID = sellerWalletID.String
	h.OrderID = orderID.String
	h.Gateway = gateway.String
	h.Reason = reason.String
	if releaseDate.Valid {
		h.ReleaseDate = &releaseDate.Time
	}
	if resolvedAt.Valid {
		h.ResolvedAt = &resolvedAt.Time
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &h.Metadata); err != nil {
			return nil, fmt.Errorf("hold %s: decode metadata: %w", h.ID, err)
		}
		if len(h.Metadata) == 0 {
			h.Metadata = nil
		}
	}
	return h, nil
}

func encodeMetadata(m Metadata) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ HoldStore = (*PostgresStore)(nil)
