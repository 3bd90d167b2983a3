package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresStore persists ledger transactions in PostgreSQL.
type PostgresStore struct {
	db DBTX
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

// InsertTransaction writes t. Pass a store built on the caller's *sql.Tx.
func (p *PostgresStore) InsertTransaction(ctx context.Context, t *Transaction) error {
	metaJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if t.Metadata == nil {
		metaJSON = []byte("{}")
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO ledger_transactions (
			id, wallet_id, amount, currency, type, status,
			reference_id, fee, net_amount, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.WalletID, t.Amount, t.Currency, string(t.Type), string(t.Status),
		t.ReferenceID, t.Fee, t.NetAmount, metaJSON, t.Timestamp,
	)
	return err
}

const txColumns = `id, wallet_id, amount, currency, type, status,
		       reference_id, fee, net_amount, metadata, created_at`

func (p *PostgresStore) ListByWallet(ctx context.Context, walletID string, limit int) ([]*Transaction, error) {
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM ledger_transactions
		WHERE wallet_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, walletID, lim)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListByReference(ctx context.Context, referenceID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM ledger_transactions
		WHERE reference_id = $1
		ORDER BY created_at ASC, id ASC`, referenceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var typ, status string
		var metaJSON []byte
		if err := rows.Scan(
			&t.ID, &t.WalletID, &t.Amount, &t.Currency, &typ, &status,
			&t.ReferenceID, &t.Fee, &t.NetAmount, &metaJSON, &t.Timestamp,
		); err != nil {
			return nil, err
		}
		t.Type = Type(typ)
		t.Status = Status(status)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &t.Metadata); err != nil {
				return nil, fmt.Errorf("transaction %s: decode metadata: %w", t.ID, err)
			}
			if len(t.Metadata) == 0 {
				t.Metadata = nil
			}
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
