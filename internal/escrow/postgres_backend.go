package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/escrowledger/internal/identity"
	"github.com/mbd888/escrowledger/internal/ledger"
	"github.com/mbd888/escrowledger/internal/logging"
	"github.com/mbd888/escrowledger/internal/metrics"
	"github.com/mbd888/escrowledger/internal/retry"
	"github.com/mbd888/escrowledger/internal/wallet"
)

const (
	defaultTxAttempts  = 3
	txRetryBaseDelay   = 20 * time.Millisecond
	txRetryMaxDelay    = 250 * time.Millisecond
	pqDeadlockDetected = "40P01"
	pqSerialization    = "40001"
)

// PostgresBackend runs each unit of work in a READ COMMITTED transaction.
// Rows are locked with SELECT ... FOR UPDATE as they are read through
// LockWallet and LockHold. Deadlocks and serialization failures are retried.
type PostgresBackend struct {
	db       *sql.DB
	attempts int
}

// NewPostgresBackend creates a backend over db.
func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db, attempts: defaultTxAttempts}
}

// IsRetryableTxError reports whether err is a transient Postgres conflict.
func IsRetryableTxError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == pqDeadlockDetected || pqErr.Code == pqSerialization
}

func (b *PostgresBackend) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	policy := retry.Policy{
		Attempts:  b.attempts,
		BaseDelay: txRetryBaseDelay,
		MaxDelay:  txRetryMaxDelay,
		Retryable: IsRetryableTxError,
		OnRetry: func(attempt int, err error) {
			metrics.TxRetriesTotal.Inc()
			logging.L(ctx).Warn("retrying ledger transaction", "attempt", attempt, "error", err)
		},
	}
	return policy.Run(ctx, func(ctx context.Context) error {
		return b.runOnce(ctx, fn)
	})
}

func (b *PostgresBackend) runOnce(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	tx := &pgTx{
		users:   identity.NewPostgresStore(sqlTx),
		wallets: wallet.NewPostgresStore(sqlTx),
		holds:   NewPostgresStore(sqlTx),
		entries: ledger.NewPostgresStore(sqlTx),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// pgTx binds the per-package stores to one *sql.Tx.
type pgTx struct {
	users   *identity.PostgresStore
	wallets *wallet.PostgresStore
	holds   *PostgresStore
	entries *ledger.PostgresStore
}

func (t *pgTx) FindUser(ctx context.Context, id string) (*identity.User, error) {
	return t.users.FindUser(ctx, id)
}

func (t *pgTx) ListWalletsByOwner(ctx context.Context, ownerID string) ([]*wallet.Wallet, error) {
	return t.wallets.ListByOwner(ctx, ownerID)
}

func (t *pgTx) GetWallet(ctx context.Context, id string) (*wallet.Wallet, error) {
	return t.wallets.Get(ctx, id)
}

func (t *pgTx) LockWallet(ctx context.Context, id string) (*wallet.Wallet, error) {
	return t.wallets.GetForUpdate(ctx, id)
}

func (t *pgTx) AdjustEscrowBalance(ctx context.Context, walletID string, delta int64) error {
	return t.wallets.AdjustEscrowBalance(ctx, walletID, delta)
}

func (t *pgTx) AdjustBalance(ctx context.Context, walletID string, delta int64) error {
	return t.wallets.AdjustBalance(ctx, walletID, delta)
}

func (t *pgTx) SetEscrowEnabled(ctx context.Context, walletID string, enabled bool) (*wallet.Wallet, error) {
	return t.wallets.SetEscrowEnabled(ctx, walletID, enabled)
}

func (t *pgTx) InsertHold(ctx context.Context, h *Hold) error {
	return t.holds.Insert(ctx, h)
}

func (t *pgTx) LockHold(ctx context.Context, id string) (*Hold, error) {
	return t.holds.GetForUpdate(ctx, id)
}

func (t *pgTx) UpdateHold(ctx context.Context, h *Hold) error {
	return t.holds.Update(ctx, h)
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *ledger.Transaction) error {
	return t.entries.InsertTransaction(ctx, txn)
}

var _ Backend = (*PostgresBackend)(nil)
