// Package escrow holds buyer funds until an order resolves.
//
// Flow:
//  1. Hold: payer's available balance is reserved (escrow balance grows)
//  2. Release: the reservation becomes a debit and the seller wallet is credited
//  3. Refund: the reservation is lifted and the payer can spend the funds again
//
// Every step runs as one unit of work on a Backend. Notifications are queued
// only after the unit commits.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/escrowledger/internal/identity"
	"github.com/mbd888/escrowledger/internal/idgen"
	"github.com/mbd888/escrowledger/internal/ledger"
	"github.com/mbd888/escrowledger/internal/logging"
	"github.com/mbd888/escrowledger/internal/metrics"
	"github.com/mbd888/escrowledger/internal/notify"
	"github.com/mbd888/escrowledger/internal/traces"
	"github.com/mbd888/escrowledger/internal/wallet"
)

// ErrWalletInactive is returned when a deactivated wallet would pay into a hold.
var ErrWalletInactive = errors.New("wallet is inactive")

// Notifier receives post-commit notifications. It must not block.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) bool
}

// HoldRequest contains the parameters for creating a hold.
type HoldRequest struct {
	PayerWalletID  string     `json:"payerWalletId"`
	Amount         int64      `json:"amount"`
	Currency       string     `json:"currency"`
	Gateway        string     `json:"gateway"`
	BuyerID        string     `json:"buyerId"`
	SellerID       string     `json:"sellerId"`
	SellerWalletID string     `json:"sellerWalletId,omitempty"`
	OrderType      string     `json:"orderType,omitempty"`
	OrderID        string     `json:"orderId,omitempty"`
	ReferenceID    string     `json:"referenceId,omitempty"`
	Metadata       Metadata   `json:"metadata,omitempty"`
	ReleaseDate    *time.Time `json:"releaseDate,omitempty"`
}

// Validate checks required fields and metadata.
func (r *HoldRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.PayerWalletID) == "":
		return invalid("payerWalletId", "required")
	case r.Amount <= 0:
		return invalid("amount", "must be a positive integer in minor units")
	case strings.TrimSpace(r.Currency) == "":
		return invalid("currency", "required")
	case strings.TrimSpace(r.Gateway) == "":
		return invalid("gateway", "required")
	case strings.TrimSpace(r.BuyerID) == "":
		return invalid("buyerId", "required")
	case strings.TrimSpace(r.SellerID) == "":
		return invalid("sellerId", "required")
	}
	return validateMetadata(r.Metadata, holdMetadataKeys)
}

// ReleaseRequest contains the parameters for releasing a hold.
type ReleaseRequest struct {
	EscrowHoldID string   `json:"escrowHoldId"`
	Metadata     Metadata `json:"metadata,omitempty"`
}

// Validate checks required fields and metadata.
func (r *ReleaseRequest) Validate() error {
	if strings.TrimSpace(r.EscrowHoldID) == "" {
		return invalid("escrowHoldId", "required")
	}
	return validateMetadata(r.Metadata, releaseMetadataKeys)
}

// RefundRequest contains the parameters for refunding a hold.
type RefundRequest struct {
	EscrowHoldID string   `json:"escrowHoldId"`
	Reason       string   `json:"reason,omitempty"`
	Metadata     Metadata `json:"metadata,omitempty"`
}

// Validate checks required fields and metadata.
func (r *RefundRequest) Validate() error {
	if strings.TrimSpace(r.EscrowHoldID) == "" {
		return invalid("escrowHoldId", "required")
	}
	if len(r.Reason) > maxMetadataValueLen {
		return invalid("reason", fmt.Sprintf("exceeds %d bytes", maxMetadataValueLen))
	}
	return validateMetadata(r.Metadata, refundMetadataKeys)
}

// HoldResult is a hold with its related records as of commit.
type HoldResult struct {
	Hold         *Hold                 `json:"hold"`
	PayerWallet  *wallet.Wallet        `json:"payerWallet,omitempty"`
	SellerWallet *wallet.Wallet        `json:"sellerWallet,omitempty"`
	Buyer        *identity.User        `json:"buyer,omitempty"`
	Seller       *identity.User        `json:"seller,omitempty"`
	Transactions []*ledger.Transaction `json:"transactions"`
}

// Ledger is the escrow state machine.
type Ledger struct {
	backend  Backend
	holds    HoldReader
	wallets  wallet.Reader
	rules    *RuleEngine
	recorder *ledger.Recorder
	notifier Notifier
	now      func() time.Time
}

// NewLedger creates an escrow ledger. Parties and seller wallets are
// resolved through the backend's unit of work; holds and wallets serve the
// read-only views.
func NewLedger(backend Backend, holds HoldReader, wallets wallet.Reader, rules *RuleEngine) *Ledger {
	return &Ledger{
		backend:  backend,
		holds:    holds,
		wallets:  wallets,
		rules:    rules,
		recorder: ledger.NewRecorder(),
		now:      time.Now,
	}
}

// WithNotifier adds a post-commit notifier.
func (l *Ledger) WithNotifier(n Notifier) *Ledger {
	l.notifier = n
	return l
}

// Evaluate runs the rule engine for a wallet without side effects.
func (l *Ledger) Evaluate(ctx context.Context, walletID string, amount int64, orderType string) (Decision, error) {
	w, err := l.wallets.Get(ctx, walletID)
	if err != nil {
		return Decision{}, err
	}
	return l.rules.Evaluate(w, amount, orderType), nil
}

// RequestHold creates a hold only when the rule engine requires escrow. The
// result is nil when escrow is not required.
func (l *Ledger) RequestHold(ctx context.Context, req HoldRequest) (Decision, *HoldResult, error) {
	if err := req.Validate(); err != nil {
		return Decision{}, nil, err
	}
	d, err := l.Evaluate(ctx, req.PayerWalletID, req.Amount, req.OrderType)
	if err != nil {
		return Decision{}, nil, err
	}
	if !d.Required {
		return d, nil, nil
	}
	res, err := l.CreateEscrowHold(ctx, req)
	return d, res, err
}

// CreateEscrowHold reserves req.Amount of the payer's available balance.
func (l *Ledger) CreateEscrowHold(ctx context.Context, req HoldRequest) (res *HoldResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateEscrowHold",
		traces.WalletID(req.PayerWalletID), traces.Amount(req.Amount), traces.Currency(req.Currency))
	done := metrics.ObserveOp("hold")
	defer func() {
		done(err)
		traces.End(span, err)
	}()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := l.now().UTC()
	holdID := idgen.WithPrefix("esc_")
	referenceID := req.ReferenceID
	if referenceID == "" {
		referenceID = holdID
	}

	err = l.backend.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		payer, err := tx.LockWallet(ctx, req.PayerWalletID)
		if err != nil {
			return err
		}
		if !payer.IsActive() {
			return fmt.Errorf("%w: %s", ErrWalletInactive, payer.ID)
		}
		if !strings.EqualFold(payer.Currency, req.Currency) {
			return invalid("currency", fmt.Sprintf("payer wallet holds %s", payer.Currency))
		}
		if payer.Available() < req.Amount {
			return fmt.Errorf("%w: available %d, requested %d", ErrInsufficientBalance, payer.Available(), req.Amount)
		}

		buyer, err := findParty(ctx, tx, "buyer", req.BuyerID)
		if err != nil {
			return err
		}
		seller, err := findParty(ctx, tx, "seller", req.SellerID)
		if err != nil {
			return err
		}

		sellerWalletID, err := selectorFor(tx).SelectSellerWallet(ctx, req.SellerID, req.Currency, req.SellerWalletID)
		if err != nil {
			return err
		}
		sellerWallet, err := tx.GetWallet(ctx, sellerWalletID)
		if err != nil {
			return fmt.Errorf("seller wallet %s: %w", sellerWalletID, err)
		}

		hold := &Hold{
			ID:             holdID,
			PayerWalletID:  payer.ID,
			SellerWalletID: sellerWallet.ID,
			Amount:         req.Amount,
			Currency:       payer.Currency,
			BuyerID:        buyer.ID,
			SellerID:       seller.ID,
			OrderID:        req.OrderID,
			Gateway:        req.Gateway,
			ReferenceID:    referenceID,
			Status:         StatusHeld,
			Metadata:       req.Metadata.Clone(),
			ReleaseDate:    req.ReleaseDate,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertHold(ctx, hold); err != nil {
			return err
		}

		marker, err := l.recorder.Append(ctx, tx, payer.ID, ledger.Entry{
			Amount:      -hold.Amount,
			Currency:    hold.Currency,
			Type:        ledger.TypeEscrowHold,
			Status:      ledger.StatusHeldInEscrow,
			ReferenceID: hold.ID,
			Metadata:    hold.Metadata,
		})
		if err != nil {
			return err
		}
		if err := tx.AdjustEscrowBalance(ctx, payer.ID, hold.Amount); err != nil {
			return err
		}

		payer, err = tx.GetWallet(ctx, payer.ID)
		if err != nil {
			return err
		}
		res = &HoldResult{
			Hold:         hold,
			PayerWallet:  payer,
			SellerWallet: sellerWallet,
			Buyer:        buyer,
			Seller:       seller,
			Transactions: []*ledger.Transaction{marker},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	h := res.Hold
	logging.L(ctx).Info("escrow hold created",
		"hold_id", h.ID, "payer_wallet_id", h.PayerWalletID, "seller_wallet_id", h.SellerWalletID,
		"amount", h.Amount, "currency", h.Currency)
	l.dispatch(ctx, notify.KindHoldCreated, h)
	return res, nil
}

// ReleaseEscrow pays a held amount out to the seller wallet.
func (l *Ledger) ReleaseEscrow(ctx context.Context, req ReleaseRequest) (res *HoldResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReleaseEscrow", traces.HoldID(req.EscrowHoldID))
	done := metrics.ObserveOp("release")
	defer func() {
		done(err)
		traces.End(span, err)
	}()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	var legacyFallback bool
	err = l.backend.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		legacyFallback = false

		hold, err := l.lockActiveHold(ctx, tx, req.EscrowHoldID)
		if err != nil {
			return err
		}

		sellerWalletID := hold.SellerWalletID
		if sellerWalletID == "" {
			legacyFallback = true
			sellerWalletID, err = selectorFor(tx).SelectSellerWallet(ctx, hold.SellerID, hold.Currency, "")
			if err != nil {
				return err
			}
		}
		if err := lockWallets(ctx, tx, hold.PayerWalletID, sellerWalletID); err != nil {
			return err
		}

		now := l.now().UTC()
		hold.Status = StatusReleased
		hold.SellerWalletID = sellerWalletID
		hold.ResolvedAt = &now
		hold.UpdatedAt = now
		hold.Metadata = hold.Metadata.Merge(req.Metadata)
		if err := tx.UpdateHold(ctx, hold); err != nil {
			return err
		}

		// Lift the reservation before debiting so available never dips.
		if err := tx.AdjustEscrowBalance(ctx, hold.PayerWalletID, -hold.Amount); err != nil {
			return err
		}
		debit, err := l.recorder.Append(ctx, tx, hold.PayerWalletID, ledger.Entry{
			Amount:      -hold.Amount,
			Currency:    hold.Currency,
			Type:        ledger.TypeEscrowRelease,
			Status:      ledger.StatusCompleted,
			ReferenceID: hold.ID,
			Metadata:    req.Metadata,
		})
		if err != nil {
			return err
		}
		credit, err := l.recorder.Append(ctx, tx, sellerWalletID, ledger.Entry{
			Amount:      hold.Amount,
			Currency:    hold.Currency,
			Type:        ledger.TypeEscrowRelease,
			Status:      ledger.StatusCompleted,
			ReferenceID: hold.ID,
			Metadata:    req.Metadata,
		})
		if err != nil {
			return err
		}

		res, err = l.result(ctx, tx, hold, debit, credit)
		return err
	})
	if err != nil {
		return nil, err
	}

	h := res.Hold
	if legacyFallback {
		metrics.EscrowLegacyWalletFallbackTotal.Inc()
		logging.L(ctx).Warn("released legacy hold without stored seller wallet",
			"hold_id", h.ID, "seller_id", h.SellerID, "selected_wallet_id", h.SellerWalletID)
	}
	metrics.EscrowHoldLifetime.WithLabelValues("released").Observe(h.ResolvedAt.Sub(h.CreatedAt).Seconds())
	logging.L(ctx).Info("escrow hold released",
		"hold_id", h.ID, "payer_wallet_id", h.PayerWalletID, "seller_wallet_id", h.SellerWalletID,
		"amount", h.Amount, "currency", h.Currency)
	l.dispatch(ctx, notify.KindReleased, h)
	return res, nil
}

// RefundEscrow returns a held amount to the payer's available balance.
func (l *Ledger) RefundEscrow(ctx context.Context, req RefundRequest) (res *HoldResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RefundEscrow", traces.HoldID(req.EscrowHoldID))
	done := metrics.ObserveOp("refund")
	defer func() {
		done(err)
		traces.End(span, err)
	}()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	err = l.backend.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		hold, err := l.lockActiveHold(ctx, tx, req.EscrowHoldID)
		if err != nil {
			return err
		}
		if _, err := tx.LockWallet(ctx, hold.PayerWalletID); err != nil {
			return fmt.Errorf("payer wallet %s: %w", hold.PayerWalletID, err)
		}

		now := l.now().UTC()
		hold.Status = StatusRefunded
		hold.Reason = req.Reason
		hold.ResolvedAt = &now
		hold.UpdatedAt = now
		hold.Metadata = hold.Metadata.Merge(req.Metadata)
		if err := tx.UpdateHold(ctx, hold); err != nil {
			return err
		}

		if err := tx.AdjustEscrowBalance(ctx, hold.PayerWalletID, -hold.Amount); err != nil {
			return err
		}
		marker, err := l.recorder.Append(ctx, tx, hold.PayerWalletID, ledger.Entry{
			Amount:      hold.Amount,
			Currency:    hold.Currency,
			Type:        ledger.TypeEscrowRefund,
			Status:      ledger.StatusHeldInEscrow,
			ReferenceID: hold.ID,
			Metadata:    req.Metadata,
		})
		if err != nil {
			return err
		}

		res, err = l.result(ctx, tx, hold, marker)
		return err
	})
	if err != nil {
		return nil, err
	}

	h := res.Hold
	metrics.EscrowHoldLifetime.WithLabelValues("refunded").Observe(h.ResolvedAt.Sub(h.CreatedAt).Seconds())
	logging.L(ctx).Info("escrow hold refunded",
		"hold_id", h.ID, "payer_wallet_id", h.PayerWalletID, "amount", h.Amount,
		"currency", h.Currency, "reason", h.Reason)
	l.dispatch(ctx, notify.KindRefunded, h)
	return res, nil
}

// ToggleEscrow sets the manual escrow flag on a wallet.
func (l *Ledger) ToggleEscrow(ctx context.Context, walletID string, enabled bool) (w *wallet.Wallet, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ToggleEscrow", traces.WalletID(walletID))
	done := metrics.ObserveOp("toggle")
	defer func() {
		done(err)
		traces.End(span, err)
	}()

	if strings.TrimSpace(walletID) == "" {
		return nil, invalid("walletId", "required")
	}
	err = l.backend.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		w, err = tx.SetEscrowEnabled(ctx, walletID, enabled)
		return err
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("wallet escrow flag changed", "wallet_id", walletID, "enabled", enabled)
	return w, nil
}

// GetHold returns a hold by id.
func (l *Ledger) GetHold(ctx context.Context, id string) (*Hold, error) {
	return l.holds.Get(ctx, id)
}

// ListWalletHolds returns holds where the wallet is payer or seller.
func (l *Ledger) ListWalletHolds(ctx context.Context, walletID string, status Status, limit int) ([]*Hold, error) {
	if status != "" && !status.Valid() {
		return nil, invalid("status", fmt.Sprintf("unknown status %q", status))
	}
	return l.holds.ListByWallet(ctx, walletID, status, limit)
}

func (l *Ledger) lockActiveHold(ctx context.Context, tx Tx, id string) (*Hold, error) {
	hold, err := tx.LockHold(ctx, id)
	if err != nil {
		return nil, err
	}
	if hold.Status != StatusHeld {
		return nil, fmt.Errorf("%w: %s is %s", ErrHoldNotActive, hold.ID, hold.Status)
	}
	return hold, nil
}

// lockWallets locks each distinct wallet in id order.
func lockWallets(ctx context.Context, tx Tx, ids ...string) error {
	uniq := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	sort.Strings(uniq)
	for _, id := range uniq {
		if _, err := tx.LockWallet(ctx, id); err != nil {
			return fmt.Errorf("wallet %s: %w", id, err)
		}
	}
	return nil
}

func (l *Ledger) result(ctx context.Context, tx Tx, hold *Hold, txns ...*ledger.Transaction) (*HoldResult, error) {
	payer, err := tx.GetWallet(ctx, hold.PayerWalletID)
	if err != nil {
		return nil, err
	}
	seller, err := tx.GetWallet(ctx, hold.SellerWalletID)
	if err != nil && !errors.Is(err, wallet.ErrWalletNotFound) {
		return nil, err
	}
	return &HoldResult{
		Hold:         hold,
		PayerWallet:  payer,
		SellerWallet: seller,
		Transactions: txns,
	}, nil
}

func findParty(ctx context.Context, tx Tx, role, id string) (*identity.User, error) {
	u, err := tx.FindUser(ctx, id)
	if errors.Is(err, identity.ErrUserNotFound) {
		return nil, fmt.Errorf("%w: %s %s", ErrPartyNotFound, role, id)
	}
	return u, err
}

func selectorFor(tx Tx) *wallet.Selector {
	return wallet.NewSelector(txWallets{tx})
}

// dispatch queues a notification for both parties. Failures never reach
// the caller.
func (l *Ledger) dispatch(ctx context.Context, kind notify.Kind, h *Hold) {
	if l.notifier == nil {
		return
	}
	n := notify.Notification{
		ID:             idgen.WithPrefix("ntf_"),
		Kind:           kind,
		HoldID:         h.ID,
		BuyerID:        h.BuyerID,
		SellerID:       h.SellerID,
		PayerWalletID:  h.PayerWalletID,
		SellerWalletID: h.SellerWalletID,
		Amount:         h.Amount,
		Currency:       h.Currency,
		Reason:         h.Reason,
		OccurredAt:     l.now().UTC(),
	}
	if !l.notifier.Notify(ctx, n) {
		logging.L(ctx).Warn("escrow notification dropped", "hold_id", h.ID, "kind", string(kind))
	}
}
