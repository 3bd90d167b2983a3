package escrow

import (
	"strings"

	"github.com/mbd888/escrowledger/internal/metrics"
	"github.com/mbd888/escrowledger/internal/wallet"
)

// Reason explains why escrow is required.
type Reason string

const (
	ReasonManualEscrowEnabled Reason = "MANUAL_ESCROW_ENABLED"
	ReasonAmountThreshold     Reason = "AMOUNT_THRESHOLD"
	ReasonHighRiskOrderType   Reason = "HIGH_RISK_ORDER_TYPE"
)

// Decision is the rule engine's verdict.
type Decision struct {
	Required bool   `json:"isEscrowRequired"`
	Reason   Reason `json:"reason,omitempty"`
}

// RuleEngine decides whether a payment must go through escrow. It has no
// side effects besides a decision counter.
type RuleEngine struct {
	highRisk map[string]struct{}
}

// NewRuleEngine creates a rule engine with the given high-risk order types.
// Matching is case-insensitive.
func NewRuleEngine(highRiskOrderTypes []string) *RuleEngine {
	set := make(map[string]struct{}, len(highRiskOrderTypes))
	for _, t := range highRiskOrderTypes {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return &RuleEngine{highRisk: set}
}

// Evaluate applies the rules in priority order; the first match wins.
func (e *RuleEngine) Evaluate(w *wallet.Wallet, amount int64, orderType string) Decision {
	d := e.evaluate(w, amount, orderType)
	label := string(d.Reason)
	if label == "" {
		label = "none"
	}
	metrics.EscrowRuleDecisionsTotal.WithLabelValues(label).Inc()
	return d
}

func (e *RuleEngine) evaluate(w *wallet.Wallet, amount int64, orderType string) Decision {
	if w.IsEscrowEnabled {
		return Decision{Required: true, Reason: ReasonManualEscrowEnabled}
	}
	if amount >= w.EscrowThreshold {
		return Decision{Required: true, Reason: ReasonAmountThreshold}
	}
	if e.IsHighRisk(orderType) {
		return Decision{Required: true, Reason: ReasonHighRiskOrderType}
	}
	return Decision{}
}

// IsHighRisk reports whether orderType is in the configured set.
func (e *RuleEngine) IsHighRisk(orderType string) bool {
	if orderType == "" {
		return false
	}
	_, ok := e.highRisk[strings.ToUpper(strings.TrimSpace(orderType))]
	return ok
}
