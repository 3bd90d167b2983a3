package escrow

import (
	"testing"

	"github.com/mbd888/escrowledger/internal/wallet"
	"github.com/stretchr/testify/assert"
)

func TestRuleEngine_Evaluate(t *testing.T) {
	engine := NewRuleEngine([]string{"CUSTOM_MANUFACTURING", " cross_border "})

	tests := []struct {
		name      string
		wallet    wallet.Wallet
		amount    int64
		orderType string
		want      Decision
	}{
		{
			name:   "manual flag wins over everything",
			wallet: wallet.Wallet{IsEscrowEnabled: true, EscrowThreshold: 5000},
			amount: 10000, orderType: "CROSS_BORDER",
			want: Decision{Required: true, Reason: ReasonManualEscrowEnabled},
		},
		{
			name:   "threshold is inclusive",
			wallet: wallet.Wallet{EscrowThreshold: 5000},
			amount: 5000,
			want:   Decision{Required: true, Reason: ReasonAmountThreshold},
		},
		{
			name:   "one below threshold is not required",
			wallet: wallet.Wallet{EscrowThreshold: 5000},
			amount: 4999,
			want:   Decision{},
		},
		{
			name:   "threshold beats high risk",
			wallet: wallet.Wallet{EscrowThreshold: 100},
			amount: 500, orderType: "CUSTOM_MANUFACTURING",
			want: Decision{Required: true, Reason: ReasonAmountThreshold},
		},
		{
			name:   "high risk order type",
			wallet: wallet.Wallet{EscrowThreshold: 5000},
			amount: 1000, orderType: "cross_border",
			want: Decision{Required: true, Reason: ReasonHighRiskOrderType},
		},
		{
			name:   "ordinary order type",
			wallet: wallet.Wallet{EscrowThreshold: 5000},
			amount: 1000, orderType: "STANDARD",
			want: Decision{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tt.wallet
			assert.Equal(t, tt.want, engine.Evaluate(&w, tt.amount, tt.orderType))
		})
	}
}

func TestRuleEngine_EmptyHighRiskSet(t *testing.T) {
	engine := NewRuleEngine(nil)
	assert.False(t, engine.IsHighRisk("CROSS_BORDER"))
	assert.False(t, engine.IsHighRisk(""))
}

func TestValidateMetadata(t *testing.T) {
	assert.NoError(t, validateMetadata(nil, holdMetadataKeys))
	assert.NoError(t, validateMetadata(Metadata{"invoiceNumber": "INV-1", "notes": "rush"}, holdMetadataKeys))

	err := validateMetadata(Metadata{"releasedBy": "ops", "color": "red"}, holdMetadataKeys)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "color")
	assert.Contains(t, err.Error(), "releasedBy")

	long := make([]byte, maxMetadataValueLen+1)
	for i := range long {
		long[i] = 'x'
	}
	err = validateMetadata(Metadata{"notes": string(long)}, refundMetadataKeys)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	big := Metadata{}
	for i := 0; i < maxMetadataKeys+1; i++ {
		big[string(rune('a'+i))] = "v"
	}
	assert.ErrorIs(t, validateMetadata(big, releaseMetadataKeys), ErrInvalidRequest)
}

func TestMetadata_Merge(t *testing.T) {
	base := Metadata{"notes": "old", "invoiceNumber": "INV-1"}
	merged := base.Merge(Metadata{"notes": "new", "releasedBy": "ops"})

	assert.Equal(t, Metadata{"notes": "new", "invoiceNumber": "INV-1", "releasedBy": "ops"}, merged)
	assert.Equal(t, "old", base["notes"], "merge must not modify the receiver")
	assert.Nil(t, Metadata(nil).Merge(nil))
}
