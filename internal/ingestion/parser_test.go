package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ingestion"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawFromJSON(t *testing.T, subject string, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return ingestion.RawEvent{
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestSubjectToken(t *testing.T) {
	tests := []struct {
		et   event.EventType
		want string
	}{
		{event.EventTypeInitializeProtocol, "initialize_protocol"},
		{event.EventTypeMintDebt, "mint_debt"},
		{event.EventTypeAccrueInterest, "accrue_interest"},
		{event.EventTypeLiquidateVault, "liquidate_vault"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ingestion.SubjectToken(tt.et))
	}
}

func TestResolveEventType(t *testing.T) {
	tests := []struct {
		subject string
		want    string
	}{
		{"cdp.commands.mint_debt.660e8400-e29b-41d4-a716-446655440001", "MintDebt"},
		{"cdp.commands.liquidate_vault._", "LiquidateVault"},
		{"cdp.commands.mint_debt", ""},
		{"cdp.commands.open_position.x", ""},
		{"cdp.prices.SOL", ingestion.PriceEventType},
		{"cdp.prices", ""},
		{"perp.trades.x", ""},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			assert.Equal(t, tt.want, ingestion.ResolveEventType(tt.subject))
		})
	}
}

func TestDefaultSubjectsRoundTrip(t *testing.T) {
	subjects := ingestion.DefaultSubjects()
	require.Len(t, subjects, len(event.AllEventTypes())+1)

	for _, et := range event.AllEventTypes() {
		subject := ingestion.CommandSubject(et, "owner-1")
		assert.Equal(t, et.String(), ingestion.ResolveEventType(subject), subject)
	}
}

func TestParseRawEvent_MintDebt(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":         "550e8400-e29b-41d4-a716-446655440000",
		"source":             "wallet-gw",
		"sequence":           int64(42),
		"timestamp":          int64(1_700_000_000),
		"caller":             "660e8400-e29b-41d4-a716-446655440001",
		"owner":              "660e8400-e29b-41d4-a716-446655440001",
		"collateral_deposit": int64(100),
		"amount":             int64(36_666),
		"price":              int64(550_000_000_000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, "cdp.commands.mint_debt.x", payload), "MintDebt")
	require.NoError(t, err)

	mint, ok := evt.(*event.MintDebt)
	require.True(t, ok, "got %T", evt)
	assert.Equal(t, int64(100), mint.CollateralDeposit)
	assert.Equal(t, int64(36_666), mint.Amount)
	assert.Equal(t, int64(550_000_000_000), mint.Price)
	assert.Equal(t, "source:wallet-gw", mint.Partition())
	assert.Equal(t, int64(42), mint.SourceSequence())
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", mint.IdempotencyKey())
}

func TestParseRawEvent_Invalid(t *testing.T) {
	_, err := ingestion.ParseRawEvent(rawFromJSON(t, "x", map[string]any{"command_id": "not-a-uuid"}), "MintDebt")
	assert.Error(t, err)

	_, err = ingestion.ParseRawEvent(ingestion.RawEvent{Data: []byte("{")}, "RedeemDebt")
	assert.Error(t, err)

	_, err = ingestion.ParseRawEvent(rawFromJSON(t, "x", map[string]any{}), "TradeFill")
	assert.Error(t, err)
}

func TestParsePrice(t *testing.T) {
	u, err := ingestion.ParsePrice(rawFromJSON(t, "cdp.prices.SOL", map[string]any{
		"price": "430", "sequence": 3,
	}))
	require.NoError(t, err)
	assert.Equal(t, "SOL", u.Asset, "asset taken from the subject")
	assert.Equal(t, int64(430_000_000_000), u.Price)

	_, err = ingestion.ParsePrice(rawFromJSON(t, "cdp.prices.SOL", map[string]any{
		"asset": "ETH", "price": "3000", "sequence": 1,
	}))
	assert.Error(t, err, "asset mismatch")
}
