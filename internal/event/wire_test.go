package event_test

import (
	"testing"

	"CDPLedger/internal/event"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_MintDebt(t *testing.T) {
	data := []byte(`{
		"command_id": "7f1e2d3c-4b5a-4968-8776-655443322110",
		"source": "api-1",
		"sequence": 4,
		"timestamp": 1700000000,
		"caller": "550e8400-e29b-41d4-a716-446655440000",
		"owner": "550e8400-e29b-41d4-a716-446655440000",
		"collateral_deposit": 100,
		"amount": 36666,
		"price": 550000000000
	}`)

	evt, err := event.Decode("MintDebt", data)
	require.NoError(t, err)

	mint, ok := evt.(*event.MintDebt)
	require.True(t, ok, "got %T", evt)
	assert.Equal(t, int64(36666), mint.Amount)
	assert.Equal(t, int64(100), mint.CollateralDeposit)
	assert.Equal(t, int64(550_000_000_000), mint.GetPrice())
	assert.Equal(t, "source:api-1", mint.Partition())
	assert.Equal(t, int64(4), mint.SourceSequence())
	assert.Equal(t, int64(1700000000), mint.Time())
	assert.Equal(t, "7f1e2d3c-4b5a-4968-8776-655443322110", mint.IdempotencyKey())
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := event.Decode("TradeFill", []byte(`{}`))
	assert.Error(t, err)
}

func TestDecode_BadIdentifiers(t *testing.T) {
	tests := map[string]string{
		"bad command id": `{"command_id":"x","owner":"550e8400-e29b-41d4-a716-446655440000"}`,
		"bad owner":      `{"command_id":"7f1e2d3c-4b5a-4968-8776-655443322110","owner":"nope"}`,
		"negative seq":   `{"command_id":"7f1e2d3c-4b5a-4968-8776-655443322110","sequence":-1,"owner":"550e8400-e29b-41d4-a716-446655440000"}`,
		"not json":       `{`,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := event.Decode("AccrueInterest", []byte(data))
			assert.Error(t, err)
		})
	}
}

func TestEncode_UpdateConfigKeepsNilFields(t *testing.T) {
	rate := int64(80_000_000)
	owner := uuid.New()
	in := &event.UpdateConfig{
		Meta:   event.Meta{CommandID: uuid.New(), Timestamp: 10},
		Caller: uuid.New(),
	}
	in.Patch.InterestRate = &rate
	in.Patch.NewOwner = &owner

	data, err := event.Encode(in)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "max_collateral_ratio")

	out, err := event.Decode(in.EventType().String(), data)
	require.NoError(t, err)
	patch := out.(*event.UpdateConfig).Patch
	require.NotNil(t, patch.InterestRate)
	assert.Equal(t, rate, *patch.InterestRate)
	assert.Equal(t, owner, *patch.NewOwner)
	assert.Nil(t, patch.MaxCollateralRatio)
	assert.Nil(t, patch.MintingPaused)
}

func TestMeta_UnsequencedIsGlobal(t *testing.T) {
	evt := &event.AccrueInterest{Meta: event.Meta{CommandID: uuid.New()}}
	assert.Equal(t, event.GlobalPartition, evt.Partition())
	assert.Zero(t, evt.SourceSequence())

	owner, ok := event.VaultOwner(evt)
	assert.True(t, ok)
	assert.Equal(t, uuid.Nil, owner)
}

func TestParseEventType(t *testing.T) {
	for _, et := range event.AllEventTypes() {
		parsed, err := event.ParseEventType(et.String())
		require.NoError(t, err)
		assert.Equal(t, et, parsed)
	}
}
