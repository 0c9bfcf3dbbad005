package ingestion

import (
	"context"
	"fmt"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/oracle"

	"github.com/google/uuid"
)

// AdminIngestService injects bridge deposits and manual prices. It backs the
// admin RPCs; high-throughput producers use NATS.
type AdminIngestService struct {
	submitter CommandSubmitter
	prices    PriceSink
	now       func() time.Time
}

func NewAdminIngestService(submitter CommandSubmitter, prices PriceSink) *AdminIngestService {
	return &AdminIngestService{submitter: submitter, prices: prices, now: time.Now}
}

// InjectAssetDeposit credits holder with amount of asset. depositID is the
// bridge's idempotency key; uuid.Nil generates one.
func (s *AdminIngestService) InjectAssetDeposit(
	ctx context.Context,
	depositID uuid.UUID,
	holder uuid.UUID,
	asset string,
	amount int64,
) (*core.Receipt, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	if depositID == uuid.Nil {
		depositID = uuid.New()
	}

	evt := &event.AssetDeposited{
		Meta:   event.Meta{CommandID: depositID, Source: "admin", Timestamp: s.now().Unix()},
		Holder: holder,
		Asset:  asset,
		Amount: amount,
	}
	return s.submitter.Submit(ctx, evt)
}

// InjectPrice stores a manual price. sequence 0 uses the wall clock in
// microseconds so the manual price supersedes the feed.
func (s *AdminIngestService) InjectPrice(asset string, price int64, sequence int64) (bool, error) {
	now := s.now()
	if sequence == 0 {
		sequence = now.UnixMicro()
	}
	return s.prices.Update(oracle.PriceUpdate{
		Asset:     asset,
		Price:     price,
		Sequence:  sequence,
		Timestamp: now.Unix(),
	})
}
