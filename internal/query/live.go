package query

import (
	"context"
	"fmt"
	"time"

	"CDPLedger/internal/core"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
)

// CoreReader runs fn on the core goroutine. *core.Runner implements it.
type CoreReader interface {
	Read(ctx context.Context, fn func(c *core.DeterministicCore)) error
}

// LiveService answers reads from the in-memory core state through the runner,
// so results reflect every command applied so far.
type LiveService struct {
	reader CoreReader
	prices oracle.PriceOracle
	now    func() time.Time
}

func NewLiveService(reader CoreReader, prices oracle.PriceOracle) *LiveService {
	return &LiveService{reader: reader, prices: prices, now: time.Now}
}

// GetConfig returns the live protocol configuration.
func (ls *LiveService) GetConfig(ctx context.Context) (*ConfigResponse, error) {
	var (
		cfg    *state.ProtocolConfig
		seq    int64
		getErr error
	)
	err := ls.reader.Read(ctx, func(c *core.DeterministicCore) {
		seq = c.GetSequence()
		cfg, getErr = c.GetConfig()
	})
	if err != nil {
		return nil, err
	}
	if getErr != nil {
		return nil, getErr
	}
	return NewConfigResponse(cfg, seq), nil
}

// GetVault returns the live vault of owner.
func (ls *LiveService) GetVault(ctx context.Context, owner uuid.UUID) (*VaultResponse, error) {
	var (
		v      *state.UserVault
		seq    int64
		getErr error
	)
	err := ls.reader.Read(ctx, func(c *core.DeterministicCore) {
		seq = c.GetSequence()
		v, getErr = c.GetVault(owner)
	})
	if err != nil {
		return nil, err
	}
	if getErr != nil {
		return nil, getErr
	}
	return NewVaultResponse(v, seq), nil
}

// GetVaultHealth evaluates owner's vault at the current oracle price.
func (ls *LiveService) GetVaultHealth(ctx context.Context, owner uuid.UUID) (*VaultHealth, error) {
	var (
		cfg    *state.ProtocolConfig
		v      *state.UserVault
		seq    int64
		getErr error
	)
	err := ls.reader.Read(ctx, func(c *core.DeterministicCore) {
		seq = c.GetSequence()
		if cfg, getErr = c.GetConfig(); getErr != nil {
			return
		}
		v, getErr = c.GetVault(owner)
	})
	if err != nil {
		return nil, err
	}
	if getErr != nil {
		return nil, getErr
	}

	price, err := ls.prices.GetCurrentPrice(ctx, cfg.CollateralAssetID)
	if err != nil {
		return nil, fmt.Errorf("price for %s: %w", cfg.CollateralAssetID, err)
	}
	return EvaluateVault(cfg, v, price, ls.now().Unix(), seq)
}

// EvaluateVault derives health figures for v at price as of now (unix seconds).
// Pending interest is what the next command would accrue; ratios and limits
// include it.
func EvaluateVault(cfg *state.ProtocolConfig, v *state.UserVault, price, now, asOf int64) (*VaultHealth, error) {
	h := &VaultHealth{
		Owner:        v.Owner,
		Price:        fpmath.FormatFixed(price),
		AsOfSequence: asOf,
	}

	if v.DebtAmount > 0 && now > v.LastInterestUpdate {
		interest, err := fpmath.LinearInterest(v.DebtAmount, cfg.InterestRate, now-v.LastInterestUpdate)
		if err != nil {
			return nil, fmt.Errorf("pending interest: %w", err)
		}
		h.PendingInterest = interest
	}
	debt, err := fpmath.CheckedAdd(v.DebtAmount, h.PendingInterest)
	if err != nil {
		return nil, err
	}

	if h.CollateralValue, err = fpmath.CollateralValue(v.CollateralAmount, price); err != nil {
		return nil, fmt.Errorf("collateral value: %w", err)
	}
	if debt > 0 {
		ratio, err := fpmath.CollateralRatio(v.CollateralAmount, price, debt)
		if err != nil {
			return nil, err
		}
		h.CollateralRatio = fpmath.FormatFixed(ratio)
		h.Liquidatable = fpmath.CompareProducts(v.CollateralAmount, price, debt, cfg.LiquidationThreshold) < 0
	}

	capacity, err := fpmath.MulDiv(v.CollateralAmount, price, cfg.MaxCollateralRatio)
	if err != nil {
		return nil, fmt.Errorf("mint capacity: %w", err)
	}
	if capacity > debt {
		h.MaxMintable = capacity - debt
	}
	return h, nil
}
