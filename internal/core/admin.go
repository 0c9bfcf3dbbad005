package core

import (
	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
)

func (c *DeterministicCore) handleInitializeProtocol(t *txn, e *event.InitializeProtocol) error {
	if t.config != nil {
		return cdperr.ErrAlreadyInitialized
	}
	if c.bootstrapAdmin != uuid.Nil && e.Admin != c.bootstrapAdmin {
		return cdperr.New(cdperr.CodeNotAdmin, "%s may not initialize the protocol", e.Admin)
	}
	if e.Admin == uuid.Nil {
		return cdperr.New(cdperr.CodeInvalidConfig, "admin must be set")
	}
	if _, issued := c.journalGen.MintAuthority(e.DebtAssetID); issued {
		return cdperr.New(cdperr.CodeInvalidConfig, "asset %s already has a mint authority", e.DebtAssetID)
	}

	cfg := &state.ProtocolConfig{
		Address:                  c.configAddr,
		Owner:                    e.Admin,
		CollateralAssetID:        e.CollateralAssetID,
		DebtAssetID:              e.DebtAssetID,
		MaxCollateralRatio:       e.MaxCollateralRatio,
		InterestRate:             e.InterestRate,
		LiquidationThreshold:     e.LiquidationThreshold,
		LiquidationPenalty:       e.LiquidationPenalty,
		MinCollateralAmount:      e.MinCollateralAmount,
		MaxDebtPerVault:          e.MaxDebtPerVault,
		DebtCeiling:              e.DebtCeiling,
		LastGlobalInterestUpdate: t.now,
		InitializedAt:            t.now,
		Version:                  1,
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	t.config = cfg
	t.authorities = append(t.authorities, ledger.AssetAuthority{
		Asset:     cfg.DebtAssetID,
		Authority: c.protocolAuthority(),
	})

	c.logger.Info().
		Str("config", cfg.Address.String()).
		Str("admin", cfg.Owner.String()).
		Stringer("params", cfg).
		Msg("protocol initialized")
	return nil
}

// handleUpdateConfig applies an admin patch. A rate change first checkpoints
// every indebted vault at the old rate so past time is never repriced.
func (c *DeterministicCore) handleUpdateConfig(t *txn, e *event.UpdateConfig) error {
	cfg, err := t.requireConfig()
	if err != nil {
		return err
	}
	if e.Caller != cfg.Owner {
		return cdperr.New(cdperr.CodeNotAdmin, "%s is not the protocol admin", e.Caller)
	}
	if e.Patch.IsEmpty() {
		return cdperr.New(cdperr.CodeInvalidConfig, "empty patch")
	}

	next, err := cfg.Apply(e.Patch)
	if err != nil {
		return err
	}

	if next.InterestRate != cfg.InterestRate {
		for _, stored := range c.vaults.All() {
			if stored.DebtAmount == 0 || stored.LastInterestUpdate > t.now {
				continue
			}
			v, _ := t.vault(stored.Owner)
			if err := c.accrue(t, v); err != nil {
				return err
			}
			t.receipt.VaultsAccrued++
		}
		next.TotalDebt = cfg.TotalDebt
		if t.now > next.LastGlobalInterestUpdate {
			next.LastGlobalInterestUpdate = t.now
		}
	}

	t.config = next
	c.logger.Info().Str("caller", e.Caller.String()).Stringer("params", next).
		Int("vaults_accrued", t.receipt.VaultsAccrued).Msg("protocol config updated")
	return nil
}
