package core

import (
	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"
)

// handleLiquidateVault closes out (fully or partially) a vault whose
// collateral * price has fallen below debt * liquidation_threshold.
//
// The liquidator burns DebtToCover of the debt asset and receives
// DebtToCover * (1 + penalty) / price collateral. When the seizure would take
// more than the vault holds, it is capped at the vault's collateral and the
// covered debt shrinks to match. Collateral left after all debt is covered
// goes back to the owner. Debt left after all collateral is gone is written
// off as bad debt.
func (c *DeterministicCore) handleLiquidateVault(t *txn, e *event.LiquidateVault) error {
	cfg, err := t.requireConfig()
	if err != nil {
		return err
	}
	if e.Liquidator == e.Owner {
		return cdperr.ErrCannotLiquidateOwnVault
	}

	v, ok := t.vault(e.Owner)
	if !ok {
		return cdperr.New(cdperr.CodeVaultNotFound, "owner %s", e.Owner)
	}
	if v.State == state.VaultStateLiquidated && v.IsEmpty() {
		return cdperr.ErrVaultAlreadyLiquidated
	}
	if v.DebtAmount == 0 {
		return cdperr.ErrNoDebtToRedeem
	}
	if v.CollateralAmount == 0 {
		return cdperr.ErrNoCollateralToLiquidate
	}
	if e.Price <= 0 {
		return cdperr.New(cdperr.CodeInvalidAmount, "price must be positive, got %d", e.Price)
	}

	if err := c.accrue(t, v); err != nil {
		return err
	}

	if fpmath.CompareProducts(v.CollateralAmount, e.Price, v.DebtAmount, cfg.LiquidationThreshold) >= 0 {
		return cdperr.New(cdperr.CodeNotUndercollateralized, "collateral %d at price %s backs debt %d above threshold %s",
			v.CollateralAmount, fpmath.FormatFixed(e.Price), v.DebtAmount, fpmath.FormatFixed(cfg.LiquidationThreshold))
	}

	cover := e.DebtToCover
	if cover == 0 {
		cover = v.DebtAmount
	}
	if cover < 0 {
		return cdperr.New(cdperr.CodeInvalidAmount, "debt_to_cover must be >= 0, got %d", cover)
	}
	if cover > v.DebtAmount {
		return cdperr.New(cdperr.CodeExceedsDebt, "cover %d > debt %d", cover, v.DebtAmount)
	}

	bonusFactor := fpmath.Scale + cfg.LiquidationPenalty
	seize, err := fpmath.MulDiv(cover, bonusFactor, e.Price)
	if err != nil || seize >= v.CollateralAmount {
		seize = v.CollateralAmount
		if maxCover, err := fpmath.MulDiv(v.CollateralAmount, e.Price, bonusFactor); err == nil {
			cover = min(cover, maxCover)
		}
	}

	remainingDebt := v.DebtAmount - cover
	remainingCollateral := v.CollateralAmount - seize

	var surplus, badDebt int64
	switch {
	case remainingDebt == 0 && remainingCollateral > 0:
		surplus = remainingCollateral
	case remainingCollateral == 0 && remainingDebt > 0:
		badDebt = remainingDebt
	}

	// Ledger legs
	vaultKey := c.collateralVaultKey(cfg)
	if cover > 0 {
		if err := t.ledger.Burn(cfg.DebtAssetID,
			ledger.NewUserAccountKey(e.Liquidator, cfg.DebtAssetID),
			cover,
			c.protocolAuthority(),
			ledger.JournalTypeLiquidationRepay,
		); err != nil {
			return err
		}
	}
	if seize > 0 {
		if err := t.ledger.Transfer(cfg.CollateralAssetID,
			vaultKey,
			ledger.NewUserAccountKey(e.Liquidator, cfg.CollateralAssetID),
			seize,
			c.vaultAuthority(),
			ledger.JournalTypeLiquidationSeize,
		); err != nil {
			return err
		}
	}
	if surplus > 0 {
		if err := t.ledger.Transfer(cfg.CollateralAssetID,
			vaultKey,
			ledger.NewUserAccountKey(e.Owner, cfg.CollateralAssetID),
			surplus,
			c.vaultAuthority(),
			ledger.JournalTypeLiquidationSurplus,
		); err != nil {
			return err
		}
	}

	newBadDebt, err := fpmath.CheckedAdd(cfg.BadDebt, badDebt)
	if err != nil {
		return cdperr.New(cdperr.CodeArithmeticOverflow, "bad debt: %v", err)
	}

	v.DebtAmount = remainingDebt - badDebt
	v.CollateralAmount = remainingCollateral - surplus
	cfg.TotalDebt -= cover + badDebt
	cfg.TotalCollateral -= seize + surplus
	cfg.BadDebt = newBadDebt

	if v.IsEmpty() {
		if err := v.Transition(state.VaultStateLiquidated); err != nil {
			return err
		}
	}

	t.receipt.DebtBurned += cover
	t.receipt.Seized += seize
	t.receipt.Surplus += surplus
	t.receipt.BadDebt += badDebt

	c.logger.Info().
		Str("owner", e.Owner.String()).
		Str("liquidator", e.Liquidator.String()).
		Int64("covered", cover).
		Int64("seized", seize).
		Int64("surplus", surplus).
		Int64("bad_debt", badDebt).
		Str("state", v.State.String()).
		Msg("vault liquidated")
	return nil
}
