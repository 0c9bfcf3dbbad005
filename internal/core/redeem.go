package core

import (
	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"
)

// handleRedeemDebt burns repaid debt and releases collateral.
//
// Full repayment releases everything. A partial repayment releases the
// proportional share collateral * repay / debt, capped so that the remaining
// position stays at or above max_collateral_ratio. If the remaining position
// is below that ratio even with nothing released, the redeem is rejected.
func (c *DeterministicCore) handleRedeemDebt(t *txn, e *event.RedeemDebt) error {
	cfg, err := t.requireConfig()
	if err != nil {
		return err
	}
	if e.Caller != e.Owner {
		return cdperr.New(cdperr.CodeNotOwner, "%s cannot redeem against %s", e.Caller, e.Owner)
	}
	if e.Amount <= 0 {
		return cdperr.New(cdperr.CodeInvalidAmount, "repay amount must be positive, got %d", e.Amount)
	}
	if e.Price <= 0 {
		return cdperr.New(cdperr.CodeInvalidAmount, "price must be positive, got %d", e.Price)
	}

	v, ok := t.vault(e.Owner)
	if !ok {
		return cdperr.New(cdperr.CodeVaultNotFound, "owner %s", e.Owner)
	}

	if err := c.accrue(t, v); err != nil {
		return err
	}

	if v.DebtAmount == 0 {
		return cdperr.ErrNoDebtToRedeem
	}
	if e.Amount > v.DebtAmount {
		return cdperr.New(cdperr.CodeExceedsDebt, "repay %d > debt %d", e.Amount, v.DebtAmount)
	}

	release, err := redeemRelease(v, e.Amount, e.Price, cfg.MaxCollateralRatio)
	if err != nil {
		return err
	}

	if err := t.ledger.Burn(cfg.DebtAssetID,
		ledger.NewUserAccountKey(e.Owner, cfg.DebtAssetID),
		e.Amount,
		c.protocolAuthority(),
		ledger.JournalTypeDebtRepay,
	); err != nil {
		return err
	}
	if release > 0 {
		if err := t.ledger.Transfer(cfg.CollateralAssetID,
			c.collateralVaultKey(cfg),
			ledger.NewUserAccountKey(e.Owner, cfg.CollateralAssetID),
			release,
			c.vaultAuthority(),
			ledger.JournalTypeCollateralRelease,
		); err != nil {
			return err
		}
	}

	v.DebtAmount -= e.Amount
	v.CollateralAmount -= release
	cfg.TotalDebt -= e.Amount
	cfg.TotalCollateral -= release

	if v.DebtAmount == 0 && v.CollateralAmount == 0 {
		if err := v.Transition(state.VaultStateRepaid); err != nil {
			return err
		}
	}

	t.receipt.DebtBurned += e.Amount
	t.receipt.CollateralOut += release
	return nil
}

// redeemRelease returns the collateral released when repay of v's debt is burned.
func redeemRelease(v *state.UserVault, repay, price, mcr int64) (int64, error) {
	remainingDebt := v.DebtAmount - repay
	if remainingDebt == 0 {
		return v.CollateralAmount, nil
	}

	required, err := fpmath.RequiredCollateral(remainingDebt, mcr, price)
	if err != nil {
		return 0, cdperr.New(cdperr.CodeArithmeticOverflow, "required collateral: %v", err)
	}
	if required > v.CollateralAmount {
		return 0, cdperr.New(cdperr.CodeInsufficientCollateralRatio,
			"remaining debt %d needs %d collateral at price %s, vault holds %d",
			remainingDebt, required, fpmath.FormatFixed(price), v.CollateralAmount)
	}

	proportional, err := fpmath.MulDiv(v.CollateralAmount, repay, v.DebtAmount)
	if err != nil {
		return 0, cdperr.New(cdperr.CodeArithmeticOverflow, "proportional release: %v", err)
	}

	return min(proportional, v.CollateralAmount-required), nil
}
