package core

import (
	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"
)

// handleMintDebt deposits optional collateral and mints debt against the vault.
// The post-mint position must satisfy collateral * price >= debt * max_collateral_ratio,
// compared exactly.
func (c *DeterministicCore) handleMintDebt(t *txn, e *event.MintDebt) error {
	cfg, err := t.requireConfig()
	if err != nil {
		return err
	}
	if e.Caller != e.Owner {
		return cdperr.New(cdperr.CodeNotOwner, "%s cannot mint against %s", e.Caller, e.Owner)
	}
	if e.Amount <= 0 || e.CollateralDeposit < 0 {
		return cdperr.New(cdperr.CodeInvalidAmount, "amount=%d deposit=%d", e.Amount, e.CollateralDeposit)
	}
	if e.Price <= 0 {
		return cdperr.New(cdperr.CodeInvalidAmount, "price must be positive, got %d", e.Price)
	}
	if cfg.MintingPaused {
		return cdperr.ErrMintingPaused
	}

	v := t.vaultOrCreate(e.Owner, c.vaultAddress(e.Owner))

	// Step 1: Debt reflects current time before the ratio check
	if err := c.accrue(t, v); err != nil {
		return err
	}

	// Step 2: Hypothetical position
	newCollateral, err := fpmath.CheckedAdd(v.CollateralAmount, e.CollateralDeposit)
	if err != nil {
		return cdperr.New(cdperr.CodeArithmeticOverflow, "collateral: %v", err)
	}
	if newCollateral == 0 || newCollateral < cfg.MinCollateralAmount {
		return cdperr.New(cdperr.CodeBelowMinimumCollateral, "collateral %d, minimum %d", newCollateral, cfg.MinCollateralAmount)
	}

	newDebt, err := fpmath.CheckedAdd(v.DebtAmount, e.Amount)
	if err != nil {
		return cdperr.New(cdperr.CodeExceedsMintLimit, "vault debt overflow")
	}
	if cfg.MaxDebtPerVault > 0 && newDebt > cfg.MaxDebtPerVault {
		return cdperr.New(cdperr.CodeExceedsMintLimit, "vault debt %d above per-vault limit %d", newDebt, cfg.MaxDebtPerVault)
	}
	newTotalDebt, err := fpmath.CheckedAdd(cfg.TotalDebt, e.Amount)
	if err != nil {
		return cdperr.New(cdperr.CodeExceedsMintLimit, "total debt overflow")
	}
	if cfg.DebtCeiling > 0 && newTotalDebt > cfg.DebtCeiling {
		return cdperr.New(cdperr.CodeExceedsMintLimit, "total debt %d above ceiling %d", newTotalDebt, cfg.DebtCeiling)
	}
	newTotalCollateral, err := fpmath.CheckedAdd(cfg.TotalCollateral, e.CollateralDeposit)
	if err != nil {
		return cdperr.New(cdperr.CodeArithmeticOverflow, "total collateral: %v", err)
	}

	// Steps 3-4: collateral * price must cover new_debt * max_collateral_ratio
	if fpmath.CompareProducts(newCollateral, e.Price, newDebt, cfg.MaxCollateralRatio) < 0 {
		return cdperr.New(cdperr.CodeInsufficientCollateralRatio, "collateral %d at price %s cannot back debt %d at %s",
			newCollateral, fpmath.FormatFixed(e.Price), newDebt, fpmath.FormatFixed(cfg.MaxCollateralRatio))
	}

	// Step 5: Ledger legs
	if e.CollateralDeposit > 0 {
		if err := t.ledger.Transfer(cfg.CollateralAssetID,
			ledger.NewUserAccountKey(e.Owner, cfg.CollateralAssetID),
			c.collateralVaultKey(cfg),
			e.CollateralDeposit,
			ledger.UserIdentity(e.Owner),
			ledger.JournalTypeCollateralDeposit,
		); err != nil {
			return err
		}
	}
	if err := t.ledger.Mint(cfg.DebtAssetID,
		ledger.NewUserAccountKey(e.Owner, cfg.DebtAssetID),
		e.Amount,
		c.protocolAuthority(),
		ledger.JournalTypeDebtIssue,
	); err != nil {
		return err
	}

	v.CollateralAmount = newCollateral
	v.DebtAmount = newDebt
	cfg.TotalCollateral = newTotalCollateral
	cfg.TotalDebt = newTotalDebt
	if err := v.Transition(state.VaultStateActive); err != nil {
		return err
	}

	t.receipt.CollateralIn += e.CollateralDeposit
	t.receipt.DebtMinted += e.Amount
	return nil
}
