package core

import (
	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"
)

// handleAssetDeposited credits a bridged asset from the external boundary.
// Protocol-issued assets can only come into existence through a mint.
func (c *DeterministicCore) handleAssetDeposited(t *txn, e *event.AssetDeposited) error {
	if e.Asset == "" || e.Amount <= 0 {
		return cdperr.New(cdperr.CodeInvalidAmount, "asset=%q amount=%d", e.Asset, e.Amount)
	}
	if _, issued := c.journalGen.MintAuthority(e.Asset); issued {
		return cdperr.New(cdperr.CodeUnauthorizedAuthority, "%s is protocol-issued and cannot be bridged in", e.Asset)
	}

	if err := t.ledger.Transfer(e.Asset,
		ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, e.Asset),
		ledger.NewUserAccountKey(e.Holder, e.Asset),
		e.Amount,
		ledger.ExternalIdentity,
		ledger.JournalTypeExternalDeposit,
	); err != nil {
		return err
	}
	return nil
}

func (c *DeterministicCore) handleDepositCollateral(t *txn, e *event.DepositCollateral) error {
	cfg, err := t.requireConfig()
	if err != nil {
		return err
	}
	if e.Caller != e.Owner {
		return cdperr.New(cdperr.CodeNotOwner, "%s cannot deposit into %s", e.Caller, e.Owner)
	}
	if e.Amount <= 0 {
		return cdperr.New(cdperr.CodeInvalidAmount, "deposit must be positive, got %d", e.Amount)
	}

	v := t.vaultOrCreate(e.Owner, c.vaultAddress(e.Owner))
	if err := c.accrue(t, v); err != nil {
		return err
	}

	newCollateral, err := fpmath.CheckedAdd(v.CollateralAmount, e.Amount)
	if err != nil {
		return cdperr.New(cdperr.CodeArithmeticOverflow, "collateral: %v", err)
	}
	newTotal, err := fpmath.CheckedAdd(cfg.TotalCollateral, e.Amount)
	if err != nil {
		return cdperr.New(cdperr.CodeArithmeticOverflow, "total collateral: %v", err)
	}
	if newCollateral < cfg.MinCollateralAmount {
		return cdperr.New(cdperr.CodeBelowMinimumCollateral, "collateral %d, minimum %d", newCollateral, cfg.MinCollateralAmount)
	}

	if err := t.ledger.Transfer(cfg.CollateralAssetID,
		ledger.NewUserAccountKey(e.Owner, cfg.CollateralAssetID),
		c.collateralVaultKey(cfg),
		e.Amount,
		ledger.UserIdentity(e.Owner),
		ledger.JournalTypeCollateralDeposit,
	); err != nil {
		return err
	}

	v.CollateralAmount = newCollateral
	cfg.TotalCollateral = newTotal
	if err := v.Transition(state.VaultStateActive); err != nil {
		return err
	}

	t.receipt.CollateralIn += e.Amount
	return nil
}

// handleWithdrawCollateral releases collateral while any remaining debt stays
// at or above max_collateral_ratio.
func (c *DeterministicCore) handleWithdrawCollateral(t *txn, e *event.WithdrawCollateral) error {
	cfg, err := t.requireConfig()
	if err != nil {
		return err
	}
	if e.Caller != e.Owner {
		return cdperr.New(cdperr.CodeNotOwner, "%s cannot withdraw from %s", e.Caller, e.Owner)
	}
	if e.Amount <= 0 {
		return cdperr.New(cdperr.CodeInvalidAmount, "withdrawal must be positive, got %d", e.Amount)
	}

	v, ok := t.vault(e.Owner)
	if !ok {
		return cdperr.New(cdperr.CodeVaultNotFound, "owner %s", e.Owner)
	}
	if err := c.accrue(t, v); err != nil {
		return err
	}

	if e.Amount > v.CollateralAmount {
		return cdperr.New(cdperr.CodeExceedsCollateral, "withdraw %d > collateral %d", e.Amount, v.CollateralAmount)
	}
	newCollateral := v.CollateralAmount - e.Amount

	if v.DebtAmount > 0 {
		if e.Price <= 0 {
			return cdperr.New(cdperr.CodeInvalidAmount, "price must be positive, got %d", e.Price)
		}
		if fpmath.CompareProducts(newCollateral, e.Price, v.DebtAmount, cfg.MaxCollateralRatio) < 0 {
			return cdperr.New(cdperr.CodeInsufficientCollateralRatio, "collateral %d at price %s cannot back debt %d",
				newCollateral, fpmath.FormatFixed(e.Price), v.DebtAmount)
		}
		if newCollateral < cfg.MinCollateralAmount {
			return cdperr.New(cdperr.CodeBelowMinimumCollateral, "collateral %d, minimum %d", newCollateral, cfg.MinCollateralAmount)
		}
	}

	if err := t.ledger.Transfer(cfg.CollateralAssetID,
		c.collateralVaultKey(cfg),
		ledger.NewUserAccountKey(e.Owner, cfg.CollateralAssetID),
		e.Amount,
		c.vaultAuthority(),
		ledger.JournalTypeCollateralRelease,
	); err != nil {
		return err
	}

	v.CollateralAmount = newCollateral
	cfg.TotalCollateral -= e.Amount
	if v.IsEmpty() {
		if err := v.Transition(state.VaultStateRepaid); err != nil {
			return err
		}
	}

	t.receipt.CollateralOut += e.Amount
	return nil
}
