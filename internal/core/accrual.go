package core

import (
	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/event"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"
)

// AccrueInterest brings v's debt up to now with simple interest at cfg's rate
// and returns the interest added. cfg.TotalDebt is kept in step.
//
// Zero elapsed time or zero debt adds nothing but still advances the vault clock.
// A timestamp earlier than the vault clock is rejected.
func AccrueInterest(v *state.UserVault, cfg *state.ProtocolConfig, now int64) (int64, error) {
	if now < v.LastInterestUpdate {
		return 0, cdperr.New(cdperr.CodeClockRegression, "now=%d last=%d", now, v.LastInterestUpdate)
	}

	elapsed := now - v.LastInterestUpdate
	if elapsed == 0 || v.DebtAmount == 0 {
		v.LastInterestUpdate = now
		return 0, nil
	}

	interest, err := fpmath.LinearInterest(v.DebtAmount, cfg.InterestRate, elapsed)
	if err != nil {
		return 0, cdperr.New(cdperr.CodeInterestCalculationFailed, "debt=%d elapsed=%d: %v", v.DebtAmount, elapsed, err)
	}
	newDebt, err := fpmath.CheckedAdd(v.DebtAmount, interest)
	if err != nil {
		return 0, cdperr.New(cdperr.CodeInterestCalculationFailed, "debt=%d interest=%d: %v", v.DebtAmount, interest, err)
	}
	newTotal, err := fpmath.CheckedAdd(cfg.TotalDebt, interest)
	if err != nil {
		return 0, cdperr.New(cdperr.CodeInterestCalculationFailed, "total debt: %v", err)
	}

	v.DebtAmount = newDebt
	v.LastInterestUpdate = now
	cfg.TotalDebt = newTotal
	return interest, nil
}

// PreviewDebt returns the debt v would carry at now without mutating anything.
func PreviewDebt(v *state.UserVault, cfg *state.ProtocolConfig, now int64) (int64, error) {
	vc := v.Clone()
	cc := cfg.Clone()
	if _, err := AccrueInterest(vc, cc, now); err != nil {
		return 0, err
	}
	return vc.DebtAmount, nil
}

// accrue runs AccrueInterest on a working copy and records the interest on the receipt.
func (c *DeterministicCore) accrue(t *txn, v *state.UserVault) error {
	interest, err := AccrueInterest(v, t.config, t.now)
	if err != nil {
		return err
	}
	t.receipt.InterestAccrued += interest
	return nil
}

func (c *DeterministicCore) handleAccrueInterest(t *txn, e *event.AccrueInterest) error {
	if _, err := t.requireConfig(); err != nil {
		return err
	}
	v, ok := t.vault(e.Owner)
	if !ok {
		return cdperr.New(cdperr.CodeVaultNotFound, "owner %s", e.Owner)
	}
	return c.accrue(t, v)
}
