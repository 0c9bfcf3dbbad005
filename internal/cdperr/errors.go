// Package cdperr defines the closed error taxonomy returned by the CDP engines.
//
// Every rejected command carries exactly one Code. Codes are stable wire values:
// the 6000 block follows the on-chain program's error list, additions start at 6100.
package cdperr

import (
	"errors"
	"fmt"
)

type Code int32

const (
	CodeInsufficientCollateralRatio Code = 6000 + iota
	CodeUndercollateralized
	CodeVaultAlreadyLiquidated
	CodeExceedsMintLimit
	CodeExceedsDebt
	CodeBelowMinimumCollateral
	CodeMaxVaultsExceeded
	CodeNoDebtToRedeem
	CodeNoCollateralToLiquidate
	CodeNotUndercollateralized
	CodeInterestCalculationFailed
	CodeProtocolNotInitialized
	CodeVaultNotFound
	CodeCannotLiquidateOwnVault
	CodeInsufficientCollateralForMint
)

const (
	CodeInvalidAmount Code = 6100 + iota
	CodeInvalidConfig
	CodeInsufficientBalance
	CodeMintingPaused
	CodeExceedsCollateral
	CodeAlreadyInitialized
	CodeClockRegression
	CodeArithmeticOverflow
	CodeNotOwner
	CodeNotAdmin
	CodeUnauthorizedAuthority
)

// Category groups codes for transport mapping.
type Category int32

const (
	CategoryValidation Category = iota
	CategoryState
	CategoryArithmetic
	CategoryAuthorization
)

func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryState:
		return "state"
	case CategoryArithmetic:
		return "arithmetic"
	case CategoryAuthorization:
		return "authorization"
	default:
		return "unknown"
	}
}

type codeInfo struct {
	name     string
	category Category
	message  string
}

var codes = map[Code]codeInfo{
	CodeInsufficientCollateralRatio:   {"InsufficientCollateralRatio", CategoryValidation, "insufficient collateral ratio"},
	CodeUndercollateralized:           {"Undercollateralized", CategoryValidation, "vault is undercollateralized"},
	CodeVaultAlreadyLiquidated:        {"VaultAlreadyLiquidated", CategoryState, "vault already liquidated"},
	CodeExceedsMintLimit:              {"ExceedsMintLimit", CategoryValidation, "mint amount exceeds limit"},
	CodeExceedsDebt:                   {"ExceedsDebt", CategoryValidation, "amount exceeds outstanding debt"},
	CodeBelowMinimumCollateral:        {"BelowMinimumCollateral", CategoryValidation, "collateral below minimum"},
	CodeMaxVaultsExceeded:             {"MaxVaultsExceeded", CategoryValidation, "maximum vaults exceeded"},
	CodeNoDebtToRedeem:                {"NoDebtToRedeem", CategoryValidation, "no debt to redeem"},
	CodeNoCollateralToLiquidate:       {"NoCollateralToLiquidate", CategoryValidation, "no collateral to liquidate"},
	CodeNotUndercollateralized:        {"NotUndercollateralized", CategoryValidation, "vault is not undercollateralized"},
	CodeInterestCalculationFailed:     {"InterestCalculationFailed", CategoryArithmetic, "interest calculation failed"},
	CodeProtocolNotInitialized:        {"ProtocolNotInitialized", CategoryState, "protocol not initialized"},
	CodeVaultNotFound:                 {"VaultNotFound", CategoryState, "vault not found"},
	CodeCannotLiquidateOwnVault:       {"CannotLiquidateOwnVault", CategoryValidation, "cannot liquidate own vault"},
	CodeInsufficientCollateralForMint: {"InsufficientCollateralForMint", CategoryValidation, "insufficient collateral for mint"},

	CodeInvalidAmount:         {"InvalidAmount", CategoryValidation, "invalid amount"},
	CodeInvalidConfig:         {"InvalidConfig", CategoryValidation, "invalid protocol configuration"},
	CodeInsufficientBalance:   {"InsufficientBalance", CategoryValidation, "insufficient balance"},
	CodeMintingPaused:         {"MintingPaused", CategoryValidation, "minting is paused"},
	CodeExceedsCollateral:     {"ExceedsCollateral", CategoryValidation, "amount exceeds vault collateral"},
	CodeAlreadyInitialized:    {"AlreadyInitialized", CategoryState, "protocol already initialized"},
	CodeClockRegression:       {"ClockRegression", CategoryState, "timestamp precedes last interest update"},
	CodeArithmeticOverflow:    {"ArithmeticOverflow", CategoryArithmetic, "arithmetic overflow"},
	CodeNotOwner:              {"NotOwner", CategoryAuthorization, "caller is not the vault owner"},
	CodeNotAdmin:              {"NotAdmin", CategoryAuthorization, "caller is not the protocol admin"},
	CodeUnauthorizedAuthority: {"UnauthorizedAuthority", CategoryAuthorization, "unauthorized asset authority"},
}

func (c Code) String() string {
	if info, ok := codes[c]; ok {
		return info.name
	}
	return fmt.Sprintf("Code(%d)", int32(c))
}

// Category returns the category of a code. Unknown codes report CategoryState.
func (c Code) Category() Category {
	if info, ok := codes[c]; ok {
		return info.category
	}
	return CategoryState
}

// Valid reports whether c is a member of the taxonomy.
func (c Code) Valid() bool {
	_, ok := codes[c]
	return ok
}

// ParseCode resolves a code name ("ExceedsDebt") to its Code.
func ParseCode(name string) (Code, bool) {
	for code, info := range codes {
		if info.name == name {
			return code, true
		}
	}
	return 0, false
}

// Error is a domain error with a taxonomy code and optional detail.
type Error struct {
	Code   Code
	Detail string
}

func (e *Error) Error() string {
	msg := codes[e.Code].message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Detail == "" {
		return msg
	}
	return msg + ": " + e.Detail
}

// Is matches any *Error carrying the same code, so sentinels compare by code
// regardless of detail.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New builds an error with a formatted detail.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code from err. ok is false for errors outside the taxonomy.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

// Sentinels for errors.Is.
var (
	ErrInsufficientCollateralRatio   = &Error{Code: CodeInsufficientCollateralRatio}
	ErrUndercollateralized           = &Error{Code: CodeUndercollateralized}
	ErrVaultAlreadyLiquidated        = &Error{Code: CodeVaultAlreadyLiquidated}
	ErrExceedsMintLimit              = &Error{Code: CodeExceedsMintLimit}
	ErrExceedsDebt                   = &Error{Code: CodeExceedsDebt}
	ErrBelowMinimumCollateral        = &Error{Code: CodeBelowMinimumCollateral}
	ErrMaxVaultsExceeded             = &Error{Code: CodeMaxVaultsExceeded}
	ErrNoDebtToRedeem                = &Error{Code: CodeNoDebtToRedeem}
	ErrNoCollateralToLiquidate       = &Error{Code: CodeNoCollateralToLiquidate}
	ErrNotUndercollateralized        = &Error{Code: CodeNotUndercollateralized}
	ErrInterestCalculationFailed     = &Error{Code: CodeInterestCalculationFailed}
	ErrProtocolNotInitialized        = &Error{Code: CodeProtocolNotInitialized}
	ErrVaultNotFound                 = &Error{Code: CodeVaultNotFound}
	ErrCannotLiquidateOwnVault       = &Error{Code: CodeCannotLiquidateOwnVault}
	ErrInsufficientCollateralForMint = &Error{Code: CodeInsufficientCollateralForMint}

	ErrInvalidAmount         = &Error{Code: CodeInvalidAmount}
	ErrInvalidConfig         = &Error{Code: CodeInvalidConfig}
	ErrInsufficientBalance   = &Error{Code: CodeInsufficientBalance}
	ErrMintingPaused         = &Error{Code: CodeMintingPaused}
	ErrExceedsCollateral     = &Error{Code: CodeExceedsCollateral}
	ErrAlreadyInitialized    = &Error{Code: CodeAlreadyInitialized}
	ErrClockRegression       = &Error{Code: CodeClockRegression}
	ErrArithmeticOverflow    = &Error{Code: CodeArithmeticOverflow}
	ErrNotOwner              = &Error{Code: CodeNotOwner}
	ErrNotAdmin              = &Error{Code: CodeNotAdmin}
	ErrUnauthorizedAuthority = &Error{Code: CodeUnauthorizedAuthority}
)
