package math

import (
	"errors"
	stdmath "math"

	"github.com/holiman/uint256"
)

// Scale is the fixed-point denominator for prices, ratios and rates (9 decimals).
// 1.50 is stored as 1_500_000_000.
const Scale int64 = 1_000_000_000

// SecondsPerYear is the accrual year used by LinearInterest (365 days).
const SecondsPerYear int64 = 31_536_000

var (
	ErrOverflow       = errors.New("fixed-point overflow")
	ErrDivisionByZero = errors.New("fixed-point division by zero")
	ErrNegative       = errors.New("fixed-point negative operand")
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown
	RoundUp
)

var maxInt64 = uint256.NewInt(stdmath.MaxInt64)

func u(v int64) *uint256.Int {
	return uint256.NewInt(uint64(v))
}

// MulDiv computes a * b / den rounded down. The product is held in 256 bits,
// so only a quotient above MaxInt64 overflows.
func MulDiv(a, b, den int64) (int64, error) {
	return MulDivRound(a, b, den, RoundDown)
}

// MulDivRound computes a * b / den with the given rounding mode.
func MulDivRound(a, b, den int64, mode RoundingMode) (int64, error) {
	if a < 0 || b < 0 || den < 0 {
		return 0, ErrNegative
	}
	if den == 0 {
		return 0, ErrDivisionByZero
	}

	num := new(uint256.Int).Mul(u(a), u(b))
	return divRound(num, u(den), mode)
}

// MulMulDiv computes a * b * c / den rounded down.
func MulMulDiv(a, b, c, den int64) (int64, error) {
	if a < 0 || b < 0 || c < 0 || den < 0 {
		return 0, ErrNegative
	}
	if den == 0 {
		return 0, ErrDivisionByZero
	}

	num, overflow := new(uint256.Int).MulOverflow(u(a), u(b))
	if overflow {
		return 0, ErrOverflow
	}
	if _, overflow = num.MulOverflow(num, u(c)); overflow {
		return 0, ErrOverflow
	}
	return divRound(num, u(den), RoundDown)
}

func divRound(num, den *uint256.Int, mode RoundingMode) (int64, error) {
	quotient := new(uint256.Int)
	remainder := new(uint256.Int)
	quotient.DivMod(num, den, remainder)

	if !remainder.IsZero() {
		switch mode {
		case RoundUp:
			quotient.AddUint64(quotient, 1)
		case RoundHalfEven:
			twice := new(uint256.Int).Lsh(remainder, 1)
			cmp := twice.Cmp(den)
			if cmp > 0 || (cmp == 0 && quotient.Uint64()%2 == 1) {
				quotient.AddUint64(quotient, 1)
			}
		}
	}

	if quotient.Gt(maxInt64) {
		return 0, ErrOverflow
	}
	return int64(quotient.Uint64()), nil
}

// CheckedAdd returns a + b or ErrOverflow. Both operands must be non-negative.
func CheckedAdd(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, ErrNegative
	}
	if a > stdmath.MaxInt64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// CheckedSub returns a - b, failing with ErrNegative when b > a.
func CheckedSub(a, b int64) (int64, error) {
	if a < 0 || b < 0 || b > a {
		return 0, ErrNegative
	}
	return a - b, nil
}

// CheckedAddSigned returns a + b for operands of either sign, or ErrOverflow
// when the sum leaves the int64 range.
func CheckedAddSigned(a, b int64) (int64, error) {
	if (b > 0 && a > stdmath.MaxInt64-b) || (b < 0 && a < stdmath.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// CompareProducts returns the sign of a*b - c*d computed exactly.
// Operands must be non-negative.
func CompareProducts(a, b, c, d int64) int {
	left := new(uint256.Int).Mul(u(a), u(b))
	right := new(uint256.Int).Mul(u(c), u(d))
	return left.Cmp(right)
}

// LinearInterest returns principal * rate * elapsed / (SecondsPerYear * Scale),
// rounded down. rate is an annual rate at Scale.
func LinearInterest(principal, rate, elapsed int64) (int64, error) {
	if principal < 0 || rate < 0 {
		return 0, ErrNegative
	}
	if principal == 0 || rate == 0 || elapsed <= 0 {
		return 0, nil
	}
	num, overflow := new(uint256.Int).MulOverflow(u(principal), u(rate))
	if overflow {
		return 0, ErrOverflow
	}
	if _, overflow = num.MulOverflow(num, u(elapsed)); overflow {
		return 0, ErrOverflow
	}
	den := new(uint256.Int).Mul(u(SecondsPerYear), u(Scale))
	return divRound(num, den, RoundDown)
}

// CollateralValue returns amount * price / Scale (debt-asset units), rounded down.
func CollateralValue(amount, price int64) (int64, error) {
	return MulDiv(amount, price, Scale)
}

// CollateralRatio returns collateral * price / debt at Scale, rounded down.
// A vault without debt reports MaxInt64.
func CollateralRatio(collateral, price, debt int64) (int64, error) {
	if debt == 0 {
		return stdmath.MaxInt64, nil
	}
	ratio, err := MulDiv(collateral, price, debt)
	if errors.Is(err, ErrOverflow) {
		return stdmath.MaxInt64, nil
	}
	return ratio, err
}

// RequiredCollateral returns the smallest collateral amount c such that
// c * price >= debt * ratio.
func RequiredCollateral(debt, ratio, price int64) (int64, error) {
	return MulDivRound(debt, ratio, price, RoundUp)
}
