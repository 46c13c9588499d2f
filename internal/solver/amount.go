package solver

import (
	"fmt"
	"math/big"
	"strings"
)

// tokenDecimals is the fallback table used when proof_public_inputs doesn't
// carry prover-supplied base units. ETH/STRK default to 18, USDC/USDT to 6;
// anything unrecognized defaults to 18.
var tokenDecimals = map[string]uint32{
	"ETH":  18,
	"STRK": 18,
	"USDC": 6,
	"USDT": 6,
}

// TokenDecimalsFor resolves a decimals value for a token symbol/address
// using the fallback table; callers with an on-chain decimals() result
// should prefer that over this table.
func TokenDecimalsFor(token string) uint32 {
	if d, ok := tokenDecimals[strings.ToUpper(token)]; ok {
		return d
	}
	return 18
}

// ParseAmountToBaseUnits parses a human-submitted amount string into base
// units. It accepts:
//   - "0x..." hex, treated as an already-base-units integer;
//   - a plain decimal string with at most `decimals` fractional digits,
//     scaled by 10^decimals;
//   - a plain integer string, treated as already-base-units.
//
// This is the single parser shared by the gateway's funding precheck and the
// calldata builder, per spec's amount-parsing design note.
func ParseAmountToBaseUnits(amount string, decimals uint32) (*big.Int, error) {
	s := strings.TrimSpace(amount)
	if s == "" {
		return nil, fmt.Errorf("amount is empty")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, ok := new(big.Int).SetString(s[2:], 16)
		if !ok {
			return nil, fmt.Errorf("invalid hex amount: %s", amount)
		}
		return n, nil
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("amount must be non-negative: %s", amount)
	}

	intPart, fracPart, hasFrac := strings.Cut(s, ".")
	if intPart == "" {
		intPart = "0"
	}
	if !isAllDigits(intPart) || (hasFrac && !isAllDigits(fracPart)) {
		return nil, fmt.Errorf("invalid decimal amount: %s", amount)
	}

	if !hasFrac {
		n, ok := new(big.Int).SetString(intPart, 10)
		if !ok {
			return nil, fmt.Errorf("invalid integer amount: %s", amount)
		}
		return n, nil
	}

	if len(fracPart) > int(decimals) {
		fracPart = fracPart[:decimals]
	} else {
		fracPart += strings.Repeat("0", int(decimals)-len(fracPart))
	}

	digits := strings.TrimLeft(intPart+fracPart, "0")
	if digits == "" {
		return big.NewInt(0), nil
	}
	n, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal amount: %s", amount)
	}
	return n, nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return true
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
