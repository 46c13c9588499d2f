// Package felt implements Starknet field-element arithmetic: parsing,
// modular reduction into the field, and the u256 low/high split Cairo
// contracts expect. It has no dependency on the solver's domain types so
// both internal/solver and internal/chain/starknet can import it without a
// cycle.
package felt

import (
	"fmt"
	"math/big"
	"strings"
)

// FieldPrime returns the Starknet field prime p = 2^251 + 17*2^192 + 1.
// Every felt252 value must reduce into this field.
func FieldPrime() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 251)
	seventeen192 := new(big.Int).Lsh(big.NewInt(17), 192)
	p.Add(p, seventeen192)
	p.Add(p, big.NewInt(1))
	return p
}

// ParseAny parses a hex ("0x...") or decimal string into a field element,
// reducing it modulo the Starknet field prime. An empty string parses to
// zero. Many upstream values (nullifiers, hashes) can be 256-bit integers
// that exceed felt252's range; reducing rather than rejecting keeps the
// solver robust against provider-specific formatting.
func ParseAny(value string) (*big.Int, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return big.NewInt(0), nil
	}

	var n *big.Int
	var ok bool
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		n, ok = new(big.Int).SetString(v[2:], 16)
	} else {
		n, ok = new(big.Int).SetString(v, 10)
	}
	if !ok {
		return nil, fmt.Errorf("invalid felt value: %s", value)
	}

	p := FieldPrime()
	n.Mod(n, p)
	return n, nil
}

// ParseU256LowHigh splits a 256-bit hex or decimal value into the (low,
// high) felt pair Cairo's u256 type expects.
func ParseU256LowHigh(value string) (*big.Int, *big.Int, error) {
	raw := strings.TrimSpace(value)
	if raw == "" || raw == "0" {
		return big.NewInt(0), big.NewInt(0), nil
	}

	var n *big.Int
	var ok bool
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		n, ok = new(big.Int).SetString(raw[2:], 16)
	} else {
		n, ok = new(big.Int).SetString(raw, 10)
	}
	if !ok {
		return nil, nil, fmt.Errorf("invalid u256 value: %s", value)
	}

	mask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	low := new(big.Int).And(n, mask)
	high := new(big.Int).Rsh(n, 128)
	return low, high, nil
}

// Hex formats a field element as a "0x"-prefixed lowercase hex string, the
// wire format JSON-RPC params expect.
func Hex(n *big.Int) string {
	return fmt.Sprintf("0x%x", n)
}
