package starknet

import (
	"math/big"
	"regexp"
	"strings"
)

// resyncPatterns match the nonce values Starknet providers embed in invoke
// rejection errors. Fragile by nature — isolated here per the single-helper
// design note, unit-tested with recorded real-world error strings.
var resyncPatterns = []*regexp.Regexp{
	regexp.MustCompile(`account_nonce:\s*Nonce\((0x[0-9a-fA-F]+)\)`),
	regexp.MustCompile(`Account nonce:\s*(0x[0-9a-fA-F]+)`),
}

// retryableSubstrings are the error fragments that mean "resend with the
// recovered nonce", distinct from a terminal error.
var retryableSubstrings = []string{
	"NonceTooOld",
	"InvalidTransactionNonce",
	"Invalid transaction nonce",
}

// ParseResyncNonce extracts a recovered account nonce from a provider error
// message, if present.
func ParseResyncNonce(errMsg string) (*big.Int, bool) {
	for _, re := range resyncPatterns {
		m := re.FindStringSubmatch(errMsg)
		if m == nil {
			continue
		}
		n, ok := new(big.Int).SetString(m[1][2:], 16)
		if ok {
			return n, true
		}
	}
	return nil, false
}

// IsRetryableNonceError reports whether the error text indicates the send
// should be retried with a resynced nonce rather than aborted outright.
func IsRetryableNonceError(errMsg string) bool {
	for _, s := range retryableSubstrings {
		if strings.Contains(errMsg, s) {
			return true
		}
	}
	_, ok := ParseResyncNonce(errMsg)
	return ok
}
