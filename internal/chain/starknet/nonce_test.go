package starknet

import "testing"

func TestParseResyncNonce(t *testing.T) {
	cases := []struct {
		name string
		msg  string
		want string
		ok   bool
	}{
		{"bracketed account_nonce form", `Invalid transaction nonce; account_nonce: Nonce(0x2a), got 0x5`, "42", true},
		{"plain Account nonce form", `NonceTooOld: Account nonce: 0x10 is less than the given nonce`, "16", true},
		{"no nonce present", `execution reverted: invalid proof`, "", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := ParseResyncNonce(c.msg)
			if ok != c.ok {
				t.Fatalf("ok = %v, want %v", ok, c.ok)
			}
			if ok && got.String() != c.want {
				t.Errorf("got %s, want %s", got.String(), c.want)
			}
		})
	}
}

func TestIsRetryableNonceError(t *testing.T) {
	retryable := []string{
		"NonceTooOld: account nonce too low",
		"InvalidTransactionNonce: nonce mismatch",
		`account_nonce: Nonce(0x5)`,
	}
	for _, msg := range retryable {
		if !IsRetryableNonceError(msg) {
			t.Errorf("expected %q to be retryable", msg)
		}
	}
	if IsRetryableNonceError("execution reverted: invalid proof") {
		t.Error("expected an unrelated revert to not be retryable")
	}
}

