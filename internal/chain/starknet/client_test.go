package starknet

import (
	"errors"
	"math/big"
	"testing"
)

func TestParseU256Result_LowOnly(t *testing.T) {
	got, err := parseU256Result([]string{"0x2a"})
	if err != nil {
		t.Fatalf("parseU256Result: %v", err)
	}
	if got.Cmp(big.NewInt(42)) != 0 {
		t.Errorf("got %s, want 42", got.String())
	}
}

func TestParseU256Result_LowAndHigh(t *testing.T) {
	// low=5, high=1 -> 2^128 + 5
	got, err := parseU256Result([]string{"0x5", "0x1"})
	if err != nil {
		t.Fatalf("parseU256Result: %v", err)
	}
	want := new(big.Int).Lsh(big.NewInt(1), 128)
	want.Add(want, big.NewInt(5))
	if got.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got.String(), want.String())
	}
}

func TestParseU256Result_EmptyIsError(t *testing.T) {
	if _, err := parseU256Result(nil); err == nil {
		t.Error("expected an error for an empty response")
	}
}

func TestTrimHexPrefix(t *testing.T) {
	cases := map[string]string{
		"0x2a": "2a",
		"0X2A": "2A",
		"2a":   "2a",
		"":     "",
	}
	for in, want := range cases {
		if got := trimHexPrefix(in); got != want {
			t.Errorf("trimHexPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestContainsFold(t *testing.T) {
	if !containsFold("Execution reverted: Invalid Params supplied", "invalid params") {
		t.Error("expected case-insensitive substring match")
	}
	if containsFold("execution reverted: invalid proof", "invalid params") {
		t.Error("expected no match for an unrelated message")
	}
}

func TestTransportError_IsTemporary(t *testing.T) {
	var err error = &TransportError{Err: errors.New("dial tcp: connection refused")}
	var temp interface{ Temporary() bool }
	if !errors.As(err, &temp) {
		t.Fatal("expected TransportError to satisfy a Temporary() interface")
	}
	if !temp.Temporary() {
		t.Error("expected TransportError.Temporary() to report true")
	}
}

func TestRPCError_IsNotTemporary(t *testing.T) {
	var err error = &RPCError{Message: "execution reverted: invalid proof"}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		t.Error("expected RPCError to not satisfy a Temporary() interface")
	}
}

func TestTransportError_Unwrap(t *testing.T) {
	inner := errors.New("connection refused")
	wrapped := &TransportError{Err: inner}
	if !errors.Is(wrapped, inner) {
		t.Error("expected TransportError to unwrap to its underlying error")
	}
}
