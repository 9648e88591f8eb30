package exchange

import (
	"encoding/json"
	"strings"
	"testing"

	"hyperliquid-trader/pkg/types"
)

// Well-known development key; never holds funds.
const testPrivateKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestNewSignerDerivesAddress(t *testing.T) {
	t.Parallel()
	s, err := NewSigner(testPrivateKey, types.EnvLive)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	// The canonical address for the dev key.
	want := "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	if got := s.Address().Hex(); got != want {
		t.Errorf("Address() = %s, want %s", got, want)
	}
}

func TestNewSignerAcceptsBareHex(t *testing.T) {
	t.Parallel()
	bare := strings.TrimPrefix(testPrivateKey, "0x")
	s, err := NewSigner(bare, types.EnvLive)
	if err != nil {
		t.Fatalf("NewSigner without 0x prefix: %v", err)
	}
	if s.Address().Hex() == "" {
		t.Error("Address() is empty")
	}
}

func TestNewSignerRejectsGarbage(t *testing.T) {
	t.Parallel()
	if _, err := NewSigner("not-a-key", types.EnvLive); err == nil {
		t.Error("NewSigner(garbage) = nil error, want failure")
	}
}

func TestSignerSourceFollowsEnvironment(t *testing.T) {
	t.Parallel()
	live, err := NewSigner(testPrivateKey, types.EnvLive)
	if err != nil {
		t.Fatal(err)
	}
	test, err := NewSigner(testPrivateKey, types.EnvTestnet)
	if err != nil {
		t.Fatal(err)
	}

	if live.source != "a" {
		t.Errorf("live source = %q, want a", live.source)
	}
	if test.source != "b" {
		t.Errorf("testnet source = %q, want b", test.source)
	}
}

func TestSignActionProducesRecoverableShape(t *testing.T) {
	t.Parallel()
	s, err := NewSigner(testPrivateKey, types.EnvLive)
	if err != nil {
		t.Fatal(err)
	}

	action := json.RawMessage(`{"type":"order","orders":[{"a":0,"b":true,"p":"50000","s":"0.01","r":false,"t":{"limit":{"tif":"Ioc"}}}],"grouping":"na"}`)
	sig, err := s.SignAction(action, 1700000000000)
	if err != nil {
		t.Fatalf("SignAction: %v", err)
	}

	if len(sig.R) != 66 || !strings.HasPrefix(sig.R, "0x") {
		t.Errorf("R = %q, want 0x-prefixed 32-byte hex", sig.R)
	}
	if len(sig.S) != 66 || !strings.HasPrefix(sig.S, "0x") {
		t.Errorf("S = %q, want 0x-prefixed 32-byte hex", sig.S)
	}
	if sig.V != 27 && sig.V != 28 {
		t.Errorf("V = %d, want 27 or 28", sig.V)
	}
}

func TestSignActionIsDeterministic(t *testing.T) {
	t.Parallel()
	s, err := NewSigner(testPrivateKey, types.EnvLive)
	if err != nil {
		t.Fatal(err)
	}

	action := json.RawMessage(`{"type":"cancel","cancels":[{"a":1,"o":42}]}`)
	a, err := s.SignAction(action, 1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.SignAction(action, 1)
	if err != nil {
		t.Fatal(err)
	}

	if a != b {
		t.Errorf("same action+nonce signed differently: %+v vs %+v", a, b)
	}
}

func TestActionHashBindsNonce(t *testing.T) {
	t.Parallel()
	action := json.RawMessage(`{"type":"order"}`)

	h1 := actionHash(action, 1)
	h2 := actionHash(action, 2)
	if h1 == h2 {
		t.Error("different nonces produced the same connection ID")
	}

	other := json.RawMessage(`{"type":"cancel"}`)
	if actionHash(action, 1) == actionHash(other, 1) {
		t.Error("different actions produced the same connection ID")
	}
}
