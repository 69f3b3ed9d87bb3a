package instruction

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	target = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	vault  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func sampleUnsigned(t *testing.T) Unsigned {
	t.Helper()
	call, err := RebalanceCall(vault, "aave", "comp", *uint256.NewInt(1_000_000))
	require.NoError(t, err)
	return Unsigned{
		ChainID:    8453,
		Target:     target,
		Nonce:      7,
		Calls:      []Call{call},
		ValidUntil: time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC),
	}
}

func TestKeccakHasherIsDeterministic(t *testing.T) {
	u := sampleUnsigned(t)
	h1, err := KeccakHasher{}.Hash(u)
	require.NoError(t, err)
	h2, err := KeccakHasher{}.Hash(u)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	u.Nonce++
	h3, err := KeccakHasher{}.Hash(u)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestKeccakHasherCanonicalForm(t *testing.T) {
	u := sampleUnsigned(t)
	u.Calls[0].Value = *uint256.NewInt(5)
	raw, err := KeccakHasher{}.Canonical(u)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "8453", decoded["chain_id"])
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", decoded["target"])
	assert.Equal(t, "7", decoded["nonce"])
	calls := decoded["calls"].([]any)
	require.Len(t, calls, 1)
	assert.Equal(t, "5", calls[0].(map[string]any)["value"])
}

func TestKeccakHasherRejectsEmptyInstruction(t *testing.T) {
	_, err := KeccakHasher{}.Hash(Unsigned{Target: target})
	assert.Error(t, err)
}

func TestSignWithSessionKeyRecoversSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	signed, err := SignWithSessionKey(sampleUnsigned(t), KeccakHasher{}, key)
	require.NoError(t, err)
	assert.Equal(t, SchemeSessionKey, signed.Signature.Scheme)
	assert.Len(t, signed.Signature.Data, 65)

	signer, err := RecoverSessionSigner(signed)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), signer)
	assert.Equal(t, signer, signed.Signature.Signer)
}

func TestWithBiometricIsNotRecoverable(t *testing.T) {
	u := sampleUnsigned(t)
	hash, err := KeccakHasher{}.Hash(u)
	require.NoError(t, err)

	signed := WithBiometric(u, hash, target, BiometricAssertion{CredentialID: "cred", Signature: []byte{1, 2, 3}})
	assert.Equal(t, SchemeBiometric, signed.Signature.Scheme)
	require.NotNil(t, signed.Signature.Assertion)
	assert.False(t, signed.Signature.Assertion.Empty())

	_, err = RecoverSessionSigner(signed)
	assert.Error(t, err)
}

func TestRebalanceCallValidation(t *testing.T) {
	_, err := RebalanceCall(vault, "aave", "comp", uint256.Int{})
	assert.Error(t, err)
	_, err = RebalanceCall(vault, "", "comp", *uint256.NewInt(1))
	assert.Error(t, err)

	call, err := RebalanceCall(vault, "aave", "comp", *uint256.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, vaultABI.Methods["rebalance"].ID, call.Data[:4])
}

func TestSequentialBuilderNonces(t *testing.T) {
	b := NewSequentialBuilder(8453, time.Minute)
	b.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	b.SetNonce(target, 41)

	call := Call{To: vault, Data: []byte{0x01}}
	first, err := b.Build(context.Background(), target, []Call{call})
	require.NoError(t, err)
	second, err := b.Build(context.Background(), target, []Call{call})
	require.NoError(t, err)

	assert.Equal(t, uint64(41), first.Nonce)
	assert.Equal(t, uint64(42), second.Nonce)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC), first.ValidUntil)

	_, err = b.Build(context.Background(), target, nil)
	assert.Error(t, err)
}

func TestRelaySubmitterLifecycle(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/instructions":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "session_key", body["scheme"])
			_ = json.NewEncoder(w).Encode(map[string]string{"ref": "0xsettle"})
		case r.Method == http.MethodGet && r.URL.Path == "/instructions/0xsettle":
			if atomic.AddInt32(&polls, 1) < 2 {
				_ = json.NewEncoder(w).Encode(map[string]any{"status": "pending"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "block_number": 99})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signed, err := SignWithSessionKey(sampleUnsigned(t), KeccakHasher{}, key)
	require.NoError(t, err)

	relay := NewRelaySubmitter(srv.URL, time.Second, zerolog.Nop())
	ref, err := relay.Submit(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, "0xsettle", ref)

	_, err = relay.Await(context.Background(), ref)
	assert.ErrorIs(t, err, ErrNotYetIncluded)

	outcome, err := AwaitOutcome(context.Background(), relay, ref, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, uint64(99), outcome.BlockNumber)
}

func TestRelaySubmitterFailedOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "failed", "reason": "spend limit"})
	}))
	defer srv.Close()

	outcome, err := NewRelaySubmitter(srv.URL, time.Second, zerolog.Nop()).Await(context.Background(), "ref")
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, "spend limit", outcome.Reason)
}

func TestRelaySubmitterHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bundler rejected", http.StatusBadRequest)
	}))
	defer srv.Close()

	key, _ := crypto.GenerateKey()
	signed, err := SignWithSessionKey(sampleUnsigned(t), KeccakHasher{}, key)
	require.NoError(t, err)
	_, err = NewRelaySubmitter(srv.URL, time.Second, zerolog.Nop()).Submit(context.Background(), signed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bundler rejected")
}
