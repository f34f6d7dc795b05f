package gate

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate-sh/tollgate"
	"github.com/tollgate-sh/tollgate/facilitator"
	"github.com/tollgate-sh/tollgate/registry"
)

var (
	ownerAddr  = common.HexToAddress("0x857b06519E91e3A54538791bDbb0E22373e36b66")
	poolAddr   = common.HexToAddress("0x209693Bc6afc0C5328bA36FaF03C514EF312287C")
	walletAddr = common.HexToAddress("0x0000000000000000000000000000000000000077")
	payerAddr  = common.HexToAddress("0x0000000000000000000000000000000000000099")
)

type fakeResolver map[string]*registry.RoutingInfo

func (f fakeResolver) ResolveRouting(_ context.Context, resourceID string) (*registry.RoutingInfo, error) {
	info, ok := f[resourceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tollgate.ErrResourceNotFound, resourceID)
	}
	return info, nil
}

type fakeSettlement struct {
	verify    *facilitator.VerifyResponse
	verifyErr error
	settle    *tollgate.SettleResponse
	settleErr error
}

func (f *fakeSettlement) Verify(context.Context, *tollgate.SignedAuthorization, *tollgate.PaymentRequirements) (*facilitator.VerifyResponse, error) {
	return f.verify, f.verifyErr
}

func (f *fakeSettlement) Settle(context.Context, *tollgate.SignedAuthorization, *tollgate.PaymentRequirements) (*tollgate.SettleResponse, error) {
	return f.settle, f.settleErr
}

type fakeVerifier struct {
	records map[string]*registry.PaymentRecord
	err     error
}

func (f *fakeVerifier) VerifyPayment(_ context.Context, reference string) (*registry.PaymentRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	record, ok := f.records[reference]
	if !ok {
		return &registry.PaymentRecord{Amount: new(big.Int)}, nil
	}
	return record, nil
}

type fakeProceeds struct {
	mu       sync.Mutex
	routed   []string
	recorded []string
}

func (f *fakeProceeds) RouteAsync(resourceID string, _ *big.Int, _ *registry.RoutingInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routed = append(f.routed, resourceID)
}

func (f *fakeProceeds) RecordUsageAsync(resourceID string, _ *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, resourceID)
}

func poolRouting() *registry.RoutingInfo {
	return &registry.RoutingInfo{
		Owner:         ownerAddr,
		Price:         big.NewInt(20_000),
		PoolFunded:    true,
		SplitRatioBps: 4000,
		Pool:          poolAddr,
		Wallet:        walletAddr,
	}
}

func selfFundedRouting() *registry.RoutingInfo {
	return &registry.RoutingInfo{
		Owner: ownerAddr,
		Price: big.NewInt(20_000),
	}
}

func validAuthorizationJSON(value string) string {
	return fmt.Sprintf(`{
		"signature": "0x%s",
		"authorization": {
			"from": "%s",
			"to": "%s",
			"value": %q,
			"validAfter": "0",
			"validBefore": "1740672089",
			"nonce": "0x%s"
		}
	}`, strings.Repeat("ab", 65), payerAddr.Hex(), poolAddr.Hex(), value, strings.Repeat("f2", 32))
}

func newTestGate(resolver fakeResolver, settlement *fakeSettlement, verifier *fakeVerifier, proceeds *fakeProceeds) *Gate {
	return New(resolver, settlement, verifier, proceeds,
		"base-sepolia", "0x036CbD53842c5426634e7929541eC2318f3dCF7e")
}

func TestExemptDefaults(t *testing.T) {
	g := newTestGate(fakeResolver{}, &fakeSettlement{}, &fakeVerifier{}, &fakeProceeds{})
	assert.True(t, g.Exempt("/health"))
	assert.True(t, g.Exempt("/.well-known/tollgate"))
	assert.False(t, g.Exempt("/api/weather"))
}

func TestExemptOverride(t *testing.T) {
	g := New(fakeResolver{}, &fakeSettlement{}, &fakeVerifier{}, &fakeProceeds{},
		"base-sepolia", "0xasset", WithFreeRoutes("/status"))
	assert.True(t, g.Exempt("/status"))
	assert.False(t, g.Exempt("/health"))
}

func TestRequirementsRecipientSelection(t *testing.T) {
	g := newTestGate(fakeResolver{}, &fakeSettlement{}, &fakeVerifier{}, &fakeProceeds{})

	t.Run("pool funded pays the pool", func(t *testing.T) {
		req := g.Requirements(poolRouting())
		assert.Equal(t, poolAddr.Hex(), req.PayTo)
		assert.Equal(t, "20000", req.Amount)
		assert.Equal(t, tollgate.SchemeExact, req.Scheme)
		assert.Equal(t, "base-sepolia", req.Network)
	})

	t.Run("self funded pays the owner", func(t *testing.T) {
		req := g.Requirements(selfFundedRouting())
		assert.Equal(t, ownerAddr.Hex(), req.PayTo)
	})

	t.Run("pool funded without accounts pays the owner", func(t *testing.T) {
		routing := poolRouting()
		routing.Pool = common.Address{}
		req := g.Requirements(routing)
		assert.Equal(t, ownerAddr.Hex(), req.PayTo)
	})
}

func TestDecodeProof(t *testing.T) {
	t.Run("no headers means no proof", func(t *testing.T) {
		proof, err := DecodeProof("", "")
		require.NoError(t, err)
		assert.Nil(t, proof)
	})

	t.Run("identifier header", func(t *testing.T) {
		proof, err := DecodeProof("", "pay_abc12345")
		require.NoError(t, err)
		assert.Equal(t, tollgate.ProofGatewayReference, proof.Kind)
		assert.Equal(t, "pay_abc12345", proof.Reference)
	})

	t.Run("identifier wins over payment header", func(t *testing.T) {
		proof, err := DecodeProof(validAuthorizationJSON("20000"), "pay_abc12345")
		require.NoError(t, err)
		assert.Equal(t, tollgate.ProofGatewayReference, proof.Kind)
	})

	t.Run("invalid identifier", func(t *testing.T) {
		_, err := DecodeProof("", "no")
		assert.ErrorIs(t, err, tollgate.ErrProofMalformed)
	})

	t.Run("raw json authorization", func(t *testing.T) {
		proof, err := DecodeProof(validAuthorizationJSON("20000"), "")
		require.NoError(t, err)
		assert.Equal(t, tollgate.ProofSignedAuthorization, proof.Kind)
		assert.Equal(t, "20000", proof.Authorization.Authorization.Value)
	})

	t.Run("base64 authorization", func(t *testing.T) {
		encoded := base64.StdEncoding.EncodeToString([]byte(validAuthorizationJSON("20000")))
		proof, err := DecodeProof(encoded, "")
		require.NoError(t, err)
		assert.Equal(t, tollgate.ProofSignedAuthorization, proof.Kind)
	})

	t.Run("schema rejects missing signature", func(t *testing.T) {
		_, err := DecodeProof(`{"authorization":{"from":"0x857b06519E91e3A54538791bDbb0E22373e36b66","to":"0x209693Bc6afc0C5328bA36FaF03C514EF312287C","value":"1","validAfter":"0","validBefore":"1","nonce":"0x`+strings.Repeat("00", 32)+`"}}`, "")
		assert.ErrorIs(t, err, tollgate.ErrProofMalformed)
	})

	t.Run("schema rejects malformed address", func(t *testing.T) {
		bad := strings.Replace(validAuthorizationJSON("20000"), payerAddr.Hex(), "not-an-address", 1)
		_, err := DecodeProof(bad, "")
		assert.ErrorIs(t, err, tollgate.ErrProofMalformed)
	})

	t.Run("garbage header", func(t *testing.T) {
		_, err := DecodeProof("!!!", "")
		assert.ErrorIs(t, err, tollgate.ErrProofMalformed)
	})
}

func authProof(t *testing.T, value string) *tollgate.PaymentProof {
	t.Helper()
	proof, err := DecodeProof(validAuthorizationJSON(value), "")
	require.NoError(t, err)
	return proof
}

func TestHandleProofAuthorizationSuccess(t *testing.T) {
	proceeds := &fakeProceeds{}
	settlement := &fakeSettlement{
		verify: &facilitator.VerifyResponse{IsValid: true, Payer: payerAddr.Hex()},
		settle: &tollgate.SettleResponse{Success: true, Transaction: "0xfeed", Payer: payerAddr.Hex()},
	}
	g := newTestGate(fakeResolver{}, settlement, &fakeVerifier{}, proceeds)

	receipt, err := g.HandleProof(context.Background(), authProof(t, "20000"), "/api/weather", poolRouting())
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, "0xfeed", receipt.Transaction)
	assert.Equal(t, []string{"/api/weather"}, proceeds.routed)
	assert.Empty(t, proceeds.recorded)
}

func TestHandleProofAuthorizationInsufficientValue(t *testing.T) {
	settlement := &fakeSettlement{verify: &facilitator.VerifyResponse{IsValid: true}}
	g := newTestGate(fakeResolver{}, settlement, &fakeVerifier{}, &fakeProceeds{})

	_, err := g.HandleProof(context.Background(), authProof(t, "19999"), "/api/weather", poolRouting())
	assert.ErrorIs(t, err, tollgate.ErrSettlementFailed)
}

func TestHandleProofAuthorizationVerifyRejected(t *testing.T) {
	settlement := &fakeSettlement{
		verify: &facilitator.VerifyResponse{IsValid: false, InvalidReason: "authorization expired"},
	}
	proceeds := &fakeProceeds{}
	g := newTestGate(fakeResolver{}, settlement, &fakeVerifier{}, proceeds)

	_, err := g.HandleProof(context.Background(), authProof(t, "20000"), "/api/weather", poolRouting())
	assert.ErrorIs(t, err, tollgate.ErrSettlementFailed)
	assert.ErrorContains(t, err, "authorization expired")
	assert.Empty(t, proceeds.routed)
}

func TestHandleProofAuthorizationSettleRejected(t *testing.T) {
	settlement := &fakeSettlement{
		verify: &facilitator.VerifyResponse{IsValid: true},
		settle: &tollgate.SettleResponse{Success: false, ErrorReason: "transfer reverted"},
	}
	g := newTestGate(fakeResolver{}, settlement, &fakeVerifier{}, &fakeProceeds{})

	_, err := g.HandleProof(context.Background(), authProof(t, "20000"), "/api/weather", poolRouting())
	assert.ErrorIs(t, err, tollgate.ErrSettlementFailed)
	assert.ErrorContains(t, err, "transfer reverted")
}

func refProof(t *testing.T, reference string) *tollgate.PaymentProof {
	t.Helper()
	proof, err := DecodeProof("", reference)
	require.NoError(t, err)
	return proof
}

func TestHandleProofReferenceSuccess(t *testing.T) {
	proceeds := &fakeProceeds{}
	verifier := &fakeVerifier{records: map[string]*registry.PaymentRecord{
		"pay_abc12345": {Payer: payerAddr, Amount: big.NewInt(25_000), Settled: true},
	}}
	g := newTestGate(fakeResolver{}, &fakeSettlement{}, verifier, proceeds)

	receipt, err := g.HandleProof(context.Background(), refProof(t, "pay_abc12345"), "/api/weather", poolRouting())
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, "pay_abc12345", receipt.Transaction)
	assert.Equal(t, payerAddr.Hex(), receipt.Payer)

	// Gateway path records usage only; the split already happened on-chain.
	assert.Equal(t, []string{"/api/weather"}, proceeds.recorded)
	assert.Empty(t, proceeds.routed)

	entries := g.Audit().Recent(10)
	require.Len(t, entries, 1)
	assert.Equal(t, "pay_abc12345", entries[0].Reference)
	assert.NotEmpty(t, entries[0].ID)
}

func TestHandleProofReferenceUnsettled(t *testing.T) {
	verifier := &fakeVerifier{records: map[string]*registry.PaymentRecord{
		"pay_abc12345": {Payer: payerAddr, Amount: big.NewInt(25_000), Settled: false},
	}}
	g := newTestGate(fakeResolver{}, &fakeSettlement{}, verifier, &fakeProceeds{})

	_, err := g.HandleProof(context.Background(), refProof(t, "pay_abc12345"), "/api/weather", poolRouting())
	assert.ErrorIs(t, err, tollgate.ErrSettlementFailed)
}

func TestHandleProofReferenceInsufficientAmount(t *testing.T) {
	verifier := &fakeVerifier{records: map[string]*registry.PaymentRecord{
		"pay_abc12345": {Payer: payerAddr, Amount: big.NewInt(19_999), Settled: true},
	}}
	g := newTestGate(fakeResolver{}, &fakeSettlement{}, verifier, &fakeProceeds{})

	_, err := g.HandleProof(context.Background(), refProof(t, "pay_abc12345"), "/api/weather", poolRouting())
	assert.ErrorIs(t, err, tollgate.ErrSettlementFailed)
}

func TestHandleProofReferenceReplayAcrossResources(t *testing.T) {
	verifier := &fakeVerifier{records: map[string]*registry.PaymentRecord{
		"pay_abc12345": {Payer: payerAddr, Amount: big.NewInt(25_000), Settled: true},
	}}
	g := newTestGate(fakeResolver{}, &fakeSettlement{}, verifier, &fakeProceeds{})

	_, err := g.HandleProof(context.Background(), refProof(t, "pay_abc12345"), "/api/weather", poolRouting())
	require.NoError(t, err)

	// Same reference against a different resource is still a replay.
	_, err = g.HandleProof(context.Background(), refProof(t, "pay_abc12345"), "/api/other", selfFundedRouting())
	assert.ErrorIs(t, err, tollgate.ErrReplayDetected)
}

func TestHandleProofReferenceVerifierUnavailable(t *testing.T) {
	verifier := &fakeVerifier{err: fmt.Errorf("rpc down")}
	g := newTestGate(fakeResolver{}, &fakeSettlement{}, verifier, &fakeProceeds{})

	_, err := g.HandleProof(context.Background(), refProof(t, "pay_abc12345"), "/api/weather", poolRouting())
	assert.ErrorIs(t, err, tollgate.ErrUpstreamUnavailable)
}

func TestReplaySet(t *testing.T) {
	set := NewReplaySet()
	assert.False(t, set.Seen("pay_abc12345"))
	assert.True(t, set.Mark("pay_abc12345"))
	assert.True(t, set.Seen("pay_abc12345"))
	assert.False(t, set.Mark("pay_abc12345"), "second mark loses the race")
	assert.Equal(t, 1, set.Len())
}

func TestAuditLogEviction(t *testing.T) {
	log := NewAuditLog(2)
	log.Record("ref-one-12345", "/a", payerAddr.Hex(), big.NewInt(1))
	log.Record("ref-two-12345", "/b", payerAddr.Hex(), big.NewInt(2))
	log.Record("ref-three-123", "/c", payerAddr.Hex(), big.NewInt(3))

	entries := log.Recent(10)
	require.Len(t, entries, 2)
	assert.Equal(t, "ref-two-12345", entries[0].Reference)
	assert.Equal(t, "ref-three-123", entries[1].Reference)
}
