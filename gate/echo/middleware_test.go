package echo_test

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate-sh/tollgate"
	"github.com/tollgate-sh/tollgate/facilitator"
	"github.com/tollgate-sh/tollgate/gate"
	echogate "github.com/tollgate-sh/tollgate/gate/echo"
	"github.com/tollgate-sh/tollgate/registry"
)

var (
	ownerAddr = common.HexToAddress("0x857b06519E91e3A54538791bDbb0E22373e36b66")
	payerAddr = common.HexToAddress("0x0000000000000000000000000000000000000099")
)

type fakeResolver map[string]*registry.RoutingInfo

func (f fakeResolver) ResolveRouting(_ context.Context, resourceID string) (*registry.RoutingInfo, error) {
	info, ok := f[resourceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tollgate.ErrResourceNotFound, resourceID)
	}
	return info, nil
}

type fakeSettlement struct{}

func (fakeSettlement) Verify(context.Context, *tollgate.SignedAuthorization, *tollgate.PaymentRequirements) (*facilitator.VerifyResponse, error) {
	return &facilitator.VerifyResponse{IsValid: true}, nil
}

func (fakeSettlement) Settle(context.Context, *tollgate.SignedAuthorization, *tollgate.PaymentRequirements) (*tollgate.SettleResponse, error) {
	return &tollgate.SettleResponse{Success: true, Transaction: "0xfeed"}, nil
}

type fakeVerifier map[string]*registry.PaymentRecord

func (f fakeVerifier) VerifyPayment(_ context.Context, reference string) (*registry.PaymentRecord, error) {
	if record, ok := f[reference]; ok {
		return record, nil
	}
	return &registry.PaymentRecord{Amount: new(big.Int)}, nil
}

type nopProceeds struct{}

func (nopProceeds) RouteAsync(string, *big.Int, *registry.RoutingInfo) {}
func (nopProceeds) RecordUsageAsync(string, *big.Int)                  {}

func newTestServer(verifier fakeVerifier) *echo.Echo {
	resolver := fakeResolver{
		"/api/weather": {Owner: ownerAddr, Price: big.NewInt(20_000)},
	}
	g := gate.New(resolver, fakeSettlement{}, verifier, nopProceeds{},
		"base-sepolia", "0x036CbD53842c5426634e7929541eC2318f3dCF7e")

	e := echo.New()
	e.Use(echogate.PaymentMiddleware(g))
	e.GET("/api/weather", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"report": "sunny"})
	})
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	return e
}

func TestEchoMiddlewareChallengesWithoutProof(t *testing.T) {
	e := newTestServer(fakeVerifier{})
	req := httptest.NewRequest(http.MethodGet, "/api/weather", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.NotEmpty(t, w.Header().Get(tollgate.HeaderPaymentRequired))
}

func TestEchoMiddlewareExemptRoute(t *testing.T) {
	e := newTestServer(fakeVerifier{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEchoMiddlewareAcceptsGatewayReference(t *testing.T) {
	verifier := fakeVerifier{
		"pay_abc12345": {Payer: payerAddr, Amount: big.NewInt(25_000), Settled: true},
	}
	e := newTestServer(verifier)

	req := httptest.NewRequest(http.MethodGet, "/api/weather", nil)
	req.Header.Set(tollgate.HeaderPaymentIdentifier, "pay_abc12345")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	receipt, err := tollgate.DecodeSettleResponseFromBase64(w.Header().Get(tollgate.HeaderPaymentResponse))
	require.NoError(t, err)
	assert.True(t, receipt.Success)
}

func TestEchoMiddlewareRejectsMalformedProof(t *testing.T) {
	e := newTestServer(fakeVerifier{})
	req := httptest.NewRequest(http.MethodGet, "/api/weather", nil)
	req.Header.Set(tollgate.HeaderPayment, "!!!")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
