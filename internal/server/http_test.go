package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"qeuro/internal/core"
	"qeuro/internal/fixedpoint"
	"qeuro/internal/observability"
	"qeuro/internal/oracle"
	"qeuro/internal/roles"
	"qeuro/internal/server"
	"qeuro/internal/token"
	"qeuro/internal/vault"
)

var (
	admin      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	user       = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	stranger   = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	treasury   = common.HexToAddress("0x00000000000000000000000000000000000000d4")
	vaultAddr  = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	oracleAddr = common.HexToAddress("0x00000000000000000000000000000000000000f6")
	feedAddr   = common.HexToAddress("0x0000000000000000000000000000000000000077")
	qeuroAddr  = common.HexToAddress("0x0000000000000000000000000000000000000011")
	usdcAddr   = common.HexToAddress("0x0000000000000000000000000000000000000022")
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubFeeds struct {
	obs map[string]oracle.PriceObservation
}

func (s *stubFeeds) Read(feedID string) (oracle.PriceObservation, error) {
	obs, ok := s.obs[feedID]
	if !ok {
		return oracle.PriceObservation{}, errors.New("unknown feed")
	}
	return obs, nil
}

type fixture struct {
	api    *httptest.Server
	engine *core.Engine
}

func mustAmt(t *testing.T, s string) *uint256.Int {
	t.Helper()
	v, err := fixedpoint.FromDecimalString(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg, err := roles.NewRegistry(admin)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	native := token.NewNativeLedger()
	qeuro := token.New(qeuroAddr, "QEURO", 18)
	usdc := token.New(usdcAddr, "USDC", 18)

	feeds := &stubFeeds{obs: map[string]oracle.PriceObservation{
		"eurusd":  {Value: mustAmt(t, "1.10"), Timestamp: testNow, SourceID: "test"},
		"usdcusd": {Value: mustAmt(t, "1"), Timestamp: testNow, SourceID: "test"},
	}}

	o := oracle.New(zerolog.Nop(), reg, feeds, native, oracleAddr)
	o.SetClock(func() time.Time { return testNow })
	if err := o.Initialize(feedAddr, "eurusd", "usdcusd", treasury); err != nil {
		t.Fatalf("oracle Initialize: %v", err)
	}

	v := vault.New(zerolog.Nop(), reg, native, vaultAddr, treasury)
	v.SetClock(func() time.Time { return testNow })
	if err := v.Initialize(qeuro, usdc, oracleAddr, o); err != nil {
		t.Fatalf("vault Initialize: %v", err)
	}
	if err := usdc.Mint(user, mustAmt(t, "1000000")); err != nil {
		t.Fatalf("fund user: %v", err)
	}

	eng := core.NewEngine(zerolog.Nop(), core.Config{
		Vault:       v,
		Oracle:      o,
		Roles:       reg,
		Idempotency: core.NewIdempotencyChecker(128, nil),
	})
	eng.SetClock(func() time.Time { return testNow })

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = eng.Run(ctx) }()
	t.Cleanup(cancel)

	httpSrv := server.NewHTTPServer(zerolog.Nop(), "127.0.0.1:0", server.Deps{
		Engine: eng,
		Vault:  v,
		Oracle: o,
		Roles:  reg,
		Tokens: map[string]token.Asset{"USDC": usdc},
		Health: observability.NewHealthChecker(),
	})
	api := httptest.NewServer(httpSrv.Handler())
	t.Cleanup(api.Close)

	return &fixture{api: api, engine: eng}
}

func (f *fixture) do(t *testing.T, method, path string, principal *common.Address, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.api.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if principal != nil {
		req.Header.Set(server.PrincipalHeader, principal.Hex())
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		decoded = nil
	}
	return resp, decoded
}

func errorKind(t *testing.T, body map[string]any) string {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error object in %v", body)
	}
	kind, _ := e["kind"].(string)
	return kind
}

// ============================================================
// Price and quotes
// ============================================================

func TestGetPriceServesSeed(t *testing.T) {
	f := newFixture(t)

	// Initialize seeds the last-known-good price, so the endpoint serves
	// before any refresh has run.
	resp, body := f.do(t, http.MethodGet, "/v1/price", nil, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["price"] != "1.1" {
		t.Fatalf("price = %v, want 1.1", body["price"])
	}
}

func TestGetPriceAfterRefresh(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.Submit(context.Background(), core.RefreshPriceOp{OperationID: uuid.New()})
	if err != nil || res.Err != nil {
		t.Fatalf("refresh: %v / %v", err, res.Err)
	}

	resp, body := f.do(t, http.MethodGet, "/v1/price", nil, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["price"] != "1.1" {
		t.Fatalf("price = %v, want 1.1", body["price"])
	}
	if body["circuit_breaker_tripped"] != false {
		t.Fatalf("breaker reported tripped")
	}
}

func TestQuoteMint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/v1/quote/mint?amount=1000", nil, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["net_amount"] != "1098.9" {
		t.Fatalf("net_amount = %v, want 1098.9", body["net_amount"])
	}
	if body["fee"] != "1.1" {
		t.Fatalf("fee = %v, want 1.1", body["fee"])
	}
}

func TestQuoteMintLargeAmountIsExact(t *testing.T) {
	f := newFixture(t)

	// 1e58 USDC at 1.10: the 512-bit intermediate product of the pricing
	// multiply exceeds 256 bits, so a narrowing implementation would quote
	// garbage digits here instead of the exact value.
	amount := "1" + strings.Repeat("0", 58)
	resp, body := f.do(t, http.MethodGet, "/v1/quote/mint?amount="+amount, nil, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %v", resp.StatusCode, body)
	}
	if want := "10989" + strings.Repeat("0", 54); body["net_amount"] != want {
		t.Fatalf("net_amount = %v, want %s", body["net_amount"], want)
	}
	if want := "11" + strings.Repeat("0", 54); body["fee"] != want {
		t.Fatalf("fee = %v, want %s", body["fee"], want)
	}
}

func TestQuoteMintRequiresAmount(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/v1/quote/mint", nil, nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

// ============================================================
// Mint and redeem
// ============================================================

func TestMintEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/mint", &user,
		map[string]string{"reserve_amount": "1000"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %v", resp.StatusCode, body)
	}
	if body["net_out"] != "1098.9" {
		t.Fatalf("net_out = %v, want 1098.9", body["net_out"])
	}
	if body["sequence"] != float64(1) {
		t.Fatalf("sequence = %v, want 1", body["sequence"])
	}
}

func TestMintRequiresPrincipal(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/mint", nil,
		map[string]string{"reserve_amount": "1000"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if kind := errorKind(t, body); kind != "MissingPrincipal" {
		t.Fatalf("kind = %q, want MissingPrincipal", kind)
	}
}

func TestMintSlippageMapsToConflict(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/mint", &user,
		map[string]string{"reserve_amount": "1000", "min_synthetic_out": "2000"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if kind := errorKind(t, body); kind != "SlippageExceeded" {
		t.Fatalf("kind = %q, want SlippageExceeded", kind)
	}
}

func TestOperationIDHeaderDeduplicates(t *testing.T) {
	f := newFixture(t)
	opID := uuid.New().String()
	headers := map[string]string{server.OperationIDHeader: opID}

	resp, _ := f.do(t, http.MethodPost, "/v1/mint", &user,
		map[string]string{"reserve_amount": "1000"}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first mint status = %d, want 200", resp.StatusCode)
	}

	resp, body := f.do(t, http.MethodPost, "/v1/mint", &user,
		map[string]string{"reserve_amount": "1000"}, headers)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("replay status = %d, want 409", resp.StatusCode)
	}
	if kind := errorKind(t, body); kind != "DuplicateOperation" {
		t.Fatalf("kind = %q, want DuplicateOperation", kind)
	}
}

func TestRedeemEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/mint", &user,
		map[string]string{"reserve_amount": "1000"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mint status = %d, want 200", resp.StatusCode)
	}

	resp, body := f.do(t, http.MethodPost, "/v1/redeem", &user,
		map[string]string{"synthetic_amount": "110"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("redeem status = %d, want 200: %v", resp.StatusCode, body)
	}
	// 110 QEURO at 1.10 is 100 USDC gross, 0.1 USDC fee at 10 bps.
	if body["net_out"] != "99.9" {
		t.Fatalf("net_out = %v, want 99.9", body["net_out"])
	}
}

// ============================================================
// Admin surface
// ============================================================

func TestPauseVaultBlocksMintOverHTTP(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/admin/vault/pause", &admin, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause status = %d, want 200", resp.StatusCode)
	}

	resp, body := f.do(t, http.MethodPost, "/v1/mint", &user,
		map[string]string{"reserve_amount": "1000"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("mint status = %d, want 409", resp.StatusCode)
	}
	if kind := errorKind(t, body); kind != "VaultPaused" {
		t.Fatalf("kind = %q, want VaultPaused", kind)
	}
}

func TestAdminRequiresRole(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/admin/vault/pause", &stranger, nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if kind := errorKind(t, body); kind != "Unauthorized" {
		t.Fatalf("kind = %q, want Unauthorized", kind)
	}
}

func TestGrantRoleRejectsUnknownRole(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/admin/roles/grant", &admin,
		map[string]string{"role": "JANITOR", "address": user.Hex()}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUpdateParametersOverHTTP(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/admin/parameters", &admin,
		map[string]uint64{"mint_fee_bps": 25, "redemption_fee_bps": 30}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	resp, body := f.do(t, http.MethodGet, "/v1/vault/metrics", nil, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", resp.StatusCode)
	}
	if body["mint_fee_bps"] != float64(25) || body["redemption_fee_bps"] != float64(30) {
		t.Fatalf("fees = %v/%v, want 25/30", body["mint_fee_bps"], body["redemption_fee_bps"])
	}
}

// ============================================================
// Vault metrics and health
// ============================================================

func TestVaultMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/mint", &user,
		map[string]string{"reserve_amount": "1000"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mint status = %d, want 200", resp.StatusCode)
	}

	resp, body := f.do(t, http.MethodGet, "/v1/vault/metrics", nil, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["total_synthetic_minted"] != "1098.9" {
		t.Fatalf("total_synthetic_minted = %v, want 1098.9", body["total_synthetic_minted"])
	}
	if body["paused"] != false {
		t.Fatalf("vault reported paused")
	}
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/healthz", nil, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}

	// Readiness starts false until boot wiring flips it.
	resp, _ = f.do(t, http.MethodGet, "/readyz", nil, nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want 503", resp.StatusCode)
	}
}

func TestOracleStatusEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/v1/oracle/status", nil, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["circuit_breaker_tripped"] != false {
		t.Fatal("breaker reported tripped on a fresh oracle")
	}
	if body["eur_usd_feed_id"] != "eurusd" {
		t.Fatalf("eur_usd_feed_id = %v", body["eur_usd_feed_id"])
	}
	if body["last_good_price"] != "1.1" {
		t.Fatalf("last_good_price = %v, want 1.1", body["last_good_price"])
	}
	if body["usdc_tolerance_bps"] != float64(200) {
		t.Fatalf("usdc_tolerance_bps = %v, want 200", body["usdc_tolerance_bps"])
	}
}

func TestRoleMembersEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/v1/roles/GOVERNANCE", nil, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	members, ok := body["members"].([]any)
	if !ok || len(members) != 1 {
		t.Fatalf("members = %v, want the admin alone", body["members"])
	}
	if common.HexToAddress(members[0].(string)) != admin {
		t.Fatalf("member = %v, want %s", members[0], admin.Hex())
	}

	resp, _ = f.do(t, http.MethodGet, "/v1/roles/JANITOR", nil, nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown role status = %d, want 400", resp.StatusCode)
	}
}
