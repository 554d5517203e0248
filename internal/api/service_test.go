package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/access"
	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/controller"
	"github.com/atmx/settlement-engine/internal/engine"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/pool"
	"github.com/atmx/settlement-engine/internal/store"
)

var (
	usdc     = common.HexToAddress("0xc0")
	admin    = common.HexToAddress("0xad")
	reporter = common.HexToAddress("0x5e")
	keeper   = common.HexToAddress("0x6e")
	alice    = common.HexToAddress("0x01")
	bob      = common.HexToAddress("0x02")
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// newTestEnv creates an engine with usdc registered and funded accounts,
// served by a chi router under /api/v1.
func newTestEnv(t *testing.T) chi.Router {
	t.Helper()
	return newTestEnvWithStore(t, nil)
}

func newTestEnvWithStore(t *testing.T, st store.Store) chi.Router {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	auth := access.NewStatic().
		Grant(access.OpAdmin, admin).
		Grant(access.OpReporter, reporter).
		Grant(access.OpKeeper, keeper)
	eng, err := engine.New(engine.Config{
		PoolAddress:       common.HexToAddress("0xb1"),
		ControllerAddress: common.HexToAddress("0xc1"),
		WalletAddress:     common.HexToAddress("0xaa"),
		ReserveAddress:    common.HexToAddress("0xfe"),
		ChainID:           big.NewInt(31337),
		SignerKey:         key,
		FaucetEnabled:     true,
	}, auth, nil, st, nil)
	require.NoError(t, err)

	svc := api.NewService(eng, nil)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	w := do(t, r, http.MethodPost, "/api/v1/assets", admin, api.RegisterAssetRequest{
		Asset: usdc, Symbol: "USDC", Decimals: 18, PeriodThreshold: d(1000),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	for _, acct := range []common.Address{alice, bob} {
		require.NoError(t, eng.Faucet(context.Background(), acct, usdc, d(1_000_000)))
	}
	return r
}

func do(t *testing.T, router chi.Router, method, path string, caller common.Address, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != (common.Address{}) {
		req.Header.Set(api.AccountHeader, caller.Hex())
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func fillPeriod(t *testing.T, r chi.Router) {
	t.Helper()
	w := do(t, r, http.MethodPost, "/api/v1/deposits", alice, api.DepositRequest{Asset: usdc, Amount: d(600)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = do(t, r, http.MethodPost, "/api/v1/deposits", bob, api.DepositRequest{Asset: usdc, Amount: d(400)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decodeBody[pool.DepositResult](t, w)
	require.Len(t, res.Started, 1)
}

// --- Pool accounting ---

func TestDeposit_RequiresAccountHeader(t *testing.T) {
	r := newTestEnv(t)
	w := do(t, r, http.MethodPost, "/api/v1/deposits", common.Address{}, api.DepositRequest{Asset: usdc, Amount: d(10)})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDeposit_Validation(t *testing.T) {
	r := newTestEnv(t)

	w := do(t, r, http.MethodPost, "/api/v1/deposits", alice, api.DepositRequest{Asset: usdc, Amount: d(0)})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/deposits", alice, api.DepositRequest{Asset: common.HexToAddress("0xe7"), Amount: d(10)})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/deposits", bytes.NewBufferString("{"))
	req.Header.Set(api.AccountHeader, alice.Hex())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLossFlow_ReportAndClaim(t *testing.T) {
	r := newTestEnv(t)
	fillPeriod(t, r)

	w := do(t, r, http.MethodGet, "/api/v1/periods/"+usdc.Hex()+"/1", common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	rec := decodeBody[model.PeriodRecord](t, w)
	assert.Equal(t, model.PeriodActive, rec.Status)

	w = do(t, r, http.MethodPost, "/api/v1/requests/1/result", alice, api.ResultRequest{PnL: d(-200)})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/requests/1/result", reporter, api.ResultRequest{PnL: d(-200)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decodeBody[controller.Outcome](t, w)
	assert.True(t, out.Covered.Equal(d(150)))
	assert.True(t, out.Principal.Equal(d(50)))

	w = do(t, r, http.MethodPost, "/api/v1/requests/1/result", reporter, api.ResultRequest{PnL: d(-1)})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/claims", alice, api.ClaimRequest{Asset: usdc, PeriodID: 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	claim := decodeBody[pool.ClaimResult](t, w)
	assert.True(t, claim.Loss.Equal(d(120)))

	w = do(t, r, http.MethodPost, "/api/v1/claims", alice, api.ClaimRequest{Asset: usdc, PeriodID: 1})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/controller/metrics", common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	sm := decodeBody[model.SystemMetrics](t, w)
	assert.True(t, sm.CumulativeLossUSD.Equal(d(50)))
}

func TestClaim_UnsettledPeriodConflicts(t *testing.T) {
	r := newTestEnv(t)
	fillPeriod(t, r)
	w := do(t, r, http.MethodPost, "/api/v1/claims", alice, api.ClaimRequest{Asset: usdc, PeriodID: 1})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/claims", alice, api.ClaimRequest{Asset: usdc, PeriodID: 9})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- Custody ---

func TestCustody_SimulateAndCheck(t *testing.T) {
	r := newTestEnv(t)
	fillPeriod(t, r)
	path := "/api/v1/custody/" + usdc.Hex()

	w := do(t, r, http.MethodPost, path+"/simulate", reporter, api.SimulateRequest{PnL: d(40)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, r, http.MethodGet, path, common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	sess := decodeBody[api.SessionResponse](t, w)
	assert.True(t, sess.CurrentPnL.Equal(d(40)))

	w = do(t, r, http.MethodPost, path+"/check", keeper, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody[api.CheckResponse](t, w)
	require.True(t, resp.Reported)
	assert.True(t, resp.Outcome.PoolCut.Equal(d(36)))

	w = do(t, r, http.MethodPost, path+"/check", keeper, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decodeBody[api.CheckResponse](t, w).Reported)
}

func TestRelease_RejectsForeignSignature(t *testing.T) {
	r := newTestEnv(t)
	fillPeriod(t, r)

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	sig, err := crypto.Sign(crypto.Keccak256([]byte("not a release")), other)
	require.NoError(t, err)

	w := do(t, r, http.MethodPost, "/api/v1/custody/"+usdc.Hex()+"/release", alice, api.ReleaseRequest{
		Amount: d(10), Signature: sig,
	})
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
}

// --- Administration ---

func TestAdmin_RequiresRole(t *testing.T) {
	r := newTestEnv(t)

	w := do(t, r, http.MethodPut, "/api/v1/assets/"+usdc.Hex()+"/threshold", alice, api.ThresholdRequest{Threshold: d(500)})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/admin/rotate-authority", alice, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/admin/rotate-authority", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	rotated := decodeBody[map[string]common.Address](t, w)

	w = do(t, r, http.MethodGet, "/api/v1/addresses", common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, rotated["authority"], decodeBody[engine.Addresses](t, w).Authority)
}

func TestSetThreshold_ReturnsStartedPeriods(t *testing.T) {
	r := newTestEnv(t)
	w := do(t, r, http.MethodPost, "/api/v1/deposits", alice, api.DepositRequest{Asset: usdc, Amount: d(700)})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, r, http.MethodPut, "/api/v1/assets/"+usdc.Hex()+"/threshold", admin, api.ThresholdRequest{Threshold: d(500)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody[api.ThresholdResponse](t, w)
	assert.True(t, resp.Asset.PeriodThreshold.Equal(d(500)))
	require.Len(t, resp.Started, 1)
}

func TestSweep_UnknownSource(t *testing.T) {
	r := newTestEnv(t)
	w := do(t, r, http.MethodPost, "/api/v1/admin/sweep", admin, api.SweepRequest{
		From: "wallet", Asset: usdc, To: admin, Amount: d(1),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// unavailableStore rejects state saves once down is set.
type unavailableStore struct {
	store.Store
	down bool
}

func (s *unavailableStore) SaveState(ctx context.Context, st *model.State) error {
	if s.down {
		return errors.New("database unavailable")
	}
	return s.Store.SaveState(ctx, st)
}

func TestDeposit_StateSaveFailureIsUnavailable(t *testing.T) {
	st := &unavailableStore{Store: store.NewMemoryStore()}
	r := newTestEnvWithStore(t, st)

	st.down = true
	w := do(t, r, http.MethodPost, "/api/v1/deposits", alice, api.DepositRequest{Asset: usdc, Amount: d(600)})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())

	st.down = false
	w = do(t, r, http.MethodPost, "/api/v1/deposits", alice, api.DepositRequest{Asset: usdc, Amount: d(600)})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

// --- Queries ---

func TestQueries(t *testing.T) {
	r := newTestEnv(t)
	fillPeriod(t, r)

	w := do(t, r, http.MethodGet, "/api/v1/requests/99", common.Address{}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/periods/not-an-address", common.Address{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/requests?asset="+usdc.Hex(), common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.TradeRequest](t, w), 1)

	w = do(t, r, http.MethodGet, "/api/v1/accounts/"+alice.Hex(), common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	acct := decodeBody[model.AccountSummary](t, w)
	assert.True(t, acct.Shares.Equal(d(599)))

	w = do(t, r, http.MethodGet, "/api/v1/journal?kind=deposit", common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := decodeBody[[]model.JournalEntry](t, w)
	require.Len(t, entries, 2)
	assert.Equal(t, bob, entries[0].Account, "journal lists newest first")

	w = do(t, r, http.MethodGet, "/api/v1/journal?limit=0", common.Address{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
