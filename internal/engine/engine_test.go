package engine

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/access"
	"github.com/atmx/settlement-engine/internal/custody"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/notify"
	"github.com/atmx/settlement-engine/internal/oracle"
	"github.com/atmx/settlement-engine/internal/period"
	"github.com/atmx/settlement-engine/internal/pool"
	"github.com/atmx/settlement-engine/internal/store"
)

var (
	usdc        = common.HexToAddress("0xc0")
	weth        = common.HexToAddress("0xe7")
	poolAddr    = common.HexToAddress("0xb1")
	ctrlAddr    = common.HexToAddress("0xc1")
	walletAddr  = common.HexToAddress("0xaa")
	reserveAddr = common.HexToAddress("0xfe")
	admin       = common.HexToAddress("0xad")
	reporter    = common.HexToAddress("0x5e")
	keeper      = common.HexToAddress("0x6e")
	alice       = common.HexToAddress("0x01")
	bob         = common.HexToAddress("0x02")
	stranger    = common.HexToAddress("0x99")
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Publish(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) kinds() []model.EntryKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.EntryKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type failingStore struct {
	store.Store
}

func (failingStore) AppendEntry(context.Context, *model.JournalEntry) error {
	return errors.New("disk full")
}

// flakyStore fails SaveState while fail is set.
type flakyStore struct {
	store.Store
	fail bool
}

func (s *flakyStore) SaveState(ctx context.Context, st *model.State) error {
	if s.fail {
		return errors.New("connection reset")
	}
	return s.Store.SaveState(ctx, st)
}

type testEnv struct {
	eng    *Engine
	key    *ecdsa.PrivateKey
	events *recorder
}

type options struct {
	faucet bool
	store  store.Store
}

func newTestEnv(t *testing.T, opts ...func(*options)) *testEnv {
	t.Helper()
	o := options{faucet: true}
	for _, fn := range opts {
		fn(&o)
	}
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	var st store.Store = store.NewMemoryStore()
	if o.store != nil {
		st = o.store
	}
	events := &recorder{}
	eng, err := New(testConfig(key, o.faucet), testAuth(), oracle.NewAdapter(), st, events)
	require.NoError(t, err)

	_, err = eng.RegisterAsset(context.Background(), admin, model.AssetConfig{
		Asset: usdc, Symbol: "USDC", Decimals: 18, PeriodThreshold: d(1000),
	})
	require.NoError(t, err)
	if o.faucet {
		for _, acct := range []common.Address{alice, bob} {
			require.NoError(t, eng.Faucet(context.Background(), acct, usdc, d(1_000_000)))
		}
	}
	return &testEnv{eng: eng, key: key, events: events}
}

func testConfig(key *ecdsa.PrivateKey, faucet bool) Config {
	return Config{
		PoolAddress:       poolAddr,
		ControllerAddress: ctrlAddr,
		WalletAddress:     walletAddr,
		ReserveAddress:    reserveAddr,
		ChainID:           big.NewInt(31337),
		SignerKey:         key,
		FaucetEnabled:     faucet,
	}
}

func testAuth() access.Authorizer {
	return access.NewStatic().
		Grant(access.OpAdmin, admin).
		Grant(access.OpReporter, reporter).
		Grant(access.OpKeeper, keeper)
}

func sameDec(t *testing.T, want, got decimal.Decimal, what string) {
	t.Helper()
	assert.True(t, want.Equal(got), "%s: want %s, got %s", what, want, got)
}

// reopen starts a second engine on st with the same signer, as after a
// process restart.
func (e *testEnv) reopen(t *testing.T, st store.Store) *Engine {
	t.Helper()
	eng, err := New(testConfig(e.key, true), testAuth(), oracle.NewAdapter(), st, &recorder{})
	require.NoError(t, err)
	return eng
}

// fillPeriod deposits 600 from alice and 400 from bob, carving out period 1.
func (e *testEnv) fillPeriod(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := e.eng.Deposit(ctx, alice, usdc, d(600))
	require.NoError(t, err)
	res, err := e.eng.Deposit(ctx, bob, usdc, d(400))
	require.NoError(t, err)
	require.Len(t, res.Started, 1)
	require.Len(t, res.Requests, 1)
}

// --- Configuration ---

func TestNew_RejectsInvalidConfig(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	base := Config{
		PoolAddress:       poolAddr,
		ControllerAddress: ctrlAddr,
		WalletAddress:     walletAddr,
		ReserveAddress:    reserveAddr,
		ChainID:           big.NewInt(1),
		SignerKey:         key,
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no signer", func(c *Config) { c.SignerKey = nil }},
		{"no chain", func(c *Config) { c.ChainID = nil }},
		{"zero chain", func(c *Config) { c.ChainID = big.NewInt(0) }},
		{"zero address", func(c *Config) { c.WalletAddress = common.Address{} }},
		{"shared address", func(c *Config) { c.ReserveAddress = poolAddr }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			_, err := New(cfg, access.NewStatic(), nil, nil, nil)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

// --- Deposits and carve-out ---

func TestDeposit_CarvesOutAndSplitsPeriod(t *testing.T) {
	e := newTestEnv(t)
	e.fillPeriod(t)

	rec, err := e.eng.Period(usdc, 1)
	require.NoError(t, err)
	assert.Equal(t, model.PeriodActive, rec.Status)
	assert.True(t, rec.AllocatedUSD.Equal(d(1000)))
	assert.Equal(t, 2, rec.Contributors)

	// 15% insurance to the reserve, 85% to custody, nothing left in the pool.
	assert.True(t, e.eng.Balance(poolAddr, usdc).IsZero())
	assert.True(t, e.eng.Balance(reserveAddr, usdc).Equal(d(150)))
	assert.True(t, e.eng.Balance(walletAddr, usdc).Equal(d(850)))

	alloc := e.eng.Allocation(usdc)
	assert.True(t, alloc.InsuranceAllocated.Equal(d(150)))
	assert.True(t, alloc.TradingAllocated.Equal(d(850)))
	assert.True(t, e.eng.Reserve(usdc).PoolShares.IsPositive())

	reqs := e.eng.Requests(usdc)
	require.Len(t, reqs, 1)
	assert.Equal(t, uint64(1), reqs[0].PeriodID)
	assert.True(t, reqs[0].Amount.Equal(d(850)))
	assert.True(t, reqs[0].IsActive)

	sum := e.eng.Account(alice).Shares.Add(e.eng.Account(bob).Shares)
	assert.True(t, sum.Equal(e.eng.Summary().TotalShares))
}

func TestDeposit_CarriesExcessIntoNextPeriod(t *testing.T) {
	e := newTestEnv(t)
	res, err := e.eng.Deposit(context.Background(), alice, usdc, d(1300))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, res.Periods)
	require.Len(t, res.Started, 1)

	next, err := e.eng.Period(usdc, 2)
	require.NoError(t, err)
	assert.Equal(t, model.PeriodCollecting, next.Status)
	assert.True(t, next.CollectedUSD.Equal(d(300)))
	assert.True(t, e.eng.Balance(poolAddr, usdc).Equal(d(300)))
}

func TestSetThreshold_StartsCollectingPeriod(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	_, err := e.eng.Deposit(ctx, alice, usdc, d(600))
	require.NoError(t, err)

	_, _, err = e.eng.SetThreshold(ctx, stranger, usdc, d(500))
	assert.ErrorIs(t, err, access.ErrUnauthorized)

	cfg, started, err := e.eng.SetThreshold(ctx, admin, usdc, d(500))
	require.NoError(t, err)
	assert.True(t, cfg.PeriodThreshold.Equal(d(500)))
	require.Len(t, started, 1)
	assert.True(t, started[0].AllocatedUSD.Equal(d(500)))
	assert.Len(t, e.eng.Requests(usdc), 1)

	// The 100 above the new threshold stays collecting in period 2.
	rec, err := e.eng.Period(usdc, 2)
	require.NoError(t, err)
	assert.Equal(t, model.PeriodCollecting, rec.Status)
	assert.True(t, rec.CollectedUSD.Equal(d(100)))
	assert.Contains(t, e.events.kinds(), model.EntryTradeOpened)
}

// --- Results and claims ---

func TestProfit_ReportAndClaim(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.fillPeriod(t)

	// The executor has returned 100 of profit to the controller.
	require.NoError(t, e.eng.bank.Mint(usdc, ctrlAddr, d(100)))
	out, err := e.eng.ReportResult(ctx, reporter, 1, d(100))
	require.NoError(t, err)
	assert.True(t, out.ReserveCut.Equal(d(10)))
	assert.True(t, out.PoolCut.Equal(d(90)))
	assert.True(t, out.USD.Equal(d(90)))

	rec, err := e.eng.Period(usdc, 1)
	require.NoError(t, err)
	assert.Equal(t, model.PeriodSettled, rec.Status)
	assert.True(t, rec.ProfitsDistributed)

	before := e.eng.Balance(alice, usdc)
	claim, err := e.eng.Claim(ctx, alice, usdc, 1, false)
	require.NoError(t, err)
	assert.True(t, claim.Profit.Equal(d(54)), "alice profit = %s", claim.Profit)
	assert.True(t, claim.Amount.Equal(d(54)))
	assert.True(t, e.eng.Balance(alice, usdc).Sub(before).Equal(d(54)))

	claim, err = e.eng.Claim(ctx, bob, usdc, 1, false)
	require.NoError(t, err)
	assert.True(t, claim.Profit.Equal(d(36)))

	_, err = e.eng.Claim(ctx, alice, usdc, 1, false)
	assert.ErrorIs(t, err, period.ErrAlreadyClaimed)

	entries, err := e.eng.Journal(ctx, model.EntryFilter{Kind: model.EntryClaim})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestLoss_InsuranceFirstThenPrincipal(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.fillPeriod(t)

	out, err := e.eng.ReportResult(ctx, reporter, 1, d(-200))
	require.NoError(t, err)
	assert.True(t, out.Covered.Equal(d(150)))
	assert.True(t, out.Principal.Equal(d(50)))
	assert.True(t, out.USD.Equal(d(-50)))
	assert.False(t, out.CoverFailed)

	assert.True(t, e.eng.Balance(reserveAddr, usdc).IsZero())
	assert.True(t, e.eng.Balance(poolAddr, usdc).Equal(d(150)))
	assert.True(t, e.eng.Summary().TotalUSD.Equal(d(950)))
	assert.True(t, e.eng.SystemMetrics().CumulativeLossUSD.Equal(d(50)))

	rec, err := e.eng.Period(usdc, 1)
	require.NoError(t, err)
	assert.True(t, rec.PnL.Equal(d(-200)))
	assert.True(t, rec.InsuranceRefundPerDollar.IsPositive())

	claim, err := e.eng.Claim(ctx, alice, usdc, 1, false)
	require.NoError(t, err)
	assert.True(t, claim.Profit.IsZero())
	assert.True(t, claim.Loss.Equal(d(120)))
	assert.True(t, claim.Amount.IsZero())
}

func TestReportResult_RejectsUnknownAndRepeated(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.fillPeriod(t)

	_, err := e.eng.ReportResult(ctx, stranger, 1, d(-10))
	assert.ErrorIs(t, err, access.ErrUnauthorized)

	_, err = e.eng.ReportResult(ctx, reporter, 1, d(-10))
	require.NoError(t, err)
	_, err = e.eng.ReportResult(ctx, reporter, 1, d(-10))
	assert.Error(t, err)
	_, err = e.eng.ReportResult(ctx, reporter, 42, d(-10))
	assert.Error(t, err)
}

// --- Atomicity ---

func TestClaim_RollsBackWhenPoolIsIlliquid(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.fillPeriod(t)
	require.NoError(t, e.eng.bank.Mint(usdc, ctrlAddr, d(100)))
	_, err := e.eng.ReportResult(ctx, reporter, 1, d(100))
	require.NoError(t, err)

	// Drain the pool so the claim cannot be paid.
	require.NoError(t, e.eng.Sweep(ctx, admin, HolderPool, usdc, admin, d(90)))
	_, err = e.eng.Claim(ctx, alice, usdc, 1, false)
	assert.ErrorIs(t, err, pool.ErrInsufficientLiquidity)

	ap, err := e.eng.AccountPeriod(alice, usdc, 1)
	require.NoError(t, err)
	assert.False(t, ap.Claimed, "failed claim must not mark the period claimed")
	entries, err := e.eng.Journal(ctx, model.EntryFilter{Kind: model.EntryClaim})
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, e.eng.Faucet(ctx, poolAddr, usdc, d(54)))
	claim, err := e.eng.Claim(ctx, alice, usdc, 1, false)
	require.NoError(t, err)
	assert.True(t, claim.Amount.Equal(d(54)))
}

func TestRun_RecoversPanicAndRollsBack(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	before := e.eng.Balance(alice, usdc)

	err := e.eng.run(ctx, "test", func(b *batch) error {
		require.NoError(t, e.eng.bank.Transfer(usdc, alice, bob, d(5)))
		panic("boom")
	})
	assert.ErrorIs(t, err, ErrInternal)
	assert.True(t, e.eng.Balance(alice, usdc).Equal(before))

	// The engine is still usable afterwards.
	_, err = e.eng.Deposit(ctx, alice, usdc, d(10))
	assert.NoError(t, err)
}

// --- Custody ---

func TestCheckCustodyPnL_ProfitReleasedOnce(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.fillPeriod(t)

	pnl, err := e.eng.SimulateExecutor(ctx, reporter, usdc, d(50))
	require.NoError(t, err)
	assert.True(t, pnl.Equal(d(50)))

	_, _, err = e.eng.CheckCustodyPnL(ctx, stranger, usdc)
	assert.ErrorIs(t, err, access.ErrUnauthorized)

	out, ok, err := e.eng.CheckCustodyPnL(ctx, keeper, usdc)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), out.RequestID)
	assert.True(t, out.PoolCut.Equal(d(45)))
	assert.Equal(t, uint64(1), e.eng.Session(usdc).Nonce)

	_, ok, err = e.eng.CheckCustodyPnL(ctx, keeper, usdc)
	require.NoError(t, err)
	assert.False(t, ok, "a released session has nothing left to report")
}

func TestReportResult_SettlesCustodyLossOnce(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.fillPeriod(t)
	e.fillPeriod(t)
	require.Len(t, e.eng.Requests(usdc), 2)

	_, err := e.eng.SimulateExecutor(ctx, reporter, usdc, d(-400))
	require.NoError(t, err)

	out, err := e.eng.ReportResult(ctx, reporter, 1, d(-400))
	require.NoError(t, err)
	assert.True(t, out.Covered.Equal(d(300)))
	assert.True(t, out.Principal.Equal(d(100)))
	lossAfterReport := e.eng.SystemMetrics().CumulativeLossUSD
	totalAfterReport := e.eng.Summary().TotalUSD

	// The reported loss already accounts for the custody drawdown.
	assert.True(t, e.eng.CurrentPnL(usdc).IsZero())
	_, ok, err := e.eng.CheckCustodyPnL(ctx, keeper, usdc)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, e.eng.SystemMetrics().CumulativeLossUSD.Equal(lossAfterReport))
	assert.True(t, e.eng.Summary().TotalUSD.Equal(totalAfterReport))
	rec, err := e.eng.Period(usdc, 2)
	require.NoError(t, err)
	assert.Equal(t, model.PeriodActive, rec.Status)
	assert.Equal(t, uint64(0), e.eng.Session(usdc).Nonce)
}

func TestRelease_SignatureGatedAndNonceProtected(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.fillPeriod(t)
	_, err := e.eng.SimulateExecutor(ctx, reporter, usdc, d(50))
	require.NoError(t, err)

	_, nonce := e.eng.ReleaseDigest(usdc, d(50))
	sig, err := custody.SignRelease(e.key, walletAddr, usdc, d(50), nonce, big.NewInt(31337))
	require.NoError(t, err)

	pnl, err := e.eng.Release(ctx, stranger, usdc, d(50), sig)
	require.NoError(t, err)
	assert.True(t, pnl.Equal(d(50)))
	assert.True(t, e.eng.Balance(ctrlAddr, usdc).Equal(d(50)))

	_, err = e.eng.Release(ctx, stranger, usdc, d(50), sig)
	assert.ErrorIs(t, err, custody.ErrInvalidSignature)
}

func TestRotateAuthority(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.fillPeriod(t)

	_, err := e.eng.RotateAuthority(ctx, stranger, nil)
	assert.ErrorIs(t, err, access.ErrUnauthorized)

	addr, err := e.eng.RotateAuthority(ctx, admin, nil)
	require.NoError(t, err)
	assert.NotEqual(t, crypto.PubkeyToAddress(e.key.PublicKey), addr)
	assert.Equal(t, addr, e.eng.SignerAddress())
	assert.Equal(t, addr, e.eng.Addresses().Authority)

	// Releases signed with the old key are refused; the controller signs
	// with the new one.
	_, nonce := e.eng.ReleaseDigest(usdc, decimal.Zero)
	sig, err := custody.SignRelease(e.key, walletAddr, usdc, decimal.Zero, nonce, big.NewInt(31337))
	require.NoError(t, err)
	_, err = e.eng.Release(ctx, stranger, usdc, decimal.Zero, sig)
	assert.ErrorIs(t, err, custody.ErrInvalidSignature)

	_, err = e.eng.SimulateExecutor(ctx, reporter, usdc, d(-30))
	require.NoError(t, err)
	out, ok, err := e.eng.CheckCustodyPnL(ctx, keeper, usdc)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, out.PnL.Equal(d(-30)))
}

// --- Administration ---

func TestRegisterAsset_RequiresBoundOracle(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.eng.RegisterAsset(ctx, admin, model.AssetConfig{
		Asset: weth, Symbol: "WETH", Decimals: 18, PeriodThreshold: d(1000), OracleRef: "eth-usd",
	})
	assert.ErrorIs(t, err, oracle.ErrUnknownSource)

	_, err = e.eng.SetOracleRef(ctx, admin, usdc, "missing")
	assert.ErrorIs(t, err, oracle.ErrUnknownSource)

	cfg, err := e.eng.DeactivateAsset(ctx, admin, usdc)
	require.NoError(t, err)
	assert.False(t, cfg.Supported)
	_, err = e.eng.Deposit(ctx, alice, usdc, d(10))
	assert.ErrorIs(t, err, pool.ErrUnsupportedAsset)
}

func TestSweep(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, e.eng.Faucet(ctx, ctrlAddr, usdc, d(20)))

	err := e.eng.Sweep(ctx, stranger, HolderController, usdc, stranger, d(20))
	assert.ErrorIs(t, err, access.ErrUnauthorized)
	err = e.eng.Sweep(ctx, admin, Holder("reserve"), usdc, admin, d(20))
	assert.ErrorIs(t, err, ErrUnknownHolder)

	require.NoError(t, e.eng.Sweep(ctx, admin, HolderController, usdc, admin, d(20)))
	assert.True(t, e.eng.Balance(admin, usdc).Equal(d(20)))
}

func TestFaucet_Disabled(t *testing.T) {
	e := newTestEnv(t, func(o *options) { o.faucet = false })
	ctx := context.Background()

	err := e.eng.Faucet(ctx, alice, usdc, d(10))
	assert.ErrorIs(t, err, ErrFaucetDisabled)
	_, err = e.eng.SimulateExecutor(ctx, reporter, usdc, d(10))
	assert.ErrorIs(t, err, ErrFaucetDisabled)
	assert.True(t, e.eng.Balance(alice, usdc).IsZero())
}

// --- Sinks ---

func TestSinks_JournalSnapshotsAndEvents(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e.eng.SetClock(func() time.Time { return now })
	e.fillPeriod(t)

	events := e.events.events
	tail := events[len(events)-4:]
	kinds := []model.EntryKind{tail[0].Type, tail[1].Type, tail[2].Type, tail[3].Type}
	assert.Equal(t, []model.EntryKind{
		model.EntryDeposit, model.EntryDeposit, model.EntryPeriodStarted, model.EntryTradeOpened,
	}, kinds)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence)
	}
	require.NotNil(t, tail[2].Period)
	assert.Equal(t, model.PeriodActive, tail[2].Period.Status)
	assert.Equal(t, now, tail[3].Timestamp)
	assert.NotEmpty(t, tail[3].ID)

	stored, err := e.eng.StoredPeriod(ctx, usdc, 1)
	require.NoError(t, err)
	assert.Equal(t, model.PeriodActive, stored.Status)
	assert.True(t, stored.AllocatedUSD.Equal(d(1000)))

	entries, err := e.eng.Journal(ctx, model.EntryFilter{Account: alice, Kind: model.EntryDeposit})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Amount.Equal(d(600)))
}

func TestSinks_FailureDoesNotUndoCommit(t *testing.T) {
	e := newTestEnv(t, func(o *options) { o.store = failingStore{store.NewMemoryStore()} })
	before := testutil.ToFloat64(metrics.SinkFailures.WithLabelValues("journal"))

	res, err := e.eng.Deposit(context.Background(), alice, usdc, d(600))
	require.NoError(t, err)
	assert.True(t, res.Shares.IsPositive())
	assert.True(t, e.eng.Account(alice).Shares.Equal(res.Shares))
	assert.Greater(t, testutil.ToFloat64(metrics.SinkFailures.WithLabelValues("journal")), before)
	assert.Contains(t, e.events.kinds(), model.EntryDeposit)
}

// --- Persistence ---

func TestRestart_RestoresLedgers(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEnv(t, func(o *options) { o.store = st })
	ctx := context.Background()
	e.fillPeriod(t)
	_, err := e.eng.Deposit(ctx, alice, usdc, d(250))
	require.NoError(t, err)
	_, err = e.eng.SimulateExecutor(ctx, reporter, usdc, d(50))
	require.NoError(t, err)

	_, nonce := e.eng.ReleaseDigest(usdc, d(50))
	sig, err := custody.SignRelease(e.key, walletAddr, usdc, d(50), nonce, big.NewInt(31337))
	require.NoError(t, err)
	_, err = e.eng.Release(ctx, stranger, usdc, d(50), sig)
	require.NoError(t, err)

	last, err := e.eng.Journal(ctx, model.EntryFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, last, 1)

	restarted := e.reopen(t, st)

	sameDec(t, e.eng.Summary().TotalUSD, restarted.Summary().TotalUSD, "total usd")
	sameDec(t, e.eng.Summary().TotalShares, restarted.Summary().TotalShares, "total shares")
	for _, acct := range []common.Address{alice, bob} {
		sameDec(t, e.eng.Account(acct).Shares, restarted.Account(acct).Shares, "shares of "+acct.Hex())
		sameDec(t, e.eng.Account(acct).Deposits[usdc], restarted.Account(acct).Deposits[usdc], "deposits of "+acct.Hex())
	}
	for _, holder := range []common.Address{alice, bob, poolAddr, ctrlAddr, walletAddr, reserveAddr} {
		sameDec(t, e.eng.Balance(holder, usdc), restarted.Balance(holder, usdc), "balance of "+holder.Hex())
	}

	reqs, restoredReqs := e.eng.Requests(usdc), restarted.Requests(usdc)
	require.Len(t, restoredReqs, len(reqs))
	for i := range reqs {
		assert.Equal(t, reqs[i].ID, restoredReqs[i].ID)
		assert.Equal(t, reqs[i].PeriodID, restoredReqs[i].PeriodID)
		assert.Equal(t, reqs[i].IsActive, restoredReqs[i].IsActive)
		sameDec(t, reqs[i].Amount, restoredReqs[i].Amount, "request amount")
	}
	sameDec(t, e.eng.Allocation(usdc).InsuranceAllocated, restarted.Allocation(usdc).InsuranceAllocated, "insurance allocated")
	sameDec(t, e.eng.Allocation(usdc).TradingAllocated, restarted.Allocation(usdc).TradingAllocated, "trading allocated")
	sameDec(t, e.eng.Reserve(usdc).PoolShares, restarted.Reserve(usdc).PoolShares, "reserve pool shares")
	sameDec(t, e.eng.Reserve(usdc).TotalShares, restarted.Reserve(usdc).TotalShares, "reserve total shares")

	session := restarted.Session(usdc)
	assert.Equal(t, e.eng.Session(usdc).ID, session.ID)
	assert.Equal(t, uint64(1), session.Nonce)
	sameDec(t, e.eng.Session(usdc).InitialBalance, session.InitialBalance, "session initial balance")

	active, err := restarted.Period(usdc, 1)
	require.NoError(t, err)
	assert.Equal(t, model.PeriodActive, active.Status)
	collecting, err := restarted.Period(usdc, 2)
	require.NoError(t, err)
	assert.Equal(t, model.PeriodCollecting, collecting.Status)
	assert.True(t, collecting.CollectedUSD.Equal(d(250)))

	// A spent release signature stays spent.
	_, err = restarted.Release(ctx, stranger, usdc, d(50), sig)
	assert.ErrorIs(t, err, custody.ErrInvalidSignature)

	// Journal sequence numbers continue where they stopped.
	_, err = restarted.Deposit(ctx, bob, usdc, d(750))
	require.NoError(t, err)
	next, err := restarted.Journal(ctx, model.EntryFilter{Kind: model.EntryDeposit, Limit: 1})
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Greater(t, next[0].Sequence, last[0].Sequence)
	assert.Len(t, restarted.Requests(usdc), 2)

	// The restored period still settles and pays its contributors.
	require.NoError(t, restarted.bank.Mint(usdc, ctrlAddr, d(100)))
	_, err = restarted.ReportResult(ctx, reporter, 1, d(100))
	require.NoError(t, err)
	claim, err := restarted.Claim(ctx, alice, usdc, 1, false)
	require.NoError(t, err)
	assert.True(t, claim.Profit.Equal(d(54)))
}

func TestRestart_ResetsAuthorityToSigner(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEnv(t, func(o *options) { o.store = st })
	ctx := context.Background()
	e.fillPeriod(t)

	rotated, err := e.eng.RotateAuthority(ctx, admin, nil)
	require.NoError(t, err)

	restarted := e.reopen(t, st)
	signer := crypto.PubkeyToAddress(e.key.PublicKey)
	assert.NotEqual(t, rotated, signer)
	assert.Equal(t, signer, restarted.Addresses().Authority)
	assert.Equal(t, signer, restarted.SignerAddress())

	// The controller can still release through the restored session.
	_, err = restarted.SimulateExecutor(ctx, reporter, usdc, d(20))
	require.NoError(t, err)
	_, ok, err := restarted.CheckCustodyPnL(ctx, keeper, usdc)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRun_StateSaveFailureRollsBack(t *testing.T) {
	st := &flakyStore{Store: store.NewMemoryStore()}
	e := newTestEnv(t, func(o *options) { o.store = st })
	ctx := context.Background()
	before := testutil.ToFloat64(metrics.StateSaveFailures)
	balance := e.eng.Balance(alice, usdc)
	last, err := e.eng.Journal(ctx, model.EntryFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, last, 1)

	st.fail = true
	_, err = e.eng.Deposit(ctx, alice, usdc, d(600))
	assert.ErrorIs(t, err, ErrPersist)
	assert.True(t, e.eng.Account(alice).Shares.IsZero())
	assert.True(t, e.eng.Balance(alice, usdc).Equal(balance))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StateSaveFailures)-before)
	assert.NotContains(t, e.events.kinds(), model.EntryDeposit)

	st.fail = false
	_, err = e.eng.Deposit(ctx, alice, usdc, d(600))
	require.NoError(t, err)
	entries, err := e.eng.Journal(ctx, model.EntryFilter{Kind: model.EntryDeposit})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, last[0].Sequence+1, entries[0].Sequence)

	saved, err := st.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, entries[0].Sequence, saved.Sequence)
}

func TestConcurrentDeposits(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(acct common.Address) {
			defer wg.Done()
			_, err := e.eng.Deposit(ctx, acct, usdc, d(100))
			assert.NoError(t, err)
		}([]common.Address{alice, bob}[i%2])
	}
	wg.Wait()

	assert.Len(t, e.eng.Requests(usdc), 2)
	sum := e.eng.Account(alice).Shares.Add(e.eng.Account(bob).Shares)
	assert.True(t, sum.Equal(e.eng.Summary().TotalShares))
}
