package period

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/txn"
)

var (
	usdc  = common.HexToAddress("0xc0")
	weth  = common.HexToAddress("0xe7")
	alice = common.HexToAddress("0x01")
	bob   = common.HexToAddress("0x02")
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newLedger() *Ledger {
	l := NewLedger(nil)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return at })
	return l
}

func mustContribute(t *testing.T, l *Ledger, account, asset common.Address, usd, threshold int64) {
	t.Helper()
	if _, err := l.RecordContribution(account, asset, d(usd), decimal.Zero, d(threshold)); err != nil {
		t.Fatalf("contribute %d: %v", usd, err)
	}
}

func TestCarveOut_ExactThresholdWithCarry(t *testing.T) {
	l := newLedger()
	mustContribute(t, l, alice, usdc, 600, 1000)
	if started := l.MaybeStartPeriod(usdc); len(started) != 0 {
		t.Fatalf("period started below threshold")
	}
	mustContribute(t, l, bob, usdc, 500, 1000)

	started := l.MaybeStartPeriod(usdc)
	if len(started) != 1 {
		t.Fatalf("expected 1 started period, got %d", len(started))
	}
	p := started[0]
	if !p.AllocatedUSD.Equal(d(1000)) {
		t.Errorf("allocated = %s, want 1000", p.AllocatedUSD)
	}
	if !l.Unallocated(usdc).Equal(d(100)) {
		t.Errorf("unallocated = %s, want 100", l.Unallocated(usdc))
	}

	rec, _ := l.AccountPeriod(bob, usdc, p.ID)
	if !rec.Contribution.Equal(d(400)) {
		t.Errorf("bob contribution in carved period = %s, want 400", rec.Contribution)
	}
	next := l.Collecting(usdc)
	if next == 0 || next == p.ID {
		t.Fatalf("expected a new collecting period, got %d", next)
	}
	carry, _ := l.AccountPeriod(bob, usdc, next)
	if !carry.Contribution.Equal(d(100)) {
		t.Errorf("bob carry = %s, want 100", carry.Contribution)
	}
}

func TestMaybeStartPeriod_ActivatesEveryFullPeriod(t *testing.T) {
	l := newLedger()
	mustContribute(t, l, alice, usdc, 2500, 1000)

	started := l.MaybeStartPeriod(usdc)
	if len(started) != 2 {
		t.Fatalf("expected 2 started periods, got %d", len(started))
	}
	if started[0].ID >= started[1].ID {
		t.Errorf("periods not activated oldest first: %d, %d", started[0].ID, started[1].ID)
	}
	if !l.Unallocated(usdc).Equal(d(500)) {
		t.Errorf("unallocated = %s, want 500", l.Unallocated(usdc))
	}
	if got := len(l.ActivePeriods(usdc)); got != 2 {
		t.Errorf("active index holds %d, want 2", got)
	}
}

func TestSettle_ProfitAndClaim(t *testing.T) {
	l := newLedger()
	mustContribute(t, l, alice, usdc, 600, 1000)
	mustContribute(t, l, bob, usdc, 400, 1000)
	id := l.MaybeStartPeriod(usdc)[0].ID

	rec, err := l.Settle(usdc, id, d(200))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !rec.ProfitPerDollar.Equal(money.Scale.Div(d(5))) {
		t.Errorf("profit per dollar = %s", rec.ProfitPerDollar)
	}
	if len(l.ActivePeriods(usdc)) != 0 {
		t.Error("settled period still indexed as active")
	}

	profit, _, err := l.MarkClaimed(alice, usdc, id)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !profit.Equal(d(120)) {
		t.Errorf("alice profit = %s, want 120", profit)
	}
	profit, _, _ = l.MarkClaimed(bob, usdc, id)
	if !profit.Equal(d(80)) {
		t.Errorf("bob profit = %s, want 80", profit)
	}

	if _, _, err := l.MarkClaimed(alice, usdc, id); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("second claim: expected ErrAlreadyClaimed, got %v", err)
	}
}

func TestSettle_LossShares(t *testing.T) {
	l := newLedger()
	mustContribute(t, l, alice, usdc, 750, 1000)
	mustContribute(t, l, bob, usdc, 250, 1000)
	id := l.MaybeStartPeriod(usdc)[0].ID

	if _, err := l.Settle(usdc, id, d(-400)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	_, loss, _ := l.CalculatePnL(alice, usdc, id)
	if !loss.Equal(d(300)) {
		t.Errorf("alice loss = %s, want 300", loss)
	}
	profit, loss, err := l.MarkClaimed(bob, usdc, id)
	if err != nil {
		t.Fatalf("claim on loss period: %v", err)
	}
	if !profit.IsZero() || !loss.Equal(d(100)) {
		t.Errorf("bob profit=%s loss=%s, want 0/100", profit, loss)
	}
}

func TestSettle_Errors(t *testing.T) {
	l := newLedger()
	mustContribute(t, l, alice, usdc, 500, 1000)
	collecting := l.Collecting(usdc)

	if _, err := l.Settle(usdc, collecting, d(10)); !errors.Is(err, ErrNoActiveTradingPeriod) {
		t.Errorf("settle collecting: got %v", err)
	}
	if _, err := l.Settle(usdc, 99, d(10)); !errors.Is(err, ErrUnknownPeriod) {
		t.Errorf("settle unknown: got %v", err)
	}
	if _, _, err := l.MarkClaimed(alice, usdc, collecting); !errors.Is(err, ErrPeriodNotSettled) {
		t.Errorf("claim unsettled: got %v", err)
	}

	mustContribute(t, l, alice, usdc, 500, 1000)
	id := l.MaybeStartPeriod(usdc)[0].ID
	if _, err := l.Settle(usdc, id, decimal.Zero); err != nil {
		t.Fatalf("settle flat: %v", err)
	}
	if _, err := l.Settle(usdc, id, d(10)); !errors.Is(err, ErrPeriodAlreadySettled) {
		t.Errorf("double settle: got %v", err)
	}
	if _, _, err := l.MarkClaimed(bob, usdc, id); !errors.Is(err, ErrNoContribution) {
		t.Errorf("claim without contribution: got %v", err)
	}
}

func TestInsuranceRefund(t *testing.T) {
	l := newLedger()
	mustContribute(t, l, alice, usdc, 1000, 1000)
	id := l.MaybeStartPeriod(usdc)[0].ID

	if _, err := l.Settle(usdc, id, d(-300)); err != nil {
		t.Fatal(err)
	}
	rec, err := l.RecordInsuranceRefund(usdc, id, d(150))
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	want := money.MulDiv(d(150), money.Scale, d(1000))
	if !rec.InsuranceRefundPerDollar.Equal(want) {
		t.Errorf("refund per dollar = %s, want %s", rec.InsuranceRefundPerDollar, want)
	}
	ap, _ := l.AccountPeriod(alice, usdc, id)
	if !ap.Refund.Equal(d(150)) {
		t.Errorf("alice refund = %s, want 150", ap.Refund)
	}
}

func TestAssetsAreIndependent(t *testing.T) {
	l := newLedger()
	mustContribute(t, l, alice, usdc, 1000, 1000)
	mustContribute(t, l, alice, weth, 400, 1000)

	if got := len(l.MaybeStartPeriod(usdc)); got != 1 {
		t.Fatalf("usdc started %d periods", got)
	}
	if got := len(l.MaybeStartPeriod(weth)); got != 0 {
		t.Errorf("weth started %d periods below its threshold", got)
	}
	if _, err := l.Settle(weth, 1, d(5)); !errors.Is(err, ErrNoActiveTradingPeriod) {
		t.Errorf("settling weth collecting period: got %v", err)
	}
	if !l.Unallocated(weth).Equal(d(400)) {
		t.Errorf("weth unallocated = %s", l.Unallocated(weth))
	}
}

func TestLoweredThresholdCarriesExcess(t *testing.T) {
	l := newLedger()
	mustContribute(t, l, alice, usdc, 400, 1000)
	if _, err := l.RecordContribution(bob, usdc, d(300), d(7), d(1000)); err != nil {
		t.Fatal(err)
	}

	if !l.CloseCollecting(usdc, d(500)) {
		t.Fatal("collecting period above lowered threshold was not sealed")
	}
	started := l.MaybeStartPeriod(usdc)
	if len(started) != 1 || !started[0].AllocatedUSD.Equal(d(500)) {
		t.Fatalf("started %+v", started)
	}
	if started[0].Contributors != 2 {
		t.Errorf("period 1 contributors = %d, want 2", started[0].Contributors)
	}

	// The latest contributor's excess moves on with its share snapshot.
	next := l.Collecting(usdc)
	if next != 2 {
		t.Fatalf("collecting period = %d, want 2", next)
	}
	ap, err := l.AccountPeriod(bob, usdc, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !ap.Contribution.Equal(d(100)) {
		t.Errorf("bob in period 1 = %s, want 100", ap.Contribution)
	}
	ap, err = l.AccountPeriod(bob, usdc, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !ap.Contribution.Equal(d(200)) || !ap.ShareSnapshot.Equal(d(7)) {
		t.Errorf("bob in period 2 = %+v", ap)
	}
	if !l.Unallocated(usdc).Equal(d(200)) {
		t.Errorf("unallocated = %s, want 200", l.Unallocated(usdc))
	}
}

func TestLoweredThresholdSplitsAcrossPeriods(t *testing.T) {
	undo := txn.NewLog()
	l := NewLedger(undo)
	undo.Begin()
	if _, err := l.RecordContribution(alice, usdc, d(700), decimal.Zero, d(1000)); err != nil {
		t.Fatal(err)
	}
	undo.Commit()

	undo.Begin()
	if !l.CloseCollecting(usdc, d(300)) {
		t.Fatal("collecting period was not sealed")
	}
	started := l.MaybeStartPeriod(usdc)
	if len(started) != 2 {
		t.Fatalf("started %d periods, want 2", len(started))
	}
	for _, rec := range started {
		if !rec.AllocatedUSD.Equal(d(300)) {
			t.Errorf("period %d allocated %s, want 300", rec.ID, rec.AllocatedUSD)
		}
	}
	if rec, err := l.Period(usdc, l.Collecting(usdc)); err != nil || !rec.CollectedUSD.Equal(d(100)) {
		t.Errorf("collecting remainder = %+v (%v)", rec, err)
	}
	undo.Rollback()

	if got := len(l.Periods(usdc)); got != 1 {
		t.Fatalf("periods after rollback = %d, want 1", got)
	}
	ap, err := l.AccountPeriod(alice, usdc, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !ap.Contribution.Equal(d(700)) {
		t.Errorf("alice after rollback = %s, want 700", ap.Contribution)
	}
}

func TestRollbackRestoresLedger(t *testing.T) {
	undo := txn.NewLog()
	l := NewLedger(undo)

	undo.Begin()
	if _, err := l.RecordContribution(alice, usdc, d(600), decimal.Zero, d(1000)); err != nil {
		t.Fatal(err)
	}
	undo.Commit()

	undo.Begin()
	if _, err := l.RecordContribution(bob, usdc, d(900), d(3), d(1000)); err != nil {
		t.Fatal(err)
	}
	if started := l.MaybeStartPeriod(usdc); len(started) != 1 {
		t.Fatalf("expected carve-out inside the transaction")
	}
	undo.Rollback()

	if !l.Unallocated(usdc).Equal(d(600)) {
		t.Errorf("unallocated after rollback = %s, want 600", l.Unallocated(usdc))
	}
	if len(l.ActivePeriods(usdc)) != 0 {
		t.Error("active index not rolled back")
	}
	rec, err := l.Period(usdc, l.Collecting(usdc))
	if err != nil {
		t.Fatalf("collecting period lost: %v", err)
	}
	if rec.Status != model.PeriodCollecting || rec.Contributors != 1 {
		t.Errorf("collecting period after rollback: %+v", rec)
	}
	if got := len(l.Periods(usdc)); got != 1 {
		t.Errorf("expected 1 period after rollback, got %d", got)
	}
}

func TestSnapshot_RestoreResumesLedger(t *testing.T) {
	l := newLedger()
	mustContribute(t, l, alice, usdc, 600, 1000)
	mustContribute(t, l, bob, usdc, 700, 1000)
	mustContribute(t, l, alice, weth, 50, 1000)
	l.MaybeStartPeriod(usdc)
	if _, err := l.Settle(usdc, 1, d(100)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, _, err := l.MarkClaimed(alice, usdc, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}

	books := l.Snapshot()
	if len(books) != 2 || books[0].Asset != usdc || books[1].Asset != weth {
		t.Fatalf("books not ordered by asset: %+v", books)
	}

	restored := newLedger()
	if err := restored.Restore(books); err != nil {
		t.Fatalf("restore: %v", err)
	}
	want, _ := l.Period(usdc, 1)
	got, err := restored.Period(usdc, 1)
	if err != nil {
		t.Fatalf("period: %v", err)
	}
	if got.Claims != 1 || got.Contributors != want.Contributors || !got.ProfitPerDollar.Equal(want.ProfitPerDollar) {
		t.Errorf("restored period = %+v, want %+v", got, want)
	}
	if _, _, err := restored.MarkClaimed(alice, usdc, 1); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("second claim err = %v, want ErrAlreadyClaimed", err)
	}
	if _, _, err := restored.MarkClaimed(bob, usdc, 1); err != nil {
		t.Errorf("bob claim: %v", err)
	}
	if restored.Collecting(usdc) != 2 || !restored.Unallocated(usdc).Equal(d(300)) {
		t.Errorf("collecting = %d unallocated = %s, want 2 and 300", restored.Collecting(usdc), restored.Unallocated(usdc))
	}

	// New periods continue the saved id sequence.
	mustContribute(t, restored, bob, usdc, 700, 1000)
	if started := restored.MaybeStartPeriod(usdc); len(started) != 1 || started[0].ID != 2 {
		t.Fatalf("started = %+v, want period 2", started)
	}
	if restored.Collecting(usdc) != 0 {
		t.Errorf("collecting = %d, want none", restored.Collecting(usdc))
	}

	bad := l.Snapshot()
	bad[0].NextID = 1
	if err := newLedger().Restore(bad); !errors.Is(err, ErrUnknownPeriod) {
		t.Errorf("restore with stale next id err = %v, want ErrUnknownPeriod", err)
	}
}
