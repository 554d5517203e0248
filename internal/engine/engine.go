// Package engine is the composition root of the settlement engine. It owns
// every ledger, serializes public entry points behind one mutex and makes
// each of them all-or-nothing: an entry point either commits every effect or
// rolls all of them back.
//
// Before a commit the engine saves its full state through the store; a
// failed save rolls the operation back. New reloads the last saved state.
//
// After a commit the engine appends journal entries, saves touched period
// snapshots and publishes events. Those sinks are best effort: a failure is
// logged and counted but never undoes the committed ledger.
package engine

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/access"
	"github.com/atmx/settlement-engine/internal/bank"
	"github.com/atmx/settlement-engine/internal/controller"
	"github.com/atmx/settlement-engine/internal/custody"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/notify"
	"github.com/atmx/settlement-engine/internal/oracle"
	"github.com/atmx/settlement-engine/internal/period"
	"github.com/atmx/settlement-engine/internal/pool"
	"github.com/atmx/settlement-engine/internal/reserve"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/txn"
)

var (
	ErrInvalidConfig    = errors.New("engine: invalid configuration")
	ErrFaucetDisabled   = errors.New("engine: faucet is disabled")
	ErrUnknownHolder    = errors.New("engine: unknown sweep source")
	ErrUnsupportedAsset = errors.New("engine: unsupported asset")
	ErrInternal         = errors.New("engine: internal error")
	ErrPersist          = errors.New("engine: state not persisted")
)

// Holder names an engine-owned balance an admin may sweep.
type Holder string

const (
	HolderPool       Holder = "pool"
	HolderController Holder = "controller"
)

// Config wires an Engine.
type Config struct {
	PoolAddress       common.Address
	ControllerAddress common.Address
	WalletAddress     common.Address
	ReserveAddress    common.Address
	ChainID           *big.Int
	// SignerKey signs custody releases. Its address becomes the wallet's
	// initial authority.
	SignerKey *ecdsa.PrivateKey
	// FaucetEnabled allows Faucet and SimulateExecutor (development only).
	FaucetEnabled bool
	Logger        *slog.Logger
}

// Engine is safe for concurrent use.
type Engine struct {
	mu     sync.Mutex
	sinkMu sync.Mutex

	undo    *txn.Log
	bank    *bank.Bank
	ledger  *period.Ledger
	pool    *pool.Pool
	ctrl    *controller.Controller
	wallet  *custody.Wallet
	reserve *reserve.Fund
	quotes  *oracle.Adapter
	auth    access.Authorizer

	store  store.Store
	pub    notify.Publisher
	log    *slog.Logger
	now    func() time.Time
	faucet bool
	seq    uint64
}

// New assembles an engine and restores the state last saved in st. st and
// pub may be nil, in which case an in-memory store and a no-op publisher are
// used.
func New(cfg Config, auth access.Authorizer, quotes *oracle.Adapter, st store.Store, pub notify.Publisher) (*Engine, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if quotes == nil {
		quotes = oracle.NewAdapter()
	}
	if st == nil {
		st = store.NewMemoryStore()
	}
	if pub == nil {
		pub = notify.Nop{}
	}

	undo := txn.NewLog()
	b := bank.New(undo)
	ledger := period.NewLedger(undo)
	fund := reserve.NewFund(cfg.ReserveAddress, b, undo)
	wallet := custody.NewWallet(cfg.WalletAddress, cfg.ControllerAddress,
		crypto.PubkeyToAddress(cfg.SignerKey.PublicKey), cfg.ChainID, b, undo)
	p := pool.New(pool.Config{
		Address:           cfg.PoolAddress,
		ControllerAddress: cfg.ControllerAddress,
		Logger:            logger,
	}, b, quotes, ledger, auth, undo)
	ctrl := controller.New(controller.Config{
		Address:     cfg.ControllerAddress,
		PoolAddress: cfg.PoolAddress,
		Signer:      cfg.SignerKey,
		ChainID:     cfg.ChainID,
		Logger:      logger,
	}, b, undo, auth)
	p.Bind(ctrl)
	ctrl.Bind(p, wallet, fund, p)

	e := &Engine{
		undo:    undo,
		bank:    b,
		ledger:  ledger,
		pool:    p,
		ctrl:    ctrl,
		wallet:  wallet,
		reserve: fund,
		quotes:  quotes,
		auth:    auth,
		store:   st,
		pub:     pub,
		log:     logger.With("component", "engine"),
		now:     func() time.Time { return time.Now().UTC() },
		faucet:  cfg.FaucetEnabled,
	}
	if err := e.restore(context.Background(), crypto.PubkeyToAddress(cfg.SignerKey.PublicKey)); err != nil {
		return nil, err
	}
	return e, nil
}

func validate(cfg Config) error {
	if cfg.SignerKey == nil {
		return fmt.Errorf("%w: signer key required", ErrInvalidConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return fmt.Errorf("%w: chain id must be positive", ErrInvalidConfig)
	}
	seen := make(map[common.Address]string)
	for name, addr := range map[string]common.Address{
		"pool":       cfg.PoolAddress,
		"controller": cfg.ControllerAddress,
		"wallet":     cfg.WalletAddress,
		"reserve":    cfg.ReserveAddress,
	} {
		if addr == (common.Address{}) {
			return fmt.Errorf("%w: %s address is zero", ErrInvalidConfig, name)
		}
		if other, dup := seen[addr]; dup {
			return fmt.Errorf("%w: %s and %s share address %s", ErrInvalidConfig, name, other, addr.Hex())
		}
		seen[addr] = name
	}
	return nil
}

// SetClock overrides the wall clock of every component.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
	e.pool.SetClock(now)
	e.ctrl.SetClock(now)
	e.ledger.SetClock(now)
}

// --- Transaction boundary ---

// batch collects what a committed operation reports to the sinks.
type batch struct {
	entries []model.JournalEntry
	periods map[periodRef]bool
	order   []periodRef
}

type periodRef struct {
	asset common.Address
	id    uint64
}

func (b *batch) add(entry model.JournalEntry) {
	b.entries = append(b.entries, entry)
}

func (b *batch) touch(asset common.Address, ids ...uint64) {
	if b.periods == nil {
		b.periods = make(map[periodRef]bool)
	}
	for _, id := range ids {
		ref := periodRef{asset, id}
		if id == 0 || b.periods[ref] {
			continue
		}
		b.periods[ref] = true
		b.order = append(b.order, ref)
	}
}

// run executes fn as one all-or-nothing operation.
func (e *Engine) run(ctx context.Context, op string, fn func(b *batch) error) error {
	start := time.Now()
	e.mu.Lock()

	e.undo.Begin()
	b := &batch{}
	var entries []model.JournalEntry
	err := e.call(fn, b)
	if err == nil {
		prev := e.seq
		entries = e.seal(b.entries)
		if err = e.save(ctx); err != nil {
			e.seq = prev
			metrics.StateSaveFailures.Inc()
			e.log.Error("state save failed", "op", op, "err", err)
			err = fmt.Errorf("%w: %v", ErrPersist, err)
		}
	}
	if err != nil {
		e.undo.Rollback()
		e.mu.Unlock()
		metrics.OperationsTotal.WithLabelValues(op, "rejected").Inc()
		metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
		e.log.Debug("operation rejected", "op", op, "err", err)
		return err
	}
	e.undo.Commit()

	periods := make([]model.PeriodRecord, 0, len(b.order))
	for _, ref := range b.order {
		if rec, err := e.ledger.Period(ref.asset, ref.id); err == nil {
			periods = append(periods, rec)
		}
	}
	summary := e.pool.Summary()

	// Sinks run in commit order without holding the ledger lock.
	e.sinkMu.Lock()
	e.mu.Unlock()
	defer e.sinkMu.Unlock()

	metrics.OperationsTotal.WithLabelValues(op, "committed").Inc()
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.TotalUSD.Set(metrics.FromWei(summary.TotalUSD))
	metrics.TotalShares.Set(metrics.FromWei(summary.TotalShares))

	e.flush(ctx, entries, periods)
	return nil
}

// call runs fn and converts a panic into an error so the transaction can
// still roll back.
func (e *Engine) call(fn func(b *batch) error, b *batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("operation panicked", "panic", r)
			err = fmt.Errorf("%w: %v", ErrInternal, r)
		}
	}()
	return fn(b)
}

// seal assigns ids, sequence numbers and timestamps. Caller holds mu.
func (e *Engine) seal(entries []model.JournalEntry) []model.JournalEntry {
	now := e.now()
	for i := range entries {
		e.seq++
		entries[i].ID = uuid.NewString()
		entries[i].Sequence = e.seq
		entries[i].Timestamp = now
	}
	return entries
}

// --- State ---

func (e *Engine) snapshot() model.State {
	return model.State{
		Sequence:   e.seq,
		SavedAt:    e.now(),
		Balances:   e.bank.Snapshot(),
		Pool:       e.pool.Snapshot(),
		Periods:    e.ledger.Snapshot(),
		Controller: e.ctrl.Snapshot(),
		Custody:    e.wallet.Snapshot(),
		Reserve:    e.reserve.Snapshot(),
	}
}

// save writes the state including the running operation. Caller holds mu.
func (e *Engine) save(ctx context.Context) error {
	st := e.snapshot()
	return e.store.SaveState(context.WithoutCancel(ctx), &st)
}

// restore loads the last saved state. A store without one leaves the engine
// empty. Private keys are never saved, so the wallet authority is reset to
// signer, the key the controller signs releases with.
func (e *Engine) restore(ctx context.Context, signer common.Address) error {
	st, err := e.store.LoadState(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load engine state: %w", err)
	}
	if err := e.bank.Restore(st.Balances); err != nil {
		return fmt.Errorf("restore balances: %w", err)
	}
	e.pool.Restore(st.Pool)
	if err := e.ledger.Restore(st.Periods); err != nil {
		return fmt.Errorf("restore periods: %w", err)
	}
	e.ctrl.Restore(st.Controller)
	if err := e.wallet.Restore(st.Custody); err != nil {
		return fmt.Errorf("restore custody: %w", err)
	}
	e.reserve.Restore(st.Reserve)
	e.seq = st.Sequence

	if st.Custody.Authority != signer {
		e.log.Warn("saved release authority replaced by signer key",
			"authority", st.Custody.Authority.Hex(), "signer", signer.Hex())
		if err := e.wallet.SetAuthority(signer); err != nil {
			return fmt.Errorf("restore custody: %w", err)
		}
	}
	summary := e.pool.Summary()
	metrics.TotalUSD.Set(metrics.FromWei(summary.TotalUSD))
	metrics.TotalShares.Set(metrics.FromWei(summary.TotalShares))
	e.log.Info("engine state restored",
		"sequence", st.Sequence,
		"saved_at", st.SavedAt,
		"assets", len(st.Pool.Assets),
		"accounts", len(st.Pool.Shares),
	)
	return nil
}

func (e *Engine) flush(ctx context.Context, entries []model.JournalEntry, periods []model.PeriodRecord) {
	// Sinks must not be cut short by a cancelled request.
	ctx = context.WithoutCancel(ctx)

	for i := range entries {
		if err := e.store.AppendEntry(ctx, &entries[i]); err != nil {
			metrics.SinkFailures.WithLabelValues("journal").Inc()
			e.log.Error("journal append failed", "seq", entries[i].Sequence, "kind", entries[i].Kind, "err", err)
		}
	}
	byID := make(map[periodRef]*model.PeriodRecord, len(periods))
	for i := range periods {
		if err := e.store.SavePeriod(ctx, &periods[i]); err != nil {
			metrics.SinkFailures.WithLabelValues("period").Inc()
			e.log.Error("period snapshot failed", "asset", periods[i].Asset.Hex(), "period", periods[i].ID, "err", err)
		}
		byID[periodRef{periods[i].Asset, periods[i].ID}] = &periods[i]
	}
	for _, entry := range entries {
		ev := notify.FromEntry(entry)
		ev.Period = byID[periodRef{entry.Asset, entry.PeriodID}]
		if err := e.pub.Publish(ctx, ev); err != nil {
			metrics.SinkFailures.WithLabelValues("publish").Inc()
			e.log.Warn("event publish failed", "seq", entry.Sequence, "kind", entry.Kind, "err", err)
		}
	}
}

// --- helpers ---

func (e *Engine) assetLabel(asset common.Address) string {
	if cfg, ok := e.pool.Asset(asset); ok && cfg.Symbol != "" {
		return cfg.Symbol
	}
	return asset.Hex()
}

// usdOf values amount of asset for observability. Errors yield zero.
func (e *Engine) usdOf(ctx context.Context, asset common.Address, amount decimal.Decimal) decimal.Decimal {
	cfg, ok := e.pool.Asset(asset)
	if !ok || !amount.IsPositive() {
		return decimal.Zero
	}
	usd, err := e.quotes.Quote(ctx, cfg.OracleRef, asset, amount, cfg.Decimals)
	if err != nil {
		return decimal.Zero
	}
	return usd
}

// startedEntries journals the periods a deposit or threshold change carved
// out and the trade requests opened for them.
func (e *Engine) startedEntries(b *batch, asset common.Address, started []model.PeriodRecord, requests []model.TradeRequest) {
	for _, rec := range started {
		b.add(model.JournalEntry{
			Kind:     model.EntryPeriodStarted,
			Asset:    asset,
			PeriodID: rec.ID,
			USD:      rec.AllocatedUSD,
		})
		b.touch(asset, rec.ID)
		metrics.PeriodsStarted.WithLabelValues(e.assetLabel(asset)).Inc()
	}
	for _, req := range requests {
		b.add(model.JournalEntry{
			Kind:      model.EntryTradeOpened,
			Account:   e.wallet.Address(),
			Asset:     asset,
			PeriodID:  req.PeriodID,
			RequestID: req.ID,
			Amount:    req.Amount,
		})
	}
}

// outcomeEntries journals a reported trading result.
func (e *Engine) outcomeEntries(ctx context.Context, b *batch, kind model.EntryKind, caller common.Address, out controller.Outcome) {
	b.add(model.JournalEntry{
		Kind:      kind,
		Account:   caller,
		Asset:     out.Asset,
		PeriodID:  out.PeriodID,
		RequestID: out.RequestID,
		Amount:    out.PnL,
		USD:       out.USD,
	})
	label := e.assetLabel(out.Asset)
	if out.RequestID != 0 {
		b.add(model.JournalEntry{
			Kind:      model.EntryPeriodSettled,
			Asset:     out.Asset,
			PeriodID:  out.PeriodID,
			RequestID: out.RequestID,
			USD:       out.USD,
		})
		b.touch(out.Asset, out.PeriodID)
		result := "flat"
		switch {
		case out.PnL.IsPositive():
			result = "profit"
		case out.PnL.IsNegative():
			result = "loss"
		}
		metrics.PeriodsSettled.WithLabelValues(label, result).Inc()
	} else if id, ok := e.ledger.LatestActive(out.Asset); ok && out.Covered.IsPositive() {
		b.touch(out.Asset, id)
	}
	if out.PnL.IsNegative() {
		metrics.LossAbsorbed.WithLabelValues("insurance").Add(metrics.FromWei(e.usdOf(ctx, out.Asset, out.Covered)))
		metrics.LossAbsorbed.WithLabelValues("principal").Add(metrics.FromWei(out.USD.Neg()))
	}
	if out.CoverFailed {
		metrics.CoverFailures.Inc()
	}
}
