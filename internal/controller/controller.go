// Package controller is the allocation engine between the pool, the
// insurance reserve and custody.
//
// Every carved-out period arrives here as an asset chunk: 15% is minted into
// the reserve as insurance and 85% goes to custody for trading under a new
// trade request. Results flow back through ReportResult: profit is split
// 90/10 between the pool period and the reserve; losses are absorbed by the
// asset's insurance allocation first and only the remainder hits pool
// principal.
package controller

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/access"
	"github.com/atmx/settlement-engine/internal/bank"
	"github.com/atmx/settlement-engine/internal/custody"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/reserve"
	"github.com/atmx/settlement-engine/internal/txn"
)

const (
	// InsurancePercent of every forwarded chunk is minted into the reserve.
	InsurancePercent = 15
	// ReservePercent of every profit goes to the reserve.
	ReservePercent = 10
)

var (
	ErrNotPool          = errors.New("controller: caller is not the pool")
	ErrRequestNotActive = errors.New("controller: trade request not active")
	ErrNoActiveRequest  = errors.New("controller: no active trade request for asset")
	ErrUnsupportedAsset = errors.New("controller: unsupported asset")
	ErrZeroAmount       = errors.New("controller: amount must be positive")
	ErrNoSigner         = errors.New("controller: no signing key configured")
)

// Pool is the controller's view of pool accounting. Amounts are in asset
// units; the pool values them and returns the USD it booked.
type Pool interface {
	RecordPeriodProfit(ctx context.Context, caller, asset common.Address, periodID uint64, amount decimal.Decimal) (decimal.Decimal, error)
	RecordPeriodLoss(ctx context.Context, caller, asset common.Address, periodID uint64, loss, covered decimal.Decimal) (decimal.Decimal, error)
	RecordProfit(ctx context.Context, caller, asset common.Address, amount decimal.Decimal) (decimal.Decimal, error)
	RecordLoss(ctx context.Context, caller, asset common.Address, loss, covered decimal.Decimal) (decimal.Decimal, error)
}

// Custody is the wallet trading funds are parked in.
type Custody interface {
	Address() common.Address
	ReceiveFunds(caller, from, asset common.Address, amount decimal.Decimal) (model.Session, error)
	Release(ctx context.Context, asset common.Address, amount decimal.Decimal, signature []byte) (decimal.Decimal, error)
	CurrentPnL(asset common.Address) decimal.Decimal
	Nonce(asset common.Address) uint64
	Rebase(caller, asset common.Address) error
}

// AssetRegistry reports asset configuration.
type AssetRegistry interface {
	Asset(asset common.Address) (model.AssetConfig, bool)
}

// Outcome describes what one reported result did.
type Outcome struct {
	RequestID   uint64          `json:"request_id,omitempty"`
	Asset       common.Address  `json:"asset"`
	PeriodID    uint64          `json:"period_id,omitempty"`
	PnL         decimal.Decimal `json:"pnl"` // signed, asset units
	ReserveCut  decimal.Decimal `json:"reserve_cut"`
	PoolCut     decimal.Decimal `json:"pool_cut"`
	Covered     decimal.Decimal `json:"covered"`   // paid by the reserve
	Principal   decimal.Decimal `json:"principal"` // charged to pool principal
	USD         decimal.Decimal `json:"usd"`       // profit or principal loss booked by the pool
	CoverFailed bool            `json:"cover_failed"`
}

// Config wires a Controller.
type Config struct {
	Address     common.Address
	PoolAddress common.Address
	Signer      *ecdsa.PrivateKey
	ChainID     *big.Int
	Logger      *slog.Logger
}

// Controller is the allocation engine. Not safe for concurrent use; the
// engine serializes access.
type Controller struct {
	address  common.Address
	poolAddr common.Address
	signer   *ecdsa.PrivateKey
	chainID  *big.Int

	pool     Pool
	custody  Custody
	reserve  reserve.Reserve
	registry AssetRegistry
	auth     access.Authorizer
	bank     *bank.Bank
	undo     *txn.Log
	guard    txn.Guard
	log      *slog.Logger
	now      func() time.Time

	allocations  map[common.Address]*model.Allocation
	global       model.Allocation
	requests     map[uint64]*model.TradeRequest
	nextRequest  uint64
	cumProfitUSD decimal.Decimal
	cumLossUSD   decimal.Decimal
	activeCount  int
}

// New creates a controller. Collaborators are attached with Bind.
func New(cfg Config, b *bank.Bank, undo *txn.Log, auth access.Authorizer) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chainID := cfg.ChainID
	if chainID == nil {
		chainID = big.NewInt(1)
	}
	return &Controller{
		address:     cfg.Address,
		poolAddr:    cfg.PoolAddress,
		signer:      cfg.Signer,
		chainID:     new(big.Int).Set(chainID),
		auth:        auth,
		bank:        b,
		undo:        undo,
		log:         logger.With("component", "controller"),
		now:         func() time.Time { return time.Now().UTC() },
		allocations: make(map[common.Address]*model.Allocation),
		requests:    make(map[uint64]*model.TradeRequest),
		nextRequest: 1,
	}
}

// Bind attaches the pool, custody, reserve and registry collaborators.
func (c *Controller) Bind(pool Pool, cust Custody, res reserve.Reserve, registry AssetRegistry) {
	c.pool = pool
	c.custody = cust
	c.reserve = res
	c.registry = registry
}

// SetClock overrides the wall clock used for request timestamps.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

// Address returns the controller's holder address.
func (c *Controller) Address() common.Address { return c.address }

// SignerAddress returns the address of the current signing key.
func (c *Controller) SignerAddress() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(c.signer.PublicKey)
}

// --- Inflow ---

// ReceiveFunds splits a forwarded period chunk into insurance and trading
// cuts and opens a trade request for the trading cut. The pool must have
// already moved amount to the controller.
func (c *Controller) ReceiveFunds(ctx context.Context, caller, asset common.Address, amount decimal.Decimal, periodID uint64) (model.TradeRequest, error) {
	if err := c.guard.Enter(); err != nil {
		return model.TradeRequest{}, err
	}
	defer c.guard.Exit()

	if caller != c.poolAddr {
		return model.TradeRequest{}, fmt.Errorf("%w: %s", ErrNotPool, caller.Hex())
	}
	if !amount.IsPositive() {
		return model.TradeRequest{}, ErrZeroAmount
	}
	if _, ok := c.registry.Asset(asset); !ok {
		return model.TradeRequest{}, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset.Hex())
	}

	insurance := money.Percent(amount, InsurancePercent)
	trading := amount.Sub(insurance)

	alloc := c.allocationFor(asset)
	c.touchAllocation(alloc)
	alloc.InsuranceAllocated = alloc.InsuranceAllocated.Add(insurance)
	alloc.TradingAllocated = alloc.TradingAllocated.Add(trading)
	c.global.InsuranceAllocated = c.global.InsuranceAllocated.Add(insurance)
	c.global.TradingAllocated = c.global.TradingAllocated.Add(trading)

	if insurance.IsPositive() {
		shares, err := c.reserve.Mint(ctx, c.address, asset, insurance)
		if err != nil {
			return model.TradeRequest{}, fmt.Errorf("mint insurance: %w", err)
		}
		alloc.ReserveShares = alloc.ReserveShares.Add(shares)
	}
	if trading.IsPositive() {
		if err := c.bank.Transfer(asset, c.address, c.custody.Address(), trading); err != nil {
			return model.TradeRequest{}, fmt.Errorf("forward to custody: %w", err)
		}
		if _, err := c.custody.ReceiveFunds(c.address, c.address, asset, trading); err != nil {
			return model.TradeRequest{}, fmt.Errorf("custody receive: %w", err)
		}
	}

	req := &model.TradeRequest{
		ID:        c.nextRequest,
		Asset:     asset,
		PeriodID:  periodID,
		Amount:    trading,
		Timestamp: c.now(),
		IsActive:  true,
	}
	c.nextRequest++
	c.activeCount++
	c.requests[req.ID] = req
	c.undo.Record(func() { delete(c.requests, req.ID) })

	c.log.Info("trade request opened",
		"request", req.ID,
		"asset", asset.Hex(),
		"period", periodID,
		"insurance", insurance.String(),
		"trading", trading.String(),
	)
	return *req, nil
}

// --- Results ---

// ReportResult settles a trade request with a signed P&L in asset units.
// The caller must hold OpReporter. The reported result supersedes whatever
// the asset's custody session has measured so far, so the session is
// rebased and CheckCustodyPnL cannot book the same result again.
func (c *Controller) ReportResult(ctx context.Context, caller common.Address, requestID uint64, pnl decimal.Decimal) (Outcome, error) {
	if err := access.Require(c.auth, caller, access.OpReporter); err != nil {
		return Outcome{}, err
	}
	if err := c.guard.Enter(); err != nil {
		return Outcome{}, err
	}
	defer c.guard.Exit()

	out, err := c.reportResult(ctx, requestID, pnl)
	if err != nil {
		return Outcome{}, err
	}
	if err := c.custody.Rebase(c.address, out.Asset); err != nil {
		return Outcome{}, fmt.Errorf("custody rebase: %w", err)
	}
	return out, nil
}

func (c *Controller) reportResult(ctx context.Context, requestID uint64, pnl decimal.Decimal) (Outcome, error) {
	req, ok := c.requests[requestID]
	if !ok || !req.IsActive {
		return Outcome{}, fmt.Errorf("%w: %d", ErrRequestNotActive, requestID)
	}
	c.touchRequest(req)
	req.IsActive = false
	req.IsCompleted = true
	req.ResultPnL = pnl
	c.activeCount--

	out := Outcome{RequestID: req.ID, Asset: req.Asset, PeriodID: req.PeriodID, PnL: pnl}
	var err error
	switch {
	case pnl.IsPositive():
		err = c.distributeProfit(ctx, req.Asset, pnl, &out, func(poolCut decimal.Decimal) (decimal.Decimal, error) {
			return c.pool.RecordPeriodProfit(ctx, c.address, req.Asset, req.PeriodID, poolCut)
		})
	case pnl.IsNegative():
		err = c.absorbLoss(ctx, req.Asset, pnl.Neg(), &out, func(loss, covered decimal.Decimal) (decimal.Decimal, error) {
			return c.pool.RecordPeriodLoss(ctx, c.address, req.Asset, req.PeriodID, loss, covered)
		})
	default:
		_, err = c.pool.RecordPeriodProfit(ctx, c.address, req.Asset, req.PeriodID, decimal.Zero)
	}
	if err != nil {
		return Outcome{}, err
	}

	c.log.Info("trade result reported",
		"request", req.ID,
		"asset", req.Asset.Hex(),
		"period", req.PeriodID,
		"pnl", pnl.String(),
		"usd", out.USD.String(),
	)
	return out, nil
}

// ReportProfit books profit outside any trade request on the legacy global
// period path. The controller must already hold the profit.
func (c *Controller) ReportProfit(ctx context.Context, caller, asset common.Address, profit decimal.Decimal) (Outcome, error) {
	if err := access.Require(c.auth, caller, access.OpReporter); err != nil {
		return Outcome{}, err
	}
	if err := c.guard.Enter(); err != nil {
		return Outcome{}, err
	}
	defer c.guard.Exit()

	if !profit.IsPositive() {
		return Outcome{}, ErrZeroAmount
	}
	out := Outcome{Asset: asset, PnL: profit}
	err := c.distributeProfit(ctx, asset, profit, &out, func(poolCut decimal.Decimal) (decimal.Decimal, error) {
		return c.pool.RecordProfit(ctx, c.address, asset, poolCut)
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// ReportLoss books a loss outside any trade request on the legacy global
// period path.
func (c *Controller) ReportLoss(ctx context.Context, caller, asset common.Address, loss decimal.Decimal) (Outcome, error) {
	if err := access.Require(c.auth, caller, access.OpReporter); err != nil {
		return Outcome{}, err
	}
	if err := c.guard.Enter(); err != nil {
		return Outcome{}, err
	}
	defer c.guard.Exit()

	if !loss.IsPositive() {
		return Outcome{}, ErrZeroAmount
	}
	out := Outcome{Asset: asset, PnL: loss.Neg()}
	err := c.absorbLoss(ctx, asset, loss, &out, func(l, covered decimal.Decimal) (decimal.Decimal, error) {
		return c.pool.RecordLoss(ctx, c.address, asset, l, covered)
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// distributeProfit sends ReservePercent of profit to the reserve and the
// rest to the pool, then lets book record the pool's share.
func (c *Controller) distributeProfit(ctx context.Context, asset common.Address, profit decimal.Decimal, out *Outcome, book func(decimal.Decimal) (decimal.Decimal, error)) error {
	reserveCut := money.Percent(profit, ReservePercent)
	poolCut := profit.Sub(reserveCut)

	if reserveCut.IsPositive() {
		if err := c.reserve.AddProfit(ctx, c.address, asset, reserveCut); err != nil {
			return fmt.Errorf("reserve profit: %w", err)
		}
	}
	if err := c.bank.Transfer(asset, c.address, c.poolAddr, poolCut); err != nil {
		return fmt.Errorf("pay pool profit: %w", err)
	}
	usd, err := book(poolCut)
	if err != nil {
		return err
	}
	c.setCumProfit(c.cumProfitUSD.Add(usd))

	out.ReserveCut = reserveCut
	out.PoolCut = poolCut
	out.USD = usd
	return nil
}

// absorbLoss runs the loss waterfall. Tier one draws up to the asset's
// insurance allocation from the reserve in a single all-or-nothing call; if
// the reserve cannot pay, the tier falls through and the whole loss reaches
// pool principal. book records the loss with the pool and returns the
// principal USD it charged.
func (c *Controller) absorbLoss(ctx context.Context, asset common.Address, loss decimal.Decimal, out *Outcome, book func(loss, covered decimal.Decimal) (decimal.Decimal, error)) error {
	alloc := c.allocationFor(asset)
	c.touchAllocation(alloc)

	covered := decimal.Zero
	if tier := money.Min(loss, alloc.InsuranceAllocated); tier.IsPositive() {
		err := c.reserve.CoverLoss(ctx, asset, tier, c.poolAddr)
		switch {
		case err == nil:
			covered = tier
			alloc.InsuranceAllocated = alloc.InsuranceAllocated.Sub(tier)
			c.global.InsuranceAllocated = c.global.InsuranceAllocated.Sub(tier)
		case errors.Is(err, reserve.ErrInsufficientReserve):
			out.CoverFailed = true
			c.log.Warn("insurance cover unavailable, loss falls through to pool",
				"asset", asset.Hex(),
				"tier", tier.String(),
				"err", err,
			)
		default:
			return fmt.Errorf("insurance cover: %w", err)
		}
	}

	tradingHit := money.Min(loss, alloc.TradingAllocated)
	alloc.TradingAllocated = alloc.TradingAllocated.Sub(tradingHit)
	c.global.TradingAllocated = c.global.TradingAllocated.Sub(tradingHit)

	principalUSD, err := book(loss, covered)
	if err != nil {
		return err
	}
	c.setCumLoss(c.cumLossUSD.Add(principalUSD))

	out.Covered = covered
	out.Principal = loss.Sub(covered)
	out.USD = principalUSD.Neg()
	return nil
}

// --- Custody reconciliation ---

// CheckCustodyPnL closes the asset's custody session and reports its result
// into the most recent active trade request for the asset. A zero P&L is a
// no-op. A profit is released to the controller; a loss is closed with a
// zero-amount release so the same loss is never reported twice.
func (c *Controller) CheckCustodyPnL(ctx context.Context, caller, asset common.Address) (Outcome, bool, error) {
	if err := access.RequireAny(c.auth, caller, access.OpKeeper, access.OpReporter); err != nil {
		return Outcome{}, false, err
	}
	if err := c.guard.Enter(); err != nil {
		return Outcome{}, false, err
	}
	defer c.guard.Exit()

	pnl := c.custody.CurrentPnL(asset)
	if pnl.IsZero() {
		return Outcome{}, false, nil
	}
	req, ok := c.latestActiveRequest(asset)
	if !ok {
		return Outcome{}, false, fmt.Errorf("%w: %s", ErrNoActiveRequest, asset.Hex())
	}

	amount := decimal.Zero
	if pnl.IsPositive() {
		amount = pnl
	}
	sig, err := c.signRelease(asset, amount)
	if err != nil {
		return Outcome{}, false, err
	}
	if _, err := c.custody.Release(ctx, asset, amount, sig); err != nil {
		return Outcome{}, false, fmt.Errorf("custody release: %w", err)
	}

	out, err := c.reportResult(ctx, req.ID, pnl)
	if err != nil {
		return Outcome{}, false, err
	}
	return out, true, nil
}

// SignRelease produces an authority signature for a custody release of
// amount at the wallet's current nonce.
func (c *Controller) SignRelease(asset common.Address, amount decimal.Decimal) ([]byte, error) {
	return c.signRelease(asset, amount)
}

func (c *Controller) signRelease(asset common.Address, amount decimal.Decimal) ([]byte, error) {
	if c.signer == nil {
		return nil, ErrNoSigner
	}
	return custody.SignRelease(c.signer, c.custody.Address(), asset, amount, c.custody.Nonce(asset), c.chainID)
}

// RotateSigner replaces the signing key. The caller must also point the
// custody wallet at the new key's address.
func (c *Controller) RotateSigner(key *ecdsa.PrivateKey) error {
	if key == nil {
		return ErrNoSigner
	}
	prev := c.signer
	c.undo.Record(func() { c.signer = prev })
	c.signer = key
	return nil
}

// Sweep moves controller-held funds to any destination.
func (c *Controller) Sweep(asset, to common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrZeroAmount
	}
	return c.bank.Transfer(asset, c.address, to, amount)
}

// --- Queries ---

// SystemMetrics returns the live accounting summary.
func (c *Controller) SystemMetrics() model.SystemMetrics {
	return model.SystemMetrics{
		CumulativeProfitUSD: c.cumProfitUSD,
		CumulativeLossUSD:   c.cumLossUSD,
		InsuranceAllocated:  c.global.InsuranceAllocated,
		TradingAllocated:    c.global.TradingAllocated,
		ActiveRequests:      c.activeCount,
		TotalRequests:       c.nextRequest - 1,
	}
}

// Allocation returns the asset's allocation ledger.
func (c *Controller) Allocation(asset common.Address) model.Allocation {
	if a, ok := c.allocations[asset]; ok {
		return *a
	}
	return model.Allocation{Asset: asset}
}

// Request returns one trade request.
func (c *Controller) Request(id uint64) (model.TradeRequest, bool) {
	r, ok := c.requests[id]
	if !ok {
		return model.TradeRequest{}, false
	}
	return *r, true
}

// Requests returns every trade request of asset in id order; the zero
// address selects all assets.
func (c *Controller) Requests(asset common.Address) []model.TradeRequest {
	var out []model.TradeRequest
	for id := uint64(1); id < c.nextRequest; id++ {
		r, ok := c.requests[id]
		if !ok {
			continue
		}
		if asset != (common.Address{}) && r.Asset != asset {
			continue
		}
		out = append(out, *r)
	}
	return out
}

func (c *Controller) latestActiveRequest(asset common.Address) (*model.TradeRequest, bool) {
	for id := c.nextRequest - 1; id >= 1; id-- {
		r, ok := c.requests[id]
		if ok && r.IsActive && r.Asset == asset {
			return r, true
		}
	}
	return nil, false
}

// --- State ---

// Snapshot returns the allocation ledger, every trade request and the
// cumulative results.
func (c *Controller) Snapshot() model.ControllerState {
	st := model.ControllerState{
		Global:              c.global,
		Requests:            c.Requests(common.Address{}),
		NextRequest:         c.nextRequest,
		CumulativeProfitUSD: c.cumProfitUSD,
		CumulativeLossUSD:   c.cumLossUSD,
	}
	for _, a := range c.allocations {
		st.Allocations = append(st.Allocations, *a)
	}
	sort.Slice(st.Allocations, func(i, j int) bool {
		return bytes.Compare(st.Allocations[i].Asset.Bytes(), st.Allocations[j].Asset.Bytes()) < 0
	})
	return st
}

// Restore replaces the controller's state. It is not undoable and must run
// outside a transaction.
func (c *Controller) Restore(st model.ControllerState) {
	c.allocations = make(map[common.Address]*model.Allocation, len(st.Allocations))
	for _, a := range st.Allocations {
		alloc := a
		c.allocations[a.Asset] = &alloc
	}
	c.global = st.Global
	c.requests = make(map[uint64]*model.TradeRequest, len(st.Requests))
	c.activeCount = 0
	c.nextRequest = st.NextRequest
	if c.nextRequest == 0 {
		c.nextRequest = 1
	}
	for _, r := range st.Requests {
		req := r
		c.requests[r.ID] = &req
		if r.IsActive {
			c.activeCount++
		}
		if r.ID >= c.nextRequest {
			c.nextRequest = r.ID + 1
		}
	}
	c.cumProfitUSD = st.CumulativeProfitUSD
	c.cumLossUSD = st.CumulativeLossUSD
}

// --- undo helpers ---

func (c *Controller) allocationFor(asset common.Address) *model.Allocation {
	if a, ok := c.allocations[asset]; ok {
		return a
	}
	a := &model.Allocation{Asset: asset}
	c.allocations[asset] = a
	c.undo.Record(func() { delete(c.allocations, asset) })
	return a
}

// touchAllocation snapshots the asset and global allocations plus the
// request counters for rollback.
func (c *Controller) touchAllocation(a *model.Allocation) {
	if !c.undo.Active() {
		return
	}
	saved, global := *a, c.global
	next, active := c.nextRequest, c.activeCount
	c.undo.Record(func() {
		*a = saved
		c.global = global
		c.nextRequest = next
		c.activeCount = active
	})
}

func (c *Controller) touchRequest(r *model.TradeRequest) {
	if !c.undo.Active() {
		return
	}
	saved, active := *r, c.activeCount
	c.undo.Record(func() {
		*r = saved
		c.activeCount = active
	})
}

func (c *Controller) setCumProfit(v decimal.Decimal) {
	prev := c.cumProfitUSD
	c.undo.Record(func() { c.cumProfitUSD = prev })
	c.cumProfitUSD = v
}

func (c *Controller) setCumLoss(v decimal.Decimal) {
	prev := c.cumLossUSD
	c.undo.Record(func() { c.cumLossUSD = prev })
	c.cumLossUSD = v
}
