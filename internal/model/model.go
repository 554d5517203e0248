// Package model defines the domain records shared across the settlement
// engine: asset configuration, period snapshots, trade requests, custody
// sessions and the immutable journal.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"bytes"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// AssetConfig is the registry record of a supported asset. Records are never
// deleted; deactivation only clears Supported.
type AssetConfig struct {
	Asset           common.Address  `json:"asset" db:"asset"`
	Symbol          string          `json:"symbol" db:"symbol"`
	Supported       bool            `json:"supported" db:"supported"`
	Decimals        uint8           `json:"decimals" db:"decimals"`
	PeriodThreshold decimal.Decimal `json:"period_threshold" db:"period_threshold"` // USD, 18 decimals
	OracleRef       string          `json:"oracle_ref" db:"oracle_ref"`             // "" = decimal scaling
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// PeriodStatus is the lifecycle stage of a trading period.
type PeriodStatus string

const (
	PeriodCollecting PeriodStatus = "collecting"
	PeriodActive     PeriodStatus = "active"
	PeriodSettled    PeriodStatus = "settled"
)

// PeriodRecord is a point-in-time snapshot of one trading period.
type PeriodRecord struct {
	Asset                    common.Address  `json:"asset" db:"asset"`
	ID                       uint64          `json:"id" db:"id"`
	Status                   PeriodStatus    `json:"status" db:"status"`
	StartTime                time.Time       `json:"start_time" db:"start_time"`
	EndTime                  time.Time       `json:"end_time" db:"end_time"`
	AllocatedUSD             decimal.Decimal `json:"allocated_usd" db:"allocated_usd"`
	CollectedUSD             decimal.Decimal `json:"collected_usd" db:"collected_usd"`
	IsActive                 bool            `json:"is_active" db:"is_active"`
	ProfitsDistributed       bool            `json:"profits_distributed" db:"profits_distributed"`
	PnL                      decimal.Decimal `json:"pnl" db:"pnl"` // signed USD
	ProfitPerDollar          decimal.Decimal `json:"profit_per_dollar" db:"profit_per_dollar"`
	InsuranceRefundPerDollar decimal.Decimal `json:"insurance_refund_per_dollar" db:"insurance_refund_per_dollar"`
	Contributors             int             `json:"contributors" db:"contributors"`
	Claims                   int             `json:"claims" db:"claims"`
}

// AccountPeriod is one account's position in one period.
type AccountPeriod struct {
	Account       common.Address  `json:"account"`
	Asset         common.Address  `json:"asset"`
	PeriodID      uint64          `json:"period_id"`
	Contribution  decimal.Decimal `json:"contribution"`
	ShareSnapshot decimal.Decimal `json:"share_snapshot"`
	Profit        decimal.Decimal `json:"profit"`
	Loss          decimal.Decimal `json:"loss"`
	Refund        decimal.Decimal `json:"refund"`
	Claimed       bool            `json:"claimed"`
}

// TradeRequest tracks one trading cut handed to custody.
type TradeRequest struct {
	ID          uint64          `json:"id" db:"id"`
	Asset       common.Address  `json:"asset" db:"asset"`
	PeriodID    uint64          `json:"period_id" db:"period_id"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
	IsActive    bool            `json:"is_active" db:"is_active"`
	IsCompleted bool            `json:"is_completed" db:"is_completed"`
	ResultPnL   decimal.Decimal `json:"result_pnl" db:"result_pnl"`
}

// Allocation is the controller's running split of forwarded funds.
type Allocation struct {
	Asset              common.Address  `json:"asset"`
	InsuranceAllocated decimal.Decimal `json:"insurance_allocated"`
	TradingAllocated   decimal.Decimal `json:"trading_allocated"`
	ReserveShares      decimal.Decimal `json:"reserve_shares"`
}

// SystemMetrics is the controller's live accounting summary.
type SystemMetrics struct {
	CumulativeProfitUSD decimal.Decimal `json:"cumulative_profit_usd"`
	CumulativeLossUSD   decimal.Decimal `json:"cumulative_loss_usd"`
	InsuranceAllocated  decimal.Decimal `json:"insurance_allocated"`
	TradingAllocated    decimal.Decimal `json:"trading_allocated"`
	ActiveRequests      int             `json:"active_requests"`
	TotalRequests       uint64          `json:"total_requests"`
}

// Session is the custody wallet's per-asset trading session.
type Session struct {
	Asset          common.Address  `json:"asset"`
	ID             uint64          `json:"id"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	Nonce          uint64          `json:"nonce"`
	Balance        decimal.Decimal `json:"balance"`
}

// PoolSummary is the pool-wide accounting view.
type PoolSummary struct {
	TotalUSD      decimal.Decimal `json:"total_usd"`
	TotalShares   decimal.Decimal `json:"total_shares"`
	NAV           decimal.Decimal `json:"nav"` // USD per share, 18 decimals
	LastKnownLoss decimal.Decimal `json:"last_known_loss"`
}

// AccountSummary is one account's pool position.
type AccountSummary struct {
	Account  common.Address                      `json:"account"`
	Shares   decimal.Decimal                     `json:"shares"`
	ValueUSD decimal.Decimal                     `json:"value_usd"`
	Deposits map[common.Address]decimal.Decimal `json:"deposits"` // asset -> smallest units
}

// EntryKind classifies journal entries.
type EntryKind string

const (
	EntryDeposit          EntryKind = "deposit"
	EntryWithdraw         EntryKind = "withdraw"
	EntryClaim            EntryKind = "claim"
	EntryPeriodStarted    EntryKind = "period_started"
	EntryPeriodSettled    EntryKind = "period_settled"
	EntryTradeOpened      EntryKind = "trade_opened"
	EntryResultReported   EntryKind = "result_reported"
	EntryLossReported     EntryKind = "loss_reported"
	EntryProfitReported   EntryKind = "profit_reported"
	EntryCustodyReleased  EntryKind = "custody_released"
	EntryAssetUpdated     EntryKind = "asset_updated"
	EntryAuthorityRotated EntryKind = "authority_rotated"
	EntrySweep            EntryKind = "sweep"
	EntryFaucet           EntryKind = "faucet"
)

// JournalEntry is an immutable record of a committed engine operation.
// Once created, these are never modified or deleted.
type JournalEntry struct {
	ID        string          `json:"id" db:"id"`
	Sequence  uint64          `json:"sequence" db:"sequence"`
	Kind      EntryKind       `json:"kind" db:"kind"`
	Account   common.Address  `json:"account" db:"account"`
	Asset     common.Address  `json:"asset" db:"asset"`
	PeriodID  uint64          `json:"period_id,omitempty" db:"period_id"`
	RequestID uint64          `json:"request_id,omitempty" db:"request_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // asset smallest units
	USD       decimal.Decimal `json:"usd" db:"usd"`       // signed for results
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// EntryFilter narrows journal listings. Zero values match everything.
type EntryFilter struct {
	Account common.Address
	Asset   common.Address
	Kind    EntryKind
	Limit   int
}

// --- Engine state ---

// State is the full in-process ledger of the engine, persisted after every
// committed operation and restored on start. Sequence is the last journal
// sequence number the state includes.
type State struct {
	Sequence   uint64            `json:"sequence"`
	SavedAt    time.Time         `json:"saved_at"`
	Balances   []BalanceRecord   `json:"balances"`
	Pool       PoolState         `json:"pool"`
	Periods    []PeriodBookState `json:"periods"`
	Controller ControllerState   `json:"controller"`
	Custody    CustodyState      `json:"custody"`
	Reserve    ReserveState      `json:"reserve"`
}

// BalanceRecord is a holder's balance of one asset.
type BalanceRecord struct {
	Holder common.Address  `json:"holder"`
	Asset  common.Address  `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// PoolState is the registry and share ledger of the pool.
type PoolState struct {
	Assets        []AssetConfig   `json:"assets"` // registration order
	Shares        []BalanceRecord `json:"shares"` // Asset unused
	Deposits      []BalanceRecord `json:"deposits"`
	PendingProfit []BalanceRecord `json:"pending_profit"` // Holder unused
	TotalShares   decimal.Decimal `json:"total_shares"`
	TotalUSD      decimal.Decimal `json:"total_usd"`
	LastKnownLoss decimal.Decimal `json:"last_known_loss"`
}

// PeriodBookState is one asset's period index and periods.
type PeriodBookState struct {
	Asset       common.Address  `json:"asset"`
	NextID      uint64          `json:"next_id"`
	Collecting  uint64          `json:"collecting"`
	Full        []uint64        `json:"full"`
	Active      []uint64        `json:"active"`
	Unallocated decimal.Decimal `json:"unallocated"`
	Periods     []PeriodState   `json:"periods"`
}

// PeriodState is a period with its per-account positions.
type PeriodState struct {
	Record        PeriodRecord   `json:"record"`
	Contributions []Contribution `json:"contributions"` // first-contribution order
}

// Contribution is one account's stake in a period.
type Contribution struct {
	Account       common.Address  `json:"account"`
	USD           decimal.Decimal `json:"usd"`
	ShareSnapshot decimal.Decimal `json:"share_snapshot"`
	Claimed       bool            `json:"claimed"`
}

// ControllerState is the allocation engine's ledger.
type ControllerState struct {
	Allocations         []Allocation    `json:"allocations"`
	Global              Allocation      `json:"global"`
	Requests            []TradeRequest  `json:"requests"`
	NextRequest         uint64          `json:"next_request"`
	CumulativeProfitUSD decimal.Decimal `json:"cumulative_profit_usd"`
	CumulativeLossUSD   decimal.Decimal `json:"cumulative_loss_usd"`
}

// CustodyState is the wallet's authority and per-asset sessions.
type CustodyState struct {
	Authority common.Address `json:"authority"`
	Sessions  []Session      `json:"sessions"` // Balance unused
}

// ReserveState is the insurance reserve's share ledger.
type ReserveState struct {
	TotalShares []BalanceRecord `json:"total_shares"` // Holder unused
	Shares      []BalanceRecord `json:"shares"`
}

// SortBalances orders records by holder, then asset.
func SortBalances(recs []BalanceRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if c := bytes.Compare(recs[i].Holder.Bytes(), recs[j].Holder.Bytes()); c != 0 {
			return c < 0
		}
		return bytes.Compare(recs[i].Asset.Bytes(), recs[j].Asset.Bytes()) < 0
	})
}
