// Package api provides the HTTP handlers for depositing, withdrawing and
// claiming, reporting trading results, driving custody and administering
// the asset registry.
//
// The calling account is taken from the X-Account header. Authentication is
// expected to happen in front of this service.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/access"
	"github.com/atmx/settlement-engine/internal/bank"
	"github.com/atmx/settlement-engine/internal/controller"
	"github.com/atmx/settlement-engine/internal/custody"
	"github.com/atmx/settlement-engine/internal/engine"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/oracle"
	"github.com/atmx/settlement-engine/internal/period"
	"github.com/atmx/settlement-engine/internal/pool"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/txn"
)

// AccountHeader carries the calling account's address.
const AccountHeader = "X-Account"

// Service exposes an engine over HTTP.
type Service struct {
	eng *engine.Engine
	log *slog.Logger
}

// NewService creates a new API service.
func NewService(eng *engine.Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{eng: eng, log: logger.With("component", "api")}
}

// Routes mounts every endpoint on r, relative to the API prefix.
func (s *Service) Routes(r chi.Router) {
	r.Get("/addresses", s.GetAddresses)
	r.Get("/pool", s.GetPool)

	// Asset registry.
	r.Get("/assets", s.ListAssets)
	r.Post("/assets", s.RegisterAsset)
	r.Get("/assets/{asset}", s.GetAsset)
	r.Post("/assets/{asset}/deactivate", s.DeactivateAsset)
	r.Put("/assets/{asset}/threshold", s.SetThreshold)
	r.Put("/assets/{asset}/oracle", s.SetOracleRef)

	// Pool accounting.
	r.Post("/deposits", s.Deposit)
	r.Post("/withdrawals", s.Withdraw)
	r.Post("/claims", s.Claim)
	r.Get("/accounts/{account}", s.GetAccount)
	r.Get("/accounts/{account}/periods/{asset}/{periodID}", s.GetAccountPeriod)

	// Periods.
	r.Get("/periods/{asset}", s.ListPeriods)
	r.Get("/periods/{asset}/{periodID}", s.GetPeriod)

	// Allocation engine.
	r.Get("/controller/metrics", s.GetSystemMetrics)
	r.Get("/controller/allocations/{asset}", s.GetAllocation)
	r.Get("/requests", s.ListRequests)
	r.Get("/requests/{requestID}", s.GetRequest)
	r.Post("/requests/{requestID}/result", s.ReportResult)
	r.Post("/reports/profit", s.ReportProfit)
	r.Post("/reports/loss", s.ReportLoss)
	r.Get("/reserve/{asset}", s.GetReserve)

	// Custody.
	r.Get("/custody/{asset}", s.GetSession)
	r.Post("/custody/{asset}/check", s.CheckCustodyPnL)
	r.Post("/custody/{asset}/release", s.Release)
	r.Post("/custody/{asset}/simulate", s.SimulateExecutor)

	// Administration.
	r.Post("/admin/rotate-authority", s.RotateAuthority)
	r.Post("/admin/sweep", s.Sweep)
	r.Post("/faucet", s.Faucet)

	r.Get("/balances/{holder}/{asset}", s.GetBalance)
	r.Get("/journal", s.ListJournal)
}

// --- Request/Response types ---

// RegisterAssetRequest is the JSON body for POST /assets.
type RegisterAssetRequest struct {
	Asset           common.Address  `json:"asset"`
	Symbol          string          `json:"symbol"`
	Decimals        uint8           `json:"decimals"`
	PeriodThreshold decimal.Decimal `json:"period_threshold"` // USD, 18 decimals
	OracleRef       string          `json:"oracle_ref"`
}

// ThresholdRequest is the JSON body for PUT /assets/{asset}/threshold.
type ThresholdRequest struct {
	Threshold decimal.Decimal `json:"threshold"`
}

// ThresholdResponse reports the new configuration and any period the
// change carved out.
type ThresholdResponse struct {
	Asset   model.AssetConfig    `json:"asset"`
	Started []model.PeriodRecord `json:"started"`
}

// OracleRequest is the JSON body for PUT /assets/{asset}/oracle.
type OracleRequest struct {
	OracleRef string `json:"oracle_ref"`
}

// DepositRequest is the JSON body for POST /deposits.
type DepositRequest struct {
	Asset  common.Address  `json:"asset"`
	Amount decimal.Decimal `json:"amount"` // asset smallest units
}

// WithdrawRequest is the JSON body for POST /withdrawals.
type WithdrawRequest struct {
	Asset  common.Address  `json:"asset"`
	Shares decimal.Decimal `json:"shares"`
}

// ClaimRequest is the JSON body for POST /claims.
type ClaimRequest struct {
	Asset    common.Address `json:"asset"`
	PeriodID uint64         `json:"period_id"`
	Reinvest bool           `json:"reinvest"`
}

// ResultRequest is the JSON body for POST /requests/{requestID}/result.
type ResultRequest struct {
	PnL decimal.Decimal `json:"pnl"` // signed, asset units
}

// AmountRequest is the JSON body for the legacy profit and loss reports.
type AmountRequest struct {
	Asset  common.Address  `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// CheckResponse is returned from POST /custody/{asset}/check.
type CheckResponse struct {
	Reported bool                `json:"reported"`
	Outcome  *controller.Outcome `json:"outcome,omitempty"`
}

// SessionResponse is returned from GET /custody/{asset}.
type SessionResponse struct {
	model.Session
	CurrentPnL decimal.Decimal `json:"current_pnl"`
	Authority  common.Address  `json:"authority"`
}

// ReleaseRequest is the JSON body for POST /custody/{asset}/release.
type ReleaseRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Signature hexutil.Bytes   `json:"signature"`
}

// ReleaseResponse reports a raw custody release.
type ReleaseResponse struct {
	PnL decimal.Decimal `json:"pnl"`
}

// SimulateRequest is the JSON body for POST /custody/{asset}/simulate.
type SimulateRequest struct {
	PnL decimal.Decimal `json:"pnl"`
}

// SweepRequest is the JSON body for POST /admin/sweep.
type SweepRequest struct {
	From   engine.Holder   `json:"from"`
	Asset  common.Address  `json:"asset"`
	To     common.Address  `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// FaucetRequest is the JSON body for POST /faucet.
type FaucetRequest struct {
	Asset  common.Address  `json:"asset"`
	To     common.Address  `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// --- HTTP Handlers: queries ---

// GetAddresses handles GET /api/v1/addresses
func (s *Service) GetAddresses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Addresses())
}

// GetPool handles GET /api/v1/pool
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Summary())
}

// ListAssets handles GET /api/v1/assets
func (s *Service) ListAssets(w http.ResponseWriter, r *http.Request) {
	assets := s.eng.Assets()
	if assets == nil {
		assets = []model.AssetConfig{}
	}
	writeJSON(w, http.StatusOK, assets)
}

// GetAsset handles GET /api/v1/assets/{asset}
func (s *Service) GetAsset(w http.ResponseWriter, r *http.Request) {
	asset, ok := addressParam(w, r, "asset")
	if !ok {
		return
	}
	cfg, found := s.eng.Asset(asset)
	if !found {
		writeError(w, "asset not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// GetAccount handles GET /api/v1/accounts/{account}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := addressParam(w, r, "account")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.eng.Account(account))
}

// GetAccountPeriod handles GET /api/v1/accounts/{account}/periods/{asset}/{periodID}
func (s *Service) GetAccountPeriod(w http.ResponseWriter, r *http.Request) {
	account, ok := addressParam(w, r, "account")
	if !ok {
		return
	}
	asset, ok := addressParam(w, r, "asset")
	if !ok {
		return
	}
	id, ok := uintParam(w, r, "periodID")
	if !ok {
		return
	}
	ap, err := s.eng.AccountPeriod(account, asset, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ap)
}

// ListPeriods handles GET /api/v1/periods/{asset}
func (s *Service) ListPeriods(w http.ResponseWriter, r *http.Request) {
	asset, ok := addressParam(w, r, "asset")
	if !ok {
		return
	}
	periods := s.eng.Periods(asset)
	if periods == nil {
		periods = []model.PeriodRecord{}
	}
	writeJSON(w, http.StatusOK, periods)
}

// GetPeriod handles GET /api/v1/periods/{asset}/{periodID}
func (s *Service) GetPeriod(w http.ResponseWriter, r *http.Request) {
	asset, ok := addressParam(w, r, "asset")
	if !ok {
		return
	}
	id, ok := uintParam(w, r, "periodID")
	if !ok {
		return
	}
	rec, err := s.eng.Period(asset, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetSystemMetrics handles GET /api/v1/controller/metrics
func (s *Service) GetSystemMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.SystemMetrics())
}

// GetAllocation handles GET /api/v1/controller/allocations/{asset}
func (s *Service) GetAllocation(w http.ResponseWriter, r *http.Request) {
	asset, ok := addressParam(w, r, "asset")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.eng.Allocation(asset))
}

// ListRequests handles GET /api/v1/requests?asset=0x...
func (s *Service) ListRequests(w http.ResponseWriter, r *http.Request) {
	var asset common.Address
	if raw := r.URL.Query().Get("asset"); raw != "" {
		if !common.IsHexAddress(raw) {
			writeError(w, "invalid asset address", http.StatusBadRequest)
			return
		}
		asset = common.HexToAddress(raw)
	}
	reqs := s.eng.Requests(asset)
	if reqs == nil {
		reqs = []model.TradeRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

// GetRequest handles GET /api/v1/requests/{requestID}
func (s *Service) GetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "requestID")
	if !ok {
		return
	}
	req, found := s.eng.Request(id)
	if !found {
		writeError(w, "trade request not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// GetReserve handles GET /api/v1/reserve/{asset}
func (s *Service) GetReserve(w http.ResponseWriter, r *http.Request) {
	asset, ok := addressParam(w, r, "asset")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.eng.Reserve(asset))
}

// GetSession handles GET /api/v1/custody/{asset}
func (s *Service) GetSession(w http.ResponseWriter, r *http.Request) {
	asset, ok := addressParam(w, r, "asset")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{
		Session:    s.eng.Session(asset),
		CurrentPnL: s.eng.CurrentPnL(asset),
		Authority:  s.eng.Addresses().Authority,
	})
}

// GetBalance handles GET /api/v1/balances/{holder}/{asset}
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	holder, ok := addressParam(w, r, "holder")
	if !ok {
		return
	}
	asset, ok := addressParam(w, r, "asset")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"balance": s.eng.Balance(holder, asset)})
}

// ListJournal handles GET /api/v1/journal?account=&asset=&kind=&limit=
func (s *Service) ListJournal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.EntryFilter{Kind: model.EntryKind(q.Get("kind")), Limit: 100}
	for key, dst := range map[string]*common.Address{"account": &filter.Account, "asset": &filter.Asset} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		if !common.IsHexAddress(raw) {
			writeError(w, "invalid "+key+" address", http.StatusBadRequest)
			return
		}
		*dst = common.HexToAddress(raw)
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	entries, err := s.eng.Journal(r.Context(), filter)
	if err != nil {
		writeError(w, "failed to list journal", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- HTTP Handlers: pool accounting ---

// Deposit handles POST /api/v1/deposits
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	res, err := s.eng.Deposit(r.Context(), caller, req.Asset, req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Withdraw handles POST /api/v1/withdrawals
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req WithdrawRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Shares.IsPositive() {
		writeError(w, "shares must be positive", http.StatusBadRequest)
		return
	}
	res, err := s.eng.Withdraw(r.Context(), caller, req.Asset, req.Shares)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Claim handles POST /api/v1/claims
func (s *Service) Claim(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req ClaimRequest
	if !decode(w, r, &req) {
		return
	}
	if req.PeriodID == 0 {
		writeError(w, "period_id is required", http.StatusBadRequest)
		return
	}
	res, err := s.eng.Claim(r.Context(), caller, req.Asset, req.PeriodID, req.Reinvest)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- HTTP Handlers: results ---

// ReportResult handles POST /api/v1/requests/{requestID}/result
func (s *Service) ReportResult(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	id, ok := uintParam(w, r, "requestID")
	if !ok {
		return
	}
	var req ResultRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.eng.ReportResult(r.Context(), caller, id, req.PnL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ReportProfit handles POST /api/v1/reports/profit
func (s *Service) ReportProfit(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.eng.ReportProfit(r.Context(), caller, req.Asset, req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ReportLoss handles POST /api/v1/reports/loss
func (s *Service) ReportLoss(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.eng.ReportLoss(r.Context(), caller, req.Asset, req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- HTTP Handlers: custody ---

// CheckCustodyPnL handles POST /api/v1/custody/{asset}/check
func (s *Service) CheckCustodyPnL(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	asset, ok := addressParam(w, r, "asset")
	if !ok {
		return
	}
	out, reported, err := s.eng.CheckCustodyPnL(r.Context(), caller, asset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := CheckResponse{Reported: reported}
	if reported {
		resp.Outcome = &out
	}
	writeJSON(w, http.StatusOK, resp)
}

// Release handles POST /api/v1/custody/{asset}/release
// The signature is the authorization; any caller may submit it.
func (s *Service) Release(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	asset, ok := addressParam(w, r, "asset")
	if !ok {
		return
	}
	var req ReleaseRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Signature) == 0 {
		writeError(w, "signature is required", http.StatusBadRequest)
		return
	}
	pnl, err := s.eng.Release(r.Context(), caller, asset, req.Amount, req.Signature)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReleaseResponse{PnL: pnl})
}

// SimulateExecutor handles POST /api/v1/custody/{asset}/simulate
func (s *Service) SimulateExecutor(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	asset, ok := addressParam(w, r, "asset")
	if !ok {
		return
	}
	var req SimulateRequest
	if !decode(w, r, &req) {
		return
	}
	pnl, err := s.eng.SimulateExecutor(r.Context(), caller, asset, req.PnL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"current_pnl": pnl})
}

// --- HTTP Handlers: administration ---

// RegisterAsset handles POST /api/v1/assets
func (s *Service) RegisterAsset(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req RegisterAssetRequest
	if !decode(w, r, &req) {
		return
	}
	cfg, err := s.eng.RegisterAsset(r.Context(), caller, model.AssetConfig{
		Asset:           req.Asset,
		Symbol:          req.Symbol,
		Decimals:        req.Decimals,
		PeriodThreshold: req.PeriodThreshold,
		OracleRef:       req.OracleRef,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

// DeactivateAsset handles POST /api/v1/assets/{asset}/deactivate
func (s *Service) DeactivateAsset(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	asset, ok := addressParam(w, r, "asset")
	if !ok {
		return
	}
	cfg, err := s.eng.DeactivateAsset(r.Context(), caller, asset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// SetThreshold handles PUT /api/v1/assets/{asset}/threshold
func (s *Service) SetThreshold(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	asset, ok := addressParam(w, r, "asset")
	if !ok {
		return
	}
	var req ThresholdRequest
	if !decode(w, r, &req) {
		return
	}
	cfg, started, err := s.eng.SetThreshold(r.Context(), caller, asset, req.Threshold)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if started == nil {
		started = []model.PeriodRecord{}
	}
	writeJSON(w, http.StatusOK, ThresholdResponse{Asset: cfg, Started: started})
}

// SetOracleRef handles PUT /api/v1/assets/{asset}/oracle
func (s *Service) SetOracleRef(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	asset, ok := addressParam(w, r, "asset")
	if !ok {
		return
	}
	var req OracleRequest
	if !decode(w, r, &req) {
		return
	}
	cfg, err := s.eng.SetOracleRef(r.Context(), caller, asset, req.OracleRef)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// RotateAuthority handles POST /api/v1/admin/rotate-authority
// A fresh key is generated server side; only its address is returned.
func (s *Service) RotateAuthority(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	addr, err := s.eng.RotateAuthority(r.Context(), caller, nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Warn("signing authority rotated", "by", caller.Hex(), "authority", addr.Hex())
	writeJSON(w, http.StatusOK, map[string]common.Address{"authority": addr})
}

// Sweep handles POST /api/v1/admin/sweep
func (s *Service) Sweep(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req SweepRequest
	if !decode(w, r, &req) {
		return
	}
	if req.To == (common.Address{}) {
		writeError(w, "to is required", http.StatusBadRequest)
		return
	}
	if err := s.eng.Sweep(r.Context(), caller, req.From, req.Asset, req.To, req.Amount); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Faucet handles POST /api/v1/faucet
func (s *Service) Faucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if !decode(w, r, &req) {
		return
	}
	if req.To == (common.Address{}) {
		writeError(w, "to is required", http.StatusBadRequest)
		return
	}
	if err := s.eng.Faucet(r.Context(), req.To, req.Asset, req.Amount); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"balance": s.eng.Balance(req.To, req.Asset)})
}

// --- helpers ---

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, access.ErrUnauthorized),
		errors.Is(err, engine.ErrFaucetDisabled),
		errors.Is(err, custody.ErrInvalidSignature):
		return http.StatusForbidden
	case errors.Is(err, period.ErrUnknownPeriod),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, period.ErrAlreadyClaimed),
		errors.Is(err, period.ErrPeriodAlreadySettled),
		errors.Is(err, period.ErrPeriodNotSettled),
		errors.Is(err, controller.ErrRequestNotActive),
		errors.Is(err, controller.ErrNoActiveRequest),
		errors.Is(err, pool.ErrInsufficientLiquidity),
		errors.Is(err, txn.ErrReentrantCall):
		return http.StatusConflict
	case errors.Is(err, pool.ErrZeroAmount),
		errors.Is(err, pool.ErrInvalidAsset),
		errors.Is(err, pool.ErrZeroShares),
		errors.Is(err, controller.ErrZeroAmount),
		errors.Is(err, custody.ErrInvalidAmount),
		errors.Is(err, bank.ErrInvalidAmount),
		errors.Is(err, engine.ErrUnknownHolder),
		errors.Is(err, oracle.ErrInvalidAmount),
		errors.Is(err, oracle.ErrDecimalsTooBig):
		return http.StatusBadRequest
	case errors.Is(err, oracle.ErrNoPrice),
		errors.Is(err, oracle.ErrStalePrice),
		errors.Is(err, engine.ErrPersist):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrInternal):
		return http.StatusInternalServerError
	}
	// Remaining errors are business rule rejections: unsupported assets,
	// short balances or reserves, insufficient shares.
	return http.StatusUnprocessableEntity
}

func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeError(w, err.Error(), status)
}

// callerOf reads the calling account from the X-Account header.
func callerOf(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := r.Header.Get(AccountHeader)
	if raw == "" {
		writeError(w, AccountHeader+" header is required", http.StatusUnauthorized)
		return common.Address{}, false
	}
	if !common.IsHexAddress(raw) {
		writeError(w, "invalid "+AccountHeader+" address", http.StatusBadRequest)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func addressParam(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	raw := chi.URLParam(r, name)
	if !common.IsHexAddress(raw) {
		writeError(w, "invalid "+name+" address", http.StatusBadRequest)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func uintParam(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	n, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil || n == 0 {
		writeError(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
