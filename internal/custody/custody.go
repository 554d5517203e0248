// Package custody implements the signature-gated custody wallet that holds
// trading funds while an external executor trades them.
//
// Funds only leave the wallet through Release, which requires a signature by
// the configured authority over (wallet, asset, amount, nonce, chain id).
// The per-asset nonce advances on every release, so a signature can never be
// replayed.
package custody

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/bank"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/txn"
)

var (
	ErrUnauthorized        = errors.New("custody: caller is not the controller")
	ErrInvalidSignature    = errors.New("custody: invalid signature")
	ErrInsufficientBalance = errors.New("custody: insufficient balance")
	ErrZeroAmount          = errors.New("custody: amount must be positive")
	ErrInvalidAmount       = errors.New("custody: amount must not be negative")
	ErrZeroAuthority       = errors.New("custody: authority must not be the zero address")
)

type session struct {
	id      uint64
	initial decimal.Decimal
	nonce   uint64
}

// Wallet holds trading funds per asset. Not safe for concurrent use; the
// engine serializes access.
type Wallet struct {
	address    common.Address
	controller common.Address
	authority  common.Address
	chainID    *big.Int

	bank     *bank.Bank
	undo     *txn.Log
	guard    txn.Guard
	sessions map[common.Address]*session
}

// NewWallet creates a wallet at address that accepts funds from controller
// and releases them on signatures by authority.
func NewWallet(address, controller, authority common.Address, chainID *big.Int, b *bank.Bank, undo *txn.Log) *Wallet {
	return &Wallet{
		address:    address,
		controller: controller,
		authority:  authority,
		chainID:    new(big.Int).Set(chainID),
		bank:       b,
		undo:       undo,
		sessions:   make(map[common.Address]*session),
	}
}

// Address returns the wallet's holder address.
func (w *Wallet) Address() common.Address { return w.address }

// Authority returns the address whose signatures release funds.
func (w *Wallet) Authority() common.Address { return w.authority }

// ChainID returns the chain id bound into release digests.
func (w *Wallet) ChainID() *big.Int { return new(big.Int).Set(w.chainID) }

// ReceiveFunds opens a new session for asset once the controller has moved
// amount into the wallet. The session snapshots the wallet balance so
// CurrentPnL can measure the trading result against it.
func (w *Wallet) ReceiveFunds(caller, from, asset common.Address, amount decimal.Decimal) (model.Session, error) {
	if err := w.guard.Enter(); err != nil {
		return model.Session{}, err
	}
	defer w.guard.Exit()

	if caller != w.controller || from != w.controller {
		return model.Session{}, fmt.Errorf("%w: caller %s from %s", ErrUnauthorized, caller.Hex(), from.Hex())
	}
	if !amount.IsPositive() {
		return model.Session{}, ErrZeroAmount
	}
	s := w.sessionFor(asset)
	w.touch(s)
	s.id++
	s.initial = w.bank.BalanceOf(w.address, asset)
	return w.info(asset, s), nil
}

// Release pays amount of asset to the controller under a valid authority
// signature and closes the session. Returns the session P&L measured just
// before the transfer.
func (w *Wallet) Release(_ context.Context, asset common.Address, amount decimal.Decimal, signature []byte) (decimal.Decimal, error) {
	if err := w.guard.Enter(); err != nil {
		return decimal.Zero, err
	}
	defer w.guard.Exit()

	if amount.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	s := w.sessionFor(asset)
	digest := ReleaseDigest(w.address, asset, amount, s.nonce, w.chainID)
	signer, err := RecoverSigner(digest, signature)
	if err != nil {
		return decimal.Zero, err
	}
	if signer != w.authority {
		return decimal.Zero, fmt.Errorf("%w: signed by %s", ErrInvalidSignature, signer.Hex())
	}
	balance := w.bank.BalanceOf(w.address, asset)
	if amount.GreaterThan(balance) {
		return decimal.Zero, fmt.Errorf("%w: holds %s, release %s", ErrInsufficientBalance, balance, amount)
	}

	w.touch(s)
	s.nonce++
	pnl := pnlOf(s, balance)
	if err := w.bank.Transfer(asset, w.address, w.controller, amount); err != nil {
		return decimal.Zero, fmt.Errorf("custody release: %w", err)
	}
	s.initial = decimal.Zero
	return pnl, nil
}

// Rebase moves the asset's session baseline to the current balance, so a
// result already reported outside custody is not measured again. The nonce
// is unchanged. Only the controller may rebase.
func (w *Wallet) Rebase(caller, asset common.Address) error {
	if caller != w.controller {
		return fmt.Errorf("%w: caller %s", ErrUnauthorized, caller.Hex())
	}
	s, ok := w.sessions[asset]
	if !ok || s.initial.IsZero() {
		return nil
	}
	w.touch(s)
	s.initial = w.bank.BalanceOf(w.address, asset)
	return nil
}

// CurrentPnL returns balance minus the session's initial balance, or zero
// when no session is open.
func (w *Wallet) CurrentPnL(asset common.Address) decimal.Decimal {
	s, ok := w.sessions[asset]
	if !ok {
		return decimal.Zero
	}
	return pnlOf(s, w.bank.BalanceOf(w.address, asset))
}

// SessionInfo returns the asset's session and live balance.
func (w *Wallet) SessionInfo(asset common.Address) model.Session {
	s, ok := w.sessions[asset]
	if !ok {
		return model.Session{Asset: asset, Balance: w.bank.BalanceOf(w.address, asset)}
	}
	return w.info(asset, s)
}

// Nonce returns the next release nonce for asset.
func (w *Wallet) Nonce(asset common.Address) uint64 {
	if s, ok := w.sessions[asset]; ok {
		return s.nonce
	}
	return 0
}

// SetAuthority rotates the signing authority.
func (w *Wallet) SetAuthority(authority common.Address) error {
	if authority == (common.Address{}) {
		return ErrZeroAuthority
	}
	prev := w.authority
	w.undo.Record(func() { w.authority = prev })
	w.authority = authority
	return nil
}

// Snapshot returns the authority and every session, ordered by asset.
func (w *Wallet) Snapshot() model.CustodyState {
	st := model.CustodyState{Authority: w.authority}
	for asset, s := range w.sessions {
		st.Sessions = append(st.Sessions, model.Session{
			Asset:          asset,
			ID:             s.id,
			InitialBalance: s.initial,
			Nonce:          s.nonce,
		})
	}
	sort.Slice(st.Sessions, func(i, j int) bool {
		return bytes.Compare(st.Sessions[i].Asset.Bytes(), st.Sessions[j].Asset.Bytes()) < 0
	})
	return st
}

// Restore replaces the authority and sessions. Nonces come back exactly as
// saved, so released signatures stay spent. Not undoable.
func (w *Wallet) Restore(st model.CustodyState) error {
	if st.Authority == (common.Address{}) {
		return ErrZeroAuthority
	}
	w.authority = st.Authority
	w.sessions = make(map[common.Address]*session, len(st.Sessions))
	for _, s := range st.Sessions {
		w.sessions[s.Asset] = &session{id: s.ID, initial: s.InitialBalance, nonce: s.Nonce}
	}
	return nil
}

func pnlOf(s *session, balance decimal.Decimal) decimal.Decimal {
	if s.initial.IsZero() {
		return decimal.Zero
	}
	return balance.Sub(s.initial)
}

func (w *Wallet) info(asset common.Address, s *session) model.Session {
	return model.Session{
		Asset:          asset,
		ID:             s.id,
		InitialBalance: s.initial,
		Nonce:          s.nonce,
		Balance:        w.bank.BalanceOf(w.address, asset),
	}
}

func (w *Wallet) sessionFor(asset common.Address) *session {
	if s, ok := w.sessions[asset]; ok {
		return s
	}
	s := &session{}
	w.sessions[asset] = s
	w.undo.Record(func() { delete(w.sessions, asset) })
	return s
}

func (w *Wallet) touch(s *session) {
	saved := *s
	w.undo.Record(func() { *s = saved })
}

// --- Signatures ---

// ReleaseDigest returns the EIP-191 personal-message hash of
// keccak256(wallet ‖ asset ‖ uint256 amount ‖ uint256 nonce ‖ uint256 chainID).
func ReleaseDigest(wallet, asset common.Address, amount decimal.Decimal, nonce uint64, chainID *big.Int) []byte {
	packed := make([]byte, 0, 20+20+32*3)
	packed = append(packed, wallet.Bytes()...)
	packed = append(packed, asset.Bytes()...)
	packed = append(packed, common.LeftPadBytes(amount.BigInt().Bytes(), 32)...)
	packed = append(packed, common.LeftPadBytes(new(big.Int).SetUint64(nonce).Bytes(), 32)...)
	packed = append(packed, common.LeftPadBytes(chainID.Bytes(), 32)...)
	return accounts.TextHash(crypto.Keccak256(packed))
}

// SignRelease signs the release digest with key.
func SignRelease(key *ecdsa.PrivateKey, wallet, asset common.Address, amount decimal.Decimal, nonce uint64, chainID *big.Int) ([]byte, error) {
	sig, err := crypto.Sign(ReleaseDigest(wallet, asset, amount, nonce, chainID), key)
	if err != nil {
		return nil, fmt.Errorf("sign release: %w", err)
	}
	return sig, nil
}

// RecoverSigner returns the address that produced signature over digest.
// Both 0/1 and 27/28 recovery ids are accepted.
func RecoverSigner(digest, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(signature))
	}
	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
