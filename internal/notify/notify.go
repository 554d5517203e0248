// Package notify fans committed settlement events out to subscribers:
// WebSocket clients, NATS JetStream consumers, or both. Publishing happens
// after the engine commits, so a failed publish never affects the ledger.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// ErrDropped is returned when a subscriber buffer is full.
var ErrDropped = errors.New("notify: event dropped")

// Event is the wire form of one committed journal entry.
type Event struct {
	ID        string              `json:"id"`
	Sequence  uint64              `json:"sequence"`
	Type      model.EntryKind     `json:"type"`
	Account   common.Address      `json:"account"`
	Asset     common.Address      `json:"asset"`
	PeriodID  uint64              `json:"period_id,omitempty"`
	RequestID uint64              `json:"request_id,omitempty"`
	Amount    decimal.Decimal     `json:"amount"`
	USD       decimal.Decimal     `json:"usd"`
	Shares    decimal.Decimal     `json:"shares"`
	Period    *model.PeriodRecord `json:"period,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// FromEntry builds an event from a journal entry.
func FromEntry(e model.JournalEntry) Event {
	return Event{
		ID:        e.ID,
		Sequence:  e.Sequence,
		Type:      e.Kind,
		Account:   e.Account,
		Asset:     e.Asset,
		PeriodID:  e.PeriodID,
		RequestID: e.RequestID,
		Amount:    e.Amount,
		USD:       e.USD,
		Shares:    e.Shares,
		Timestamp: e.Timestamp,
	}
}

// Publisher delivers events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi publishes to every wrapped publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
