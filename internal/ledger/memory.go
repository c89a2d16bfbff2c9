package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Call is one command received by a MemoryLedger.
type Call struct {
	Command   Command
	ID        string
	ClaimQty  decimal.Decimal
	ExpiresAt time.Time
	TxHash    string
}

// MemoryLedger simulates the insurance contract in process. It backs local
// development and tests.
type MemoryLedger struct {
	mu       sync.Mutex
	records  map[string]*Registration
	calls    []Call
	failures map[Command]error
	seq      uint64

	watching bool
	events   chan Event
}

// NewMemoryLedger creates an empty simulator.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records:  make(map[string]*Registration),
		failures: make(map[Command]error),
		events:   make(chan Event, 256),
	}
}

// eventFor maps a command to the event the contract emits once it settles.
var eventFor = map[Command]EventKind{
	CmdRegisterAvailable: EventAvailable,
	CmdInvalidate:        EventInvalidated,
	CmdCancel:            EventCancelled,
	CmdClaim:             EventClaimed,
	CmdRefund:            EventRefunded,
	CmdLiquidate:         EventLiquidated,
	CmdExpire:            EventExpired,
}

// emit queues ev for the watcher. Callers hold l.mu.
func (l *MemoryLedger) emit(ev Event) {
	if !l.watching {
		return
	}
	select {
	case l.events <- ev:
	default:
		slog.Warn("memory ledger: event dropped", "id", ev.ContractID, "kind", ev.Kind)
	}
}

// WatchEvents delivers the events of every later command and buyer
// registration to h until ctx ends. Handler errors are logged.
func (l *MemoryLedger) WatchEvents(ctx context.Context, h Handler) error {
	l.mu.Lock()
	l.watching = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.watching = false
		l.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-l.events:
			if err := h(ctx, ev); err != nil {
				slog.Warn("memory ledger: handler failed", "id", ev.ContractID, "kind", ev.Kind, "err", err)
			}
		}
	}
}

// Register records a buyer-side creation, as if the buyer had called the
// contract directly.
func (l *MemoryLedger) Register(id string, reg Registration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := reg
	l.records[id] = &r

	l.seq++
	l.emit(Event{
		Kind:       EventCreated,
		ContractID: id,
		Address:    reg.Address,
		Unit:       reg.Unit,
		Margin:     reg.Margin,
		ClaimQty:   reg.ClaimQty,
		ExpiresAt:  reg.ExpiresAt,
		CreatedAt:  reg.CreatedAt,
		State:      OnChainPending,
		TxHash:     fmt.Sprintf("0x%064x", l.seq),
	})
}

// FailWith makes every subsequent cmd fail with err. A nil err clears it.
func (l *MemoryLedger) FailWith(cmd Command, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.failures, cmd)
		return
	}
	l.failures[cmd] = err
}

// Calls returns a copy of every command received, in order.
func (l *MemoryLedger) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Call(nil), l.calls...)
}

// CallsFor returns the commands received for one contract.
func (l *MemoryLedger) CallsFor(id string) []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Call
	for _, c := range l.calls {
		if c.ID == id {
			out = append(out, c)
		}
	}
	return out
}

func (l *MemoryLedger) submit(c Call, next ContractState) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failures[c.Command]; err != nil {
		l.calls = append(l.calls, c)
		return "", fmt.Errorf("%s: %w", c.Command, err)
	}
	l.seq++
	c.TxHash = fmt.Sprintf("0x%064x", l.seq)
	l.calls = append(l.calls, c)

	ev := Event{Kind: eventFor[c.Command], ContractID: c.ID, State: next, TxHash: c.TxHash}
	if r, ok := l.records[c.ID]; ok {
		r.State = next
		if c.Command == CmdRegisterAvailable {
			r.ClaimQty = c.ClaimQty
			r.ExpiresAt = c.ExpiresAt
		}
		ev.Address, ev.Unit, ev.Margin = r.Address, r.Unit, r.Margin
		ev.ClaimQty, ev.ExpiresAt, ev.CreatedAt = r.ClaimQty, r.ExpiresAt, r.CreatedAt
	}
	l.emit(ev)
	return c.TxHash, nil
}

func (l *MemoryLedger) RegisterAvailable(_ context.Context, id string, claimQty decimal.Decimal, expiresAt time.Time) (string, error) {
	return l.submit(Call{Command: CmdRegisterAvailable, ID: id, ClaimQty: claimQty, ExpiresAt: expiresAt}, OnChainAvailable)
}

func (l *MemoryLedger) Invalidate(_ context.Context, id string) (string, error) {
	return l.submit(Call{Command: CmdInvalidate, ID: id}, OnChainInvalid)
}

func (l *MemoryLedger) Cancel(_ context.Context, id string) (string, error) {
	return l.submit(Call{Command: CmdCancel, ID: id}, OnChainCancelled)
}

func (l *MemoryLedger) Claim(_ context.Context, id string) (string, error) {
	return l.submit(Call{Command: CmdClaim, ID: id}, OnChainClaimed)
}

func (l *MemoryLedger) Refund(_ context.Context, id string) (string, error) {
	return l.submit(Call{Command: CmdRefund, ID: id}, OnChainRefunded)
}

func (l *MemoryLedger) Liquidate(_ context.Context, id string) (string, error) {
	return l.submit(Call{Command: CmdLiquidate, ID: id}, OnChainLiquidated)
}

func (l *MemoryLedger) Expire(_ context.Context, id string) (string, error) {
	return l.submit(Call{Command: CmdExpire, ID: id}, OnChainExpired)
}

func (l *MemoryLedger) ReadRegistration(_ context.Context, id string) (*Registration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}
