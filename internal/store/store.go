// Package store defines the persistence interface for the insurance engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/insurance-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrStateConflict is returned by ApplyTransition when the stored state
	// no longer matches the expected one.
	ErrStateConflict = errors.New("store: state conflict")

	// ErrDuplicate is returned when creating a record whose key exists.
	ErrDuplicate = errors.New("store: duplicate")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Contracts ---

	// CreateContract persists a new contract.
	CreateContract(ctx context.Context, c *model.Contract) error

	// GetContract retrieves a contract by its ID.
	GetContract(ctx context.Context, id string) (*model.Contract, error)

	// ListContracts returns contracts matching f, newest first.
	ListContracts(ctx context.Context, f model.ContractFilter) ([]*model.Contract, error)

	// CountContracts counts contracts matching f, ignoring Skip and Limit.
	CountContracts(ctx context.Context, f model.ContractFilter) (int, error)

	// ApplyTransition moves a contract from state from to t.To and writes
	// the fields carried by t. It fails with ErrStateConflict when the
	// stored state is not from.
	ApplyTransition(ctx context.Context, id string, from model.State, t model.Transition) (*model.Contract, error)

	// AppendStateLog appends one entry to a contract's state log.
	AppendStateLog(ctx context.Context, id string, entry model.StateLogEntry) error

	// SetTxHash records the ledger registration hash.
	SetTxHash(ctx context.Context, id, txHash string) error

	// Stats aggregates platform totals.
	Stats(ctx context.Context) (model.Stats, error)

	// --- Pairs ---

	// UpsertPair creates or replaces a pair, config included.
	UpsertPair(ctx context.Context, p *model.Pair) error

	// GetPair retrieves a pair by symbol.
	GetPair(ctx context.Context, symbol string) (*model.Pair, error)

	// ListPairs returns pairs ordered by symbol.
	ListPairs(ctx context.Context, activeOnly bool) ([]*model.Pair, error)

	// UpdatePairConfig replaces the change-ratio config of a pair.
	UpdatePairConfig(ctx context.Context, symbol string, cfg model.PairConfig) error
}
