// Package substrate defines DocSubstrate, the external contract the rest of
// the engine requires from an underlying CRDT document library (spec.md
// component 4.A), and ships a reference in-memory implementation so the
// rest of the stack is testable without pulling in a real CRDT library.
//
// The production engine is expected to swap Doc for a binding over a real
// operation-based CRDT document (e.g. a Yjs/Automerge-style library); the
// interface is the load-bearing part, not this reference implementation.
package substrate

import (
	"context"
)

// Entry is the atomic persisted unit: an LWW candidate living in a shared
// array. Val is an arbitrary JSON-like value, opaque to the substrate. The
// actor that wrote an Entry is provenance metadata the substrate tracks
// out of band (see Event.Actor), not part of Entry itself.
type Entry struct {
	Key string
	Val any
	Ts  uint64
}

// EventKind distinguishes an insertion from a deletion in a raw diff.
type EventKind int

const (
	EventInsert EventKind = iota
	EventDelete
)

// Event is one element-level change reported to observers after a
// transaction commits.
type Event struct {
	Kind  EventKind
	Entry Entry
	// Actor is the provenance of the entry the substrate recorded when it
	// was inserted; for delete events it is the actor of the entry being
	// removed. The LWW layer needs this to resolve concurrent writes by
	// (ts, actor) without storing the actor inside Val.
	Actor string
}

// Txn is the transaction handle passed to observers; it carries the opaque
// origin used to distinguish locally-originated transactions from ones
// applied via ApplyUpdate.
type Txn struct {
	Origin any
	Local  bool
}

// ObserverFunc receives the structured diff for one array after a
// transaction that touched it commits. It is called synchronously at
// commit time, once per transaction.
type ObserverFunc func(events []Event, txn Txn)

// UpdateFunc streams binary updates produced by locally-committed
// transactions, for forwarding to a sync provider.
type UpdateFunc func(update []byte, origin any, txn Txn)

// Array is a named, ordered collection of Entry values. Order is not
// meaningful to the LWW layer; it imposes its own ordering via Ts.
type Array interface {
	Name() string
	// Snapshot returns a point-in-time copy of all live entries. Safe to
	// call outside a transaction.
	Snapshot() []Entry
	// Push appends one entry. Must be called from within a Transact
	// callback.
	Push(e Entry)
	// RemoveWhere removes every live entry matching pred. Must be called
	// from within a Transact callback.
	RemoveWhere(pred func(Entry) bool)
}

// DocSubstrate is the capability set the engine requires from the
// underlying CRDT document library (spec.md §4.A).
type DocSubstrate interface {
	// GetArray returns (creating if necessary) a named ordered array.
	// Repeat calls with the same name return the same logical handle.
	GetArray(name string) Array

	// Transact executes fn atomically. Observers registered on any array
	// touched by fn fire exactly once, at the end of the transaction, with
	// the origin forwarded unchanged.
	Transact(fn func(), origin any) error

	// Observe registers cb to be called after every transaction that
	// touches arr.
	Observe(arr Array, cb ObserverFunc) (cancel func())

	// EncodeUpdate serializes the current document state.
	EncodeUpdate() ([]byte, error)
	// ApplyUpdate merges a remote update into the document within one
	// transaction tagged with origin.
	ApplyUpdate(update []byte, origin any) error

	// OnUpdate streams encoded updates for every locally-originated
	// transaction (Txn.Local == true), for the sync provider to forward.
	OnUpdate(cb UpdateFunc) (cancel func())

	// ActorId returns the actor id this substrate instance tags its writes
	// with; stable for the process lifetime.
	ActorId() string

	// Close releases substrate resources. Safe to call multiple times.
	Close(ctx context.Context) error
}
