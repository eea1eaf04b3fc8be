// Package lww implements YKV-LWW, the flat last-writer-wins key-value
// overlay over a substrate.Array (spec.md component 4.B). It is the sole
// mutable Map<string, Value> abstraction the table and KV helpers build on.
package lww

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Leftium/epicenter-sub001/substrate"
	"github.com/Leftium/epicenter-sub001/wserr"
)

// ChangeKind distinguishes the three shapes of change an observer can see
// for one key within a single transaction.
type ChangeKind int

const (
	// Add means the key had no live entry before the transaction.
	Add ChangeKind = iota
	// Update means a live entry existed and was replaced.
	Update
	// Delete means the key's only live entry was removed and none replaced it.
	Delete
)

// Change describes what happened to one key within a transaction, derived
// by grouping the substrate's raw insert/delete diff by key.
type Change struct {
	Kind     ChangeKind
	OldValue any // zero value unless Kind is Update or Delete
	NewValue any // zero value unless Kind is Add or Update
}

// ObserveFunc receives the per-key changes produced by one transaction.
type ObserveFunc func(changes map[string]Change, txn substrate.Txn)

// clock is the monotonic-ish wall-clock millisecond source. Exposed as a
// field so tests can inject a deterministic one; defaults to time.Now.
type clock func() uint64

func defaultClock() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Store is the LWW overlay bound to one substrate array.
type Store struct {
	doc   substrate.DocSubstrate
	arr   substrate.Array
	clock clock

	mu sync.Mutex // currently unused: no method locks it, and Set/Delete are not serialized by it

	observersMu sync.Mutex
	observers   []ObserveFunc
}

// Option configures a new Store.
type Option func(*Store)

// WithClock overrides the millisecond clock (tests only).
func WithClock(c func() uint64) Option {
	return func(s *Store) { s.clock = c }
}

// Open binds a Store to the named substrate array, registering the
// observer that groups the substrate's raw diff by key and converts it
// into Add/Update/Delete changes, and that resolves concurrent remote
// writes per spec.md §4.B's merge rule.
func Open(doc substrate.DocSubstrate, arrayName string, opts ...Option) *Store {
	s := &Store{
		doc:   doc,
		arr:   doc.GetArray(arrayName),
		clock: defaultClock,
	}
	for _, o := range opts {
		o(s)
	}
	doc.Observe(s.arr, s.handleRawEvents)
	return s
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", wserr.ErrInvalidKey)
	}
	if strings.Contains(key, "\x00") {
		// Defensive: the codec forbids ':' in row/field components, but the
		// LWW layer is also usable with bespoke flat keys (KV store), so it
		// only rejects what would break its own invariants.
		return fmt.Errorf("%w: key contains NUL byte", wserr.ErrInvalidKey)
	}
	return nil
}

// Tx exposes the Set/Delete surface inside one Batch call: every key
// written through a Tx is stamped with the same timestamp and committed in
// the single substrate transaction Batch opened.
type Tx struct {
	store *Store
	now   uint64
}

// Set stages an overwrite of key within the enclosing Batch transaction.
func (t *Tx) Set(key string, val any) error {
	if err := validateKey(key); err != nil {
		return err
	}
	t.store.arr.RemoveWhere(func(e substrate.Entry) bool { return e.Key == key })
	t.store.arr.Push(substrate.Entry{Key: key, Val: val, Ts: t.now})
	return nil
}

// Delete stages a removal of key within the enclosing Batch transaction.
func (t *Tx) Delete(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	t.store.arr.RemoveWhere(func(e substrate.Entry) bool { return e.Key == key })
	return nil
}

// Batch runs fn inside one substrate transaction, so every Set/Delete call
// fn makes against tx commits together and fires observers exactly once.
// This is the primitive the table helper's upsert/update/batch operations
// build on to write several cells atomically (spec.md §4.E).
func (s *Store) Batch(fn func(tx *Tx) error) error {
	tx := &Tx{store: s, now: s.clock()}
	var fnErr error
	err := s.doc.Transact(func() {
		fnErr = fn(tx)
	}, nil)
	if err != nil {
		return err
	}
	return fnErr
}

// Set overwrites key in one transaction: every existing live element with
// that key is removed and a fresh {key, val, ts} entry is pushed.
func (s *Store) Set(key string, val any) error {
	return s.Batch(func(tx *Tx) error { return tx.Set(key, val) })
}

// Get returns the live value for key, if any.
func (s *Store) Get(key string) (any, bool) {
	for _, e := range s.arr.Snapshot() {
		if e.Key == key {
			return e.Val, true
		}
	}
	return nil, false
}

// Has reports whether key has a live entry.
func (s *Store) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Delete removes all live elements with the given key. No replacement
// entry is pushed; the resulting tombstones are enough for peers to
// converge on "no live entry for k".
func (s *Store) Delete(key string) error {
	return s.Batch(func(tx *Tx) error { return tx.Delete(key) })
}

// Map returns an iterable snapshot of all live entries, keyed by key.
func (s *Store) Map() map[string]substrate.Entry {
	out := make(map[string]substrate.Entry)
	for _, e := range s.arr.Snapshot() {
		out[e.Key] = e
	}
	return out
}

// Observe registers cb to be called once per transaction that changes this
// store's keys, with a map of the keys that changed.
func (s *Store) Observe(cb ObserveFunc) (cancel func()) {
	s.observersMu.Lock()
	s.observers = append(s.observers, cb)
	idx := len(s.observers) - 1
	s.observersMu.Unlock()
	return func() {
		s.observersMu.Lock()
		defer s.observersMu.Unlock()
		if idx < len(s.observers) {
			s.observers[idx] = nil
		}
	}
}

// handleRawEvents is the substrate.ObserverFunc bound to this store's
// array. It groups the raw insert/delete diff by key into Change values
// and, for remote transactions, resolves any competing live entries for
// the same key by (ts, actor) — the merge step spec.md §4.B describes as
// "a local transaction triggered by the observer".
func (s *Store) handleRawEvents(events []substrate.Event, txn substrate.Txn) {
	byKey := make(map[string]*keyEvents)
	order := make([]string, 0)
	for _, ev := range events {
		ke, ok := byKey[ev.Entry.Key]
		if !ok {
			ke = &keyEvents{}
			byKey[ev.Entry.Key] = ke
			order = append(order, ev.Entry.Key)
		}
		switch ev.Kind {
		case substrate.EventInsert:
			ke.inserts = append(ke.inserts, ev)
		case substrate.EventDelete:
			ke.deletes = append(ke.deletes, ev)
		}
	}

	if !txn.Local {
		s.resolveConflicts()
	}

	changes := make(map[string]Change, len(order))
	for _, key := range order {
		ke := byKey[key]
		switch {
		case len(ke.inserts) > 0 && len(ke.deletes) > 0:
			changes[key] = Change{Kind: Update, OldValue: ke.deletes[len(ke.deletes)-1].Entry.Val, NewValue: winningInsert(ke.inserts).Entry.Val}
		case len(ke.inserts) > 0:
			changes[key] = Change{Kind: Add, NewValue: winningInsert(ke.inserts).Entry.Val}
		case len(ke.deletes) > 0:
			changes[key] = Change{Kind: Delete, OldValue: ke.deletes[len(ke.deletes)-1].Entry.Val}
		}
	}
	if len(changes) == 0 {
		return
	}

	s.observersMu.Lock()
	cbs := append([]ObserveFunc(nil), s.observers...)
	s.observersMu.Unlock()
	for _, cb := range cbs {
		if cb != nil {
			cb(changes, txn)
		}
	}
}

// winningInsert picks the (ts, actor)-maximal insert among concurrent
// inserts reported for one key in a single transaction's diff.
func winningInsert(inserts []substrate.Event) substrate.Event {
	best := inserts[0]
	for _, ev := range inserts[1:] {
		if wins(ev.Entry.Ts, ev.Actor, best.Entry.Ts, best.Actor) {
			best = ev
		}
	}
	return best
}

func wins(ts2 uint64, actor2 string, ts1 uint64, actor1 string) bool {
	if ts2 != ts1 {
		return ts2 > ts1
	}
	return actor2 > actor1
}

// resolveConflicts is a safety net for substrates whose ApplyUpdate does
// not itself guarantee single-winner convergence: it scans the array for
// any key with more than one live entry and removes all but the (ts,
// actor)-maximal one, in a nested local transaction. The reference
// substrate.Doc already resolves this during ApplyUpdate, so in practice
// this is a no-op against it; it exists so YKV-LWW upholds spec.md §8
// invariant 1 ("uniqueness of live entry") against any DocSubstrate,
// including ones whose merge semantics are weaker.
func (s *Store) resolveConflicts() {
	seen := make(map[string][]substrate.Entry)
	for _, e := range s.arr.Snapshot() {
		seen[e.Key] = append(seen[e.Key], e)
	}
	var toRemove []substrate.Entry
	for _, entries := range seen {
		if len(entries) <= 1 {
			continue
		}
		best := entries[0]
		for _, e := range entries[1:] {
			if wins(e.Ts, actorOf(e), best.Ts, actorOf(best)) {
				best = e
			}
		}
		for _, e := range entries {
			if e.Ts != best.Ts || e.Key != best.Key || !sameValue(e, best) {
				toRemove = append(toRemove, e)
			}
		}
	}
	if len(toRemove) == 0 {
		return
	}
	_ = s.doc.Transact(func() {
		for _, e := range toRemove {
			target := e
			s.arr.RemoveWhere(func(c substrate.Entry) bool {
				return c.Key == target.Key && sameValue(c, target)
			})
		}
	}, nil)
}

// actorOf has no access to provenance from a bare substrate.Entry snapshot;
// the reference substrate resolves conflicts itself during ApplyUpdate, so
// this fallback path treats ties conservatively by key+ts+value identity
// rather than actor. It cannot reproduce the exact actor-tiebreak
// ordering, and exact duplicates of the winner (same key, ts and value)
// are all kept.
func actorOf(e substrate.Entry) string { return "" }

func sameValue(a, b substrate.Entry) bool {
	return fmt.Sprint(a.Val) == fmt.Sprint(b.Val) && a.Ts == b.Ts
}

type keyEvents struct {
	inserts []substrate.Event
	deletes []substrate.Event
}
