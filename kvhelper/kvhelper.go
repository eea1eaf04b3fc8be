// Package kvhelper implements the typed KV store helper (spec.md component
// 4.F): get/set/delete/observe over a single YKV-LWW overlay array named
// "kv", with per-key validation against a schema.KVDefinition. Unlike the
// table helper there is no row prefix to reconstruct; each KV key is its
// own flat entry.
package kvhelper

import (
	"github.com/Leftium/epicenter-sub001/lww"
	"github.com/Leftium/epicenter-sub001/schema"
	"github.com/Leftium/epicenter-sub001/substrate"
)

// Status is the outcome discriminant of a Get.
type Status int

const (
	StatusValid Status = iota
	StatusInvalid
	StatusNotFound
)

// Result is the outcome of Get. Open question in spec.md §9 ("KV invalid
// handling") is resolved per the spec's own preference: invalid values are
// reported with issues, never silently dropped.
type Result struct {
	Status Status
	Key    string
	Value  any
	Issues []schema.Issue
	Raw    any
}

// Store is the KV helper bound to one workspace's "kv" shared array.
type Store struct {
	def schema.KVDefinition
	lww *lww.Store
}

// Tx exposes the same Set/Delete surface as Store, scoped to one Batch
// transaction. The KV helper needs no cell-key translation, so this is
// exactly lww.Tx.
type Tx = lww.Tx

// Option configures a new Store.
type Option func(*storeOpts)

type storeOpts struct {
	clock func() uint64
}

// WithClock overrides the millisecond clock (tests only).
func WithClock(c func() uint64) Option {
	return func(o *storeOpts) { o.clock = c }
}

// Open binds a Store to the workspace's "kv" array and a KVDefinition
// describing the expected shape of each key's value.
func Open(doc substrate.DocSubstrate, def schema.KVDefinition, opts ...Option) *Store {
	var o storeOpts
	for _, fn := range opts {
		fn(&o)
	}
	var lwwOpts []lww.Option
	if o.clock != nil {
		lwwOpts = append(lwwOpts, lww.WithClock(o.clock))
	}
	return &Store{def: def, lww: lww.Open(doc, "kv", lwwOpts...)}
}

// Set writes key unconditionally. Writes never fail on domain errors
// (spec.md §7); validation is surfaced only on read, same as the table
// helper's migration-on-read.
func (s *Store) Set(key string, val any) error {
	return s.lww.Set(key, val)
}

// Get returns key's value together with its validation status against the
// store's KVDefinition, if one is declared for that key. Keys with no
// declared FieldDef are returned Valid as-is.
func (s *Store) Get(key string) Result {
	val, ok := s.lww.Get(key)
	if !ok {
		return Result{Status: StatusNotFound, Key: key}
	}
	field, hasField := s.def.Fields[key]
	if !hasField {
		return Result{Status: StatusValid, Key: key, Value: val}
	}
	if issues := schema.CheckFieldValue(field, val); len(issues) > 0 {
		return Result{Status: StatusInvalid, Key: key, Issues: issues, Raw: val}
	}
	return Result{Status: StatusValid, Key: key, Value: val}
}

// Has reports whether key has a live entry, independent of validity.
func (s *Store) Has(key string) bool {
	return s.lww.Has(key)
}

// Delete removes key's live entry.
func (s *Store) Delete(key string) error {
	return s.lww.Delete(key)
}

// Batch runs fn inside one substrate transaction shared by every Set/Delete
// call fn makes against tx.
func (s *Store) Batch(fn func(tx *Tx) error) error {
	return s.lww.Batch(fn)
}

// KeyObserveFunc receives the old/new value pair for one key's changes.
type KeyObserveFunc func(change lww.Change, txn substrate.Txn)

// Observe registers cb to be called once per transaction that changes the
// given key specifically, filtering the underlying per-transaction change
// map down to the single key of interest (spec.md §4.F: "observe(k, cb)").
func (s *Store) Observe(key string, cb KeyObserveFunc) (cancel func()) {
	return s.lww.Observe(func(changes map[string]lww.Change, txn substrate.Txn) {
		if change, ok := changes[key]; ok {
			cb(change, txn)
		}
	})
}
