// Package table implements the typed row helper (spec.md component 4.E):
// cell-level keying over a YKV-LWW store, row reconstruction by prefix
// scan, schema validation with migration-on-read, and transactional batch
// writes.
package table

import (
	"fmt"
	"sort"

	"github.com/Leftium/epicenter-sub001/keycodec"
	"github.com/Leftium/epicenter-sub001/lww"
	"github.com/Leftium/epicenter-sub001/schema"
	"github.com/Leftium/epicenter-sub001/substrate"
	"github.com/Leftium/epicenter-sub001/wserr"
)

// Status is the outcome discriminant of a row read.
type Status int

const (
	StatusValid Status = iota
	StatusInvalid
	StatusNotFound
)

// Result is the outcome of Get: exactly one of Row (Valid), Issues+Raw
// (Invalid), or just ID (NotFound) is meaningful, discriminated by Status.
type Result struct {
	Status Status
	ID     string
	Row    map[string]any
	Issues []schema.Issue
	Raw    map[string]any
}

// Table is the row helper bound to one table's shared array.
type Table struct {
	name   string
	schema *schema.VersionedSchema
	store  *lww.Store
}

type tableOpts struct {
	clockOverride func() uint64
}

// Open binds a Table to the named array, conventionally "table:{name}"
// per spec.md §3, and its schema version chain.
func Open(doc substrate.DocSubstrate, name string, vs *schema.VersionedSchema, opts ...func(*tableOpts)) *Table {
	var o tableOpts
	for _, fn := range opts {
		fn(&o)
	}
	var lwwOpts []lww.Option
	if o.clockOverride != nil {
		lwwOpts = append(lwwOpts, lww.WithClock(o.clockOverride))
	}
	return &Table{
		name:   name,
		schema: vs,
		store:  lww.Open(doc, "table:"+name, lwwOpts...),
	}
}

// WithTableClock overrides the table's LWW clock (tests only).
func WithTableClock(c func() uint64) func(*tableOpts) {
	return func(o *tableOpts) { o.clockOverride = c }
}

// Upsert writes every field of row in one transaction. Cells for fields not
// present in row are left untouched, so partial writes compose with
// cell-level LWW instead of clobbering concurrent peer edits to other
// fields of the same row.
func (t *Table) Upsert(id string, row map[string]any) error {
	rowID, err := keycodec.NewRowId(id)
	if err != nil {
		return err
	}
	return t.store.Batch(func(tx *lww.Tx) error {
		for fieldName, val := range row {
			field, err := keycodec.NewFieldId(fieldName)
			if err != nil {
				return err
			}
			if err := tx.Set(string(keycodec.NewCellKey(rowID, field)), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// Update writes the fields in partial for an existing row. If no cells
// exist for id locally it returns ErrNotFoundLocally without writing,
// preventing a phantom row from racing an incoming upsert from a peer.
func (t *Table) Update(id string, partial map[string]any) error {
	if !t.Has(id) {
		return fmt.Errorf("update %q: %w", id, wserr.ErrNotFoundLocally)
	}
	return t.Upsert(id, partial)
}

// Set is Upsert under another name: full-looking replacement call sites use
// it, but it never deletes fields present locally and absent from row
// (spec.md §4.E — that would discard another peer's concurrent field
// write). Use ClearRow + Upsert for a genuine full replacement.
func (t *Table) Set(id string, row map[string]any) error {
	return t.Upsert(id, row)
}

// ClearRow removes every cell of id, leaving no trace of the row locally.
func (t *Table) ClearRow(id string) error {
	rowID, err := keycodec.NewRowId(id)
	if err != nil {
		return err
	}
	prefix := keycodec.NewRowPrefix(rowID)
	return t.store.Batch(func(tx *lww.Tx) error {
		for key := range t.store.Map() {
			if keycodec.HasPrefix(key, prefix) {
				if err := tx.Delete(key); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// reconstructRow scans the live entry map for the given row prefix and
// rebuilds the field -> value map. Returns (nil, false) if no cells match.
func reconstructRow(entries map[string]substrate.Entry, rowID keycodec.RowId) (map[string]any, bool) {
	prefix := keycodec.NewRowPrefix(rowID)
	row := make(map[string]any)
	found := false
	for key, e := range entries {
		if !keycodec.HasPrefix(key, prefix) {
			continue
		}
		_, field, err := keycodec.ParseCellKey(key)
		if err != nil {
			continue
		}
		row[string(field)] = e.Val
		found = true
	}
	return row, found
}

// Get reconstructs row id from its cells, migrates it to the latest schema
// shape, and validates it.
func (t *Table) Get(id string) Result {
	rowID, err := keycodec.NewRowId(id)
	if err != nil {
		return Result{Status: StatusNotFound, ID: id}
	}
	raw, found := reconstructRow(t.store.Map(), rowID)
	if !found {
		return Result{Status: StatusNotFound, ID: id}
	}
	result := t.schema.MigrateOnRead(raw)
	if !result.Valid {
		return Result{Status: StatusInvalid, ID: id, Issues: result.Issues, Raw: raw}
	}
	return Result{Status: StatusValid, ID: id, Row: result.Row}
}

// Has reports whether at least one live cell exists for id.
func (t *Table) Has(id string) bool {
	rowID, err := keycodec.NewRowId(id)
	if err != nil {
		return false
	}
	prefix := keycodec.NewRowPrefix(rowID)
	for key := range t.store.Map() {
		if keycodec.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// rowsByID groups the current entry snapshot into raw rows keyed by row id,
// built with a single pass over the map as spec.md §4.E prescribes.
func (t *Table) rowsByID() map[string]map[string]any {
	rows := make(map[string]map[string]any)
	for key, e := range t.store.Map() {
		rowIDStr, field, err := keycodec.ParseCellKey(key)
		if err != nil {
			continue
		}
		row, ok := rows[string(rowIDStr)]
		if !ok {
			row = make(map[string]any)
			rows[string(rowIDStr)] = row
		}
		row[string(field)] = e.Val
	}
	return rows
}

// GetAll returns every row, valid or not, sorted by row ID ascending.
func (t *Table) GetAll() []Result {
	rows := t.rowsByID()
	ids := sortedKeys(rows)
	out := make([]Result, 0, len(ids))
	for _, id := range ids {
		result := t.schema.MigrateOnRead(rows[id])
		if result.Valid {
			out = append(out, Result{Status: StatusValid, ID: id, Row: result.Row})
		} else {
			out = append(out, Result{Status: StatusInvalid, ID: id, Issues: result.Issues, Raw: rows[id]})
		}
	}
	return out
}

// GetAllValid returns only the rows that migrate and validate cleanly,
// sorted by row ID ascending.
func (t *Table) GetAllValid() []Result {
	var out []Result
	for _, r := range t.GetAll() {
		if r.Status == StatusValid {
			out = append(out, r)
		}
	}
	return out
}

// GetAllInvalid returns only the rows that failed migration/validation,
// sorted by row ID ascending.
func (t *Table) GetAllInvalid() []Result {
	var out []Result
	for _, r := range t.GetAll() {
		if r.Status == StatusInvalid {
			out = append(out, r)
		}
	}
	return out
}

func sortedKeys(m map[string]map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Delete removes every cell of id. Returns ErrNotFoundLocally if no cells
// existed for id beforehand.
func (t *Table) Delete(id string) error {
	if !t.Has(id) {
		return fmt.Errorf("delete %q: %w", id, wserr.ErrNotFoundLocally)
	}
	return t.ClearRow(id)
}

// Clear removes every cell in the table's shared array. The array itself,
// and the Table handle bound to it, persist (spec.md invariant 5).
func (t *Table) Clear() error {
	return t.store.Batch(func(tx *lww.Tx) error {
		for key := range t.store.Map() {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of distinct row IDs with at least one live cell.
func (t *Table) Count() int {
	return len(t.rowsByID())
}

// Tx exposes the same Set/Delete surface as Table, scoped to one Batch
// transaction, for multi-row atomic writes.
type Tx struct {
	table *Table
	lwwTx *lww.Tx
}

// Set stages a full-looking row write within the enclosing Batch.
func (tx *Tx) Set(id string, row map[string]any) error {
	rowID, err := keycodec.NewRowId(id)
	if err != nil {
		return err
	}
	for fieldName, val := range row {
		field, err := keycodec.NewFieldId(fieldName)
		if err != nil {
			return err
		}
		if err := tx.lwwTx.Set(string(keycodec.NewCellKey(rowID, field)), val); err != nil {
			return err
		}
	}
	return nil
}

// Delete stages removal of every cell of id within the enclosing Batch.
// Unlike Table.Delete it does not check pre-existence; callers that need
// that check should call Table.Has before opening the batch. Live keys are
// read from the table's store mid-transaction, which reflects every
// Set/Delete already staged earlier in the same batch.
func (tx *Tx) Delete(id string) error {
	rowID, err := keycodec.NewRowId(id)
	if err != nil {
		return err
	}
	prefix := keycodec.NewRowPrefix(rowID)
	for key := range tx.table.store.Map() {
		if keycodec.HasPrefix(key, prefix) {
			if err := tx.lwwTx.Delete(key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Batch runs fn inside one substrate transaction shared by every Set/Delete
// call fn makes against tx, so observers fire exactly once for the whole
// batch (spec.md §4.E).
func (t *Table) Batch(fn func(tx *Tx) error) error {
	return t.store.Batch(func(lwwTx *lww.Tx) error {
		return fn(&Tx{table: t, lwwTx: lwwTx})
	})
}

// Observe registers cb to be called once per transaction that changes this
// table's cells, with the set of row IDs touched (spec.md §4.E — add,
// update, and delete are collapsed into one undifferentiated notification;
// callers diff by calling Get before/after if they need the distinction).
func (t *Table) Observe(cb func(changedRowIDs map[string]struct{}, txn substrate.Txn)) (cancel func()) {
	return t.store.Observe(func(changes map[string]lww.Change, txn substrate.Txn) {
		rowIDs := make(map[string]struct{})
		for key := range changes {
			rowIDStr, _, err := keycodec.ParseCellKey(key)
			if err != nil {
				continue
			}
			rowIDs[string(rowIDStr)] = struct{}{}
		}
		if len(rowIDs) > 0 {
			cb(rowIDs, txn)
		}
	})
}

// Name returns the table's logical name (the array is "table:" + Name()).
func (t *Table) Name() string { return t.name }
