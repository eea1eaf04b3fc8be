// Package wserr defines the sentinel error values shared across the workspace
// engine's layers, so callers can branch on them with errors.Is instead of
// matching on error strings.
package wserr

import "errors"

var (
	// ErrInvalidKey is returned when a row id, field id, or KV key contains
	// the reserved ':' separator or is empty (keycodec), when a cell key
	// cannot be parsed (keycodec.ParseCellKey), and when an LWW key is empty
	// or contains a NUL byte (lww). keycodec.MustCellKey panics with it.
	ErrInvalidKey = errors.New("wserr: identifier contains reserved separator or is empty")

	// ErrNotFoundLocally is returned by Table.Update/Table.Delete when no
	// local cell exists for the row yet. Non-fatal: a peer may still create
	// the row later via LWW merge.
	ErrNotFoundLocally = errors.New("wserr: no local cells for row")

	// ErrNotFound names a missing row. Table.Get does not return it (it
	// reports StatusNotFound in its Result); the HTTP routes map it to 404.
	ErrNotFound = errors.New("wserr: row not found")

	// ErrKeyNotFound names a KV key with no live entry. The KV helper does
	// not return it; its Get reports StatusNotFound in its Result.
	ErrKeyNotFound = errors.New("wserr: key not found")

	// ErrAuthFailed names a sync handshake rejected by the peer (bad token,
	// revoked auth). The supervisor does not produce it; a rejected
	// handshake is handled like any other connection failure.
	ErrAuthFailed = errors.New("wserr: authentication failed")

	// ErrClosed names an operation attempted after Destroy. No package
	// returns it; substrate.Doc reports its own closed error.
	ErrClosed = errors.New("wserr: closed")
)
