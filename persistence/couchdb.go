package persistence

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // registers the "couch" driver
)

const couchAttachmentName = "update.bin"

// CouchPersistence is an Adapter storing the substrate blob as a single
// attachment on a per-workspace CouchDB document, tracking the document
// revision so concurrent saves from two processes surface a conflict
// instead of silently clobbering each other. Grounded on db/couchdb.go's
// kivik.New/client.DB/ScanDoc connection and document-access pattern.
type CouchPersistence struct {
	client      *kivik.Client
	db          *kivik.DB
	workspaceID string

	mu  sync.Mutex
	rev string

	ready chan struct{}
}

// OpenCouch connects to the CouchDB server at url, creating database if it
// does not already exist, and binds an Adapter to workspaceID's document
// within it.
func OpenCouch(ctx context.Context, url, database, workspaceID string) (*CouchPersistence, error) {
	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, fmt.Errorf("persistence: kivik connect: %w", err)
	}
	exists, err := client.DBExists(ctx, database)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("persistence: check database: %w", err)
	}
	if !exists {
		if err := client.CreateDB(ctx, database); err != nil {
			client.Close()
			return nil, fmt.Errorf("persistence: create database: %w", err)
		}
	}
	db := client.DB(database)
	if err := db.Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("persistence: open database: %w", err)
	}

	p := &CouchPersistence{client: client, db: db, workspaceID: workspaceID, ready: make(chan struct{})}
	if _, _, err := p.Load(ctx); err != nil {
		client.Close()
		return nil, err
	}
	close(p.ready)
	return p, nil
}

// Load fetches the workspace document and its attachment, if either
// exists. A missing document is reported as (nil, false, nil), not an
// error, so a first-time workspace open starts from an empty state.
func (p *CouchPersistence) Load(ctx context.Context) ([]byte, bool, error) {
	row := p.db.Get(ctx, p.workspaceID)
	var head struct {
		Rev string `json:"_rev"`
	}
	if err := row.ScanDoc(&head); err != nil {
		if kivik.HTTPStatus(row.Err()) == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("persistence: couch load doc: %w", err)
	}

	p.mu.Lock()
	p.rev = head.Rev
	p.mu.Unlock()

	att, err := p.db.GetAttachment(ctx, p.workspaceID, couchAttachmentName, kivik.Rev(head.Rev))
	if err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("persistence: couch load attachment: %w", err)
	}
	defer att.Content.Close()
	blob, err := io.ReadAll(att.Content)
	if err != nil {
		return nil, false, fmt.Errorf("persistence: read attachment: %w", err)
	}
	return blob, true, nil
}

// Save writes blob as the workspace document's attachment, supplying the
// last-known revision so CouchDB's MVCC check rejects a concurrent writer
// that raced it, rather than silently overwriting.
func (p *CouchPersistence) Save(ctx context.Context, blob []byte) error {
	p.mu.Lock()
	rev := p.rev
	p.mu.Unlock()

	att := &kivik.Attachment{
		Filename:    couchAttachmentName,
		ContentType: "application/octet-stream",
		Content:     io.NopCloser(bytes.NewReader(blob)),
	}
	var opts []kivik.Option
	if rev != "" {
		opts = append(opts, kivik.Rev(rev))
	}
	newRev, err := p.db.PutAttachment(ctx, p.workspaceID, att, opts...)
	if err != nil {
		return fmt.Errorf("persistence: couch save: %w", err)
	}
	p.mu.Lock()
	p.rev = newRev
	p.mu.Unlock()
	return nil
}

// WhenReady closes once the adapter's constructor has completed its first
// Load.
func (p *CouchPersistence) WhenReady() <-chan struct{} { return p.ready }

// Close releases the CouchDB client connection.
func (p *CouchPersistence) Close() error {
	return p.client.Close()
}
