// Package workspace implements the workspace client and extension builder
// (spec.md §4.G, §4.J): it assembles tables and a KV store over one
// substrate.DocSubstrate, threads a chainable extension builder where each
// stage's factory observes the exports of every prior stage, and attaches a
// terminal action map. Grounded on coordinator/coordinator.go's ordered
// phase list (accumulate in order, tear down in reverse) for the
// extension lifecycle bookkeeping.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Leftium/epicenter-sub001/kvhelper"
	"github.com/Leftium/epicenter-sub001/schema"
	"github.com/Leftium/epicenter-sub001/substrate"
	"github.com/Leftium/epicenter-sub001/table"
)

// Definition describes the shape of one workspace: its id, the versioned
// schema of every table it carries, and the shape of its KV store.
type Definition struct {
	ID     string
	Tables map[string]*schema.VersionedSchema
	KV     schema.KVDefinition
}

// Extension is the lifecycle contract every extension factory's return
// value must satisfy (spec.md §4.J): a readiness signal and an idempotent
// destructor. Exports beyond these two methods are recovered by the
// caller via ExtensionAs, since Go has no equivalent of the source's
// per-stage growing type environment — see DESIGN.md's note on this
// builder's "runtime record" rendition of spec.md's generic pipeline.
type Extension interface {
	// WhenReady closes (or sends at most one error) once the extension has
	// finished its own asynchronous setup.
	WhenReady() <-chan error
	// Destroy releases the extension's resources. Must be safe to call
	// once; the builder never calls it twice for the same extension.
	Destroy(ctx context.Context) error
}

// Context is what a factory observes at its stage of the chain: the base
// client surface plus every extension installed by a prior WithExtension
// call, keyed by name.
type Context struct {
	ID          string
	Doc         substrate.DocSubstrate
	Tables      map[string]*table.Table
	KV          *kvhelper.Store
	Definitions Definition
	Extensions  map[string]any
}

// Factory builds one extension from the accumulated context. It runs
// synchronously; any asynchronous work the extension needs belongs behind
// its WhenReady channel, not in the factory call itself.
type Factory func(ctx Context) (Extension, error)

type extEntry struct {
	name string
	ext  Extension
}

// Client is the assembled workspace: tables and a KV store bound to one
// substrate, plus whatever extensions and actions a Builder chain attached.
// It is frozen once returned by Builder.WithActions — no further
// extensions or actions can be added to the same value.
type Client struct {
	ID          string
	Doc         substrate.DocSubstrate
	Tables      map[string]*table.Table
	KV          *kvhelper.Store
	Definitions Definition
	Actions     map[string]any

	mu         sync.Mutex
	extensions map[string]any
	entries    []extEntry
	destroyed  bool
	finalized  bool
}

// ExtensionAs recovers a named extension's concrete type, for callers that
// need more than the Extension interface's two lifecycle methods (e.g. a
// sync extension's Status() or a persistence extension's Adapter()).
func ExtensionAs[T any](c *Client, name string) (T, bool) {
	var zero T
	c.mu.Lock()
	v, ok := c.extensions[name]
	c.mu.Unlock()
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// WhenReady resolves once every installed extension's WhenReady channel has
// closed (or sent nil); it fails fast on the first non-nil error any
// extension reports, matching spec.md §4.G's aggregate-reject rule. Uses
// errgroup's fail-fast group wait rather than a hand-rolled WaitGroup plus
// error channel, since the two are equivalent in shape and errgroup already
// cancels the group context on the first error.
func (c *Client) WhenReady(ctx context.Context) error {
	c.mu.Lock()
	entries := append([]extEntry(nil), c.entries...)
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			select {
			case err, ok := <-e.ext.WhenReady():
				if ok && err != nil {
					return fmt.Errorf("workspace: extension %q: %w", e.name, err)
				}
				return nil
			case <-gctx.Done():
				return fmt.Errorf("workspace: extension %q: %w", e.name, gctx.Err())
			}
		})
	}
	return g.Wait()
}

// Destroy tears down extensions in reverse insertion order, then releases
// the substrate. Safe to call more than once; only the first call acts.
func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	entries := append([]extEntry(nil), c.entries...)
	c.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if err := e.ext.Destroy(ctx); err != nil {
			errs = append(errs, fmt.Errorf("workspace: destroy extension %q: %w", e.name, err))
		}
	}
	if err := c.Doc.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("workspace: close substrate: %w", err))
	}
	return errors.Join(errs...)
}

// Builder is the progressive extension chain (spec.md §4.G builder
// stages). It embeds *Client so a Builder is itself a usable workspace
// client at every stage, extensions included; WithActions freezes it into
// a terminal *Client with no further chaining available.
type Builder struct {
	*Client
}

// New assembles a workspace's tables and KV store over doc and returns the
// zero-extension builder stage (itself a valid, extension-free client).
func New(def Definition, doc substrate.DocSubstrate) (*Builder, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("workspace: definition id is required")
	}
	tables := make(map[string]*table.Table, len(def.Tables))
	for name, vs := range def.Tables {
		if vs == nil {
			return nil, fmt.Errorf("workspace: table %q has no schema", name)
		}
		tables[name] = table.Open(doc, name, vs)
	}
	kv := kvhelper.Open(doc, def.KV)

	c := &Client{
		ID:          def.ID,
		Doc:         doc,
		Tables:      tables,
		KV:          kv,
		Definitions: def,
		extensions:  make(map[string]any),
	}
	return &Builder{Client: c}, nil
}

// WithExtension calls factory synchronously with the context accumulated
// so far, installs its result under name, and returns the same builder
// value so the next stage's factory observes it too. Installing two
// extensions under the same name is a programming error.
func (b *Builder) WithExtension(name string, factory Factory) (*Builder, error) {
	b.mu.Lock()
	if b.destroyed || b.finalized {
		b.mu.Unlock()
		return nil, fmt.Errorf("workspace: builder already finalized or destroyed")
	}
	if _, exists := b.extensions[name]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("workspace: extension %q already installed", name)
	}
	ctx := Context{
		ID:          b.ID,
		Doc:         b.Doc,
		Tables:      b.Tables,
		KV:          b.KV,
		Definitions: b.Definitions,
		Extensions:  copyExtensions(b.extensions),
	}
	b.mu.Unlock()

	ext, err := factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("workspace: extension %q factory: %w", name, err)
	}

	b.mu.Lock()
	b.extensions[name] = ext
	b.entries = append(b.entries, extEntry{name: name, ext: ext})
	b.mu.Unlock()
	return b, nil
}

// WithActions calls fn with the finalized client and attaches its result
// as the client's Actions map, freezing the builder. After it,
// WithExtension on the same Builder returns an error, and a further
// WithActions call returns the same *Client without calling fn.
func (b *Builder) WithActions(fn func(*Client) map[string]any) *Client {
	b.mu.Lock()
	if b.finalized {
		b.mu.Unlock()
		return b.Client
	}
	b.finalized = true
	b.Actions = fn(b.Client)
	b.mu.Unlock()
	return b.Client
}

func copyExtensions(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
