package workspace_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Leftium/epicenter-sub001/schema"
	"github.com/Leftium/epicenter-sub001/substrate"
	"github.com/Leftium/epicenter-sub001/workspace"
)

func postsDef() schema.TableDefinition {
	return schema.TableDefinition{
		ID:   "posts",
		Name: "Posts",
		Fields: []schema.FieldDef{
			{ID: "id", Type: schema.FieldText},
			{ID: "title", Type: schema.FieldText},
		},
	}
}

func testDefinition(t *testing.T) workspace.Definition {
	t.Helper()
	vs, err := schema.NewBuilder().AddVersion("", postsDef()).Build(nil)
	require.NoError(t, err)
	return workspace.Definition{
		ID:     "ws1",
		Tables: map[string]*schema.VersionedSchema{"posts": vs},
		KV:     schema.KVDefinition{Fields: map[string]schema.FieldDef{}},
	}
}

// fakeExtension records whether it has been set up and torn down, and lets
// a test control when WhenReady resolves.
type fakeExtension struct {
	ready     chan error
	destroyed bool
	destroyErr error
}

func newFakeExtension() *fakeExtension {
	return &fakeExtension{ready: make(chan error, 1)}
}

func (f *fakeExtension) WhenReady() <-chan error { return f.ready }
func (f *fakeExtension) Destroy(context.Context) error {
	f.destroyed = true
	return f.destroyErr
}

func TestBuilderAssemblesTablesAndKV(t *testing.T) {
	doc := substrate.NewDoc()
	b, err := workspace.New(testDefinition(t), doc)
	require.NoError(t, err)

	require.NoError(t, b.Tables["posts"].Upsert("p1", map[string]any{"id": "p1", "title": "Hello"}))
	res := b.Tables["posts"].Get("p1")
	assert.Equal(t, "Hello", res.Row["title"])
}

func TestWithExtensionThreadsAccumulatedContext(t *testing.T) {
	doc := substrate.NewDoc()
	b, err := workspace.New(testDefinition(t), doc)
	require.NoError(t, err)

	firstExt := newFakeExtension()
	close(firstExt.ready)
	b, err = b.WithExtension("first", func(ctx workspace.Context) (workspace.Extension, error) {
		assert.Empty(t, ctx.Extensions)
		return firstExt, nil
	})
	require.NoError(t, err)

	secondExt := newFakeExtension()
	close(secondExt.ready)
	var sawFirst bool
	b, err = b.WithExtension("second", func(ctx workspace.Context) (workspace.Extension, error) {
		_, sawFirst = ctx.Extensions["first"]
		return secondExt, nil
	})
	require.NoError(t, err)
	assert.True(t, sawFirst)

	client := b.WithActions(func(c *workspace.Client) map[string]any {
		return map[string]any{"noop": func() {}}
	})
	assert.Contains(t, client.Actions, "noop")

	got, ok := workspace.ExtensionAs[*fakeExtension](client, "second")
	assert.True(t, ok)
	assert.Same(t, secondExt, got)
}

func TestWhenReadyFailsFastOnFirstRejection(t *testing.T) {
	doc := substrate.NewDoc()
	b, err := workspace.New(testDefinition(t), doc)
	require.NoError(t, err)

	okExt := newFakeExtension()
	close(okExt.ready)
	b, err = b.WithExtension("ok", func(workspace.Context) (workspace.Extension, error) { return okExt, nil })
	require.NoError(t, err)

	failing := newFakeExtension()
	failing.ready <- errors.New("boom")
	b, err = b.WithExtension("failing", func(workspace.Context) (workspace.Extension, error) { return failing, nil })
	require.NoError(t, err)

	client := b.WithActions(func(*workspace.Client) map[string]any { return nil })
	err = client.WhenReady(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing")
}

func TestDestroyTearsDownInReverseOrderAndIsIdempotent(t *testing.T) {
	doc := substrate.NewDoc()
	b, err := workspace.New(testDefinition(t), doc)
	require.NoError(t, err)

	var order []string
	makeExt := func(name string) *fakeExtension {
		e := newFakeExtension()
		close(e.ready)
		return e
	}
	first := makeExt("first")
	second := makeExt("second")

	b, err = b.WithExtension("first", func(workspace.Context) (workspace.Extension, error) {
		return trackingExtension{fakeExtension: first, name: "first", order: &order}, nil
	})
	require.NoError(t, err)
	b, err = b.WithExtension("second", func(workspace.Context) (workspace.Extension, error) {
		return trackingExtension{fakeExtension: second, name: "second", order: &order}, nil
	})
	require.NoError(t, err)

	client := b.WithActions(func(*workspace.Client) map[string]any { return nil })

	require.NoError(t, client.Destroy(context.Background()))
	assert.Equal(t, []string{"second", "first"}, order)
	assert.True(t, first.destroyed)
	assert.True(t, second.destroyed)

	// Second Destroy call is a no-op, not a re-run.
	order = nil
	require.NoError(t, client.Destroy(context.Background()))
	assert.Empty(t, order)
}

// trackingExtension wraps a fakeExtension to record destroy order.
type trackingExtension struct {
	*fakeExtension
	name  string
	order *[]string
}

func (t trackingExtension) Destroy(ctx context.Context) error {
	*t.order = append(*t.order, t.name)
	return t.fakeExtension.Destroy(ctx)
}
