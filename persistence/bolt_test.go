package persistence_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Leftium/epicenter-sub001/persistence"
)

func TestBoltLoadOnEmptyStoreReportsNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workspaces.bolt")
	p, err := persistence.OpenBolt(path, "ws1")
	require.NoError(t, err)
	defer p.Close()

	select {
	case <-p.WhenReady():
	default:
		t.Fatal("WhenReady should already be closed after OpenBolt returns")
	}

	blob, found, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, blob)
}

func TestBoltSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workspaces.bolt")
	p, err := persistence.OpenBolt(path, "ws1")
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Save(context.Background(), []byte("hello world")))

	blob, found, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello world"), blob)
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workspaces.bolt")

	p1, err := persistence.OpenBolt(path, "ws1")
	require.NoError(t, err)
	require.NoError(t, p1.Save(context.Background(), []byte("persisted")))
	require.NoError(t, p1.Close())

	p2, err := persistence.OpenBolt(path, "ws1")
	require.NoError(t, err)
	defer p2.Close()

	blob, found, err := p2.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("persisted"), blob)
}

func TestBoltHubSharesOneFileAcrossWorkspaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workspaces.bolt")
	hub, err := persistence.OpenBoltHub(path)
	require.NoError(t, err)
	defer hub.Close()

	a, err := hub.Adapter("ws-a")
	require.NoError(t, err)
	b, err := hub.Adapter("ws-b")
	require.NoError(t, err)

	require.NoError(t, a.Save(context.Background(), []byte("a-data")))
	require.NoError(t, b.Save(context.Background(), []byte("b-data")))

	blobA, found, err := a.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("a-data"), blobA)

	blobB, found, err := b.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("b-data"), blobB)
}
