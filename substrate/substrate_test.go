package substrate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Leftium/epicenter-sub001/substrate"
)

func TestTransactDispatchesObserverOnce(t *testing.T) {
	doc := substrate.NewDoc(substrate.WithActorId("a1"))
	arr := doc.GetArray("things")

	var calls int
	var lastEvents []substrate.Event
	doc.Observe(arr, func(events []substrate.Event, txn substrate.Txn) {
		calls++
		lastEvents = events
		assert.True(t, txn.Local)
	})

	err := doc.Transact(func() {
		arr.Push(substrate.Entry{Key: "k1", Val: "v1", Ts: 1})
		arr.Push(substrate.Entry{Key: "k2", Val: "v2", Ts: 2})
	}, "origin1")
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Len(t, lastEvents, 2)
}

func TestSnapshotExcludesTombstones(t *testing.T) {
	doc := substrate.NewDoc(substrate.WithActorId("a1"))
	arr := doc.GetArray("things")

	require.NoError(t, doc.Transact(func() {
		arr.Push(substrate.Entry{Key: "k1", Val: "v1", Ts: 1})
	}, nil))
	require.NoError(t, doc.Transact(func() {
		arr.RemoveWhere(func(e substrate.Entry) bool { return e.Key == "k1" })
	}, nil))

	assert.Empty(t, arr.Snapshot())
}

func TestArrayMutationOutsideTransactPanics(t *testing.T) {
	doc := substrate.NewDoc(substrate.WithActorId("a1"))
	arr := doc.GetArray("things")

	assert.Panics(t, func() {
		arr.Push(substrate.Entry{Key: "k1", Val: "v1", Ts: 1})
	})
}

func TestEncodeApplyUpdateRoundTrip(t *testing.T) {
	src := substrate.NewDoc(substrate.WithActorId("src"))
	arr := src.GetArray("things")
	require.NoError(t, src.Transact(func() {
		arr.Push(substrate.Entry{Key: "k1", Val: float64(42), Ts: 5})
	}, nil))

	blob, err := src.EncodeUpdate()
	require.NoError(t, err)

	dst := substrate.NewDoc(substrate.WithActorId("dst"))
	require.NoError(t, dst.ApplyUpdate(blob, "remote"))

	dstArr := dst.GetArray("things")
	got := dstArr.Snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "k1", got[0].Key)
	assert.Equal(t, float64(42), got[0].Val)
	assert.Equal(t, uint64(5), got[0].Ts)
}

func TestApplyUpdateConvergesOnHigherTimestamp(t *testing.T) {
	docA := substrate.NewDoc(substrate.WithActorId("actorA"))
	docB := substrate.NewDoc(substrate.WithActorId("actorB"))
	arrA := docA.GetArray("things")
	arrB := docB.GetArray("things")

	require.NoError(t, docA.Transact(func() {
		arrA.Push(substrate.Entry{Key: "k", Val: "old", Ts: 1})
	}, nil))
	require.NoError(t, docB.Transact(func() {
		arrB.Push(substrate.Entry{Key: "k", Val: "new", Ts: 2})
	}, nil))

	updateB, err := docB.EncodeUpdate()
	require.NoError(t, err)
	require.NoError(t, docA.ApplyUpdate(updateB, "peerB"))

	snap := arrA.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "new", snap[0].Val)
}

func TestApplyUpdatePropagatesDelete(t *testing.T) {
	docA := substrate.NewDoc(substrate.WithActorId("actorA"))
	docB := substrate.NewDoc(substrate.WithActorId("actorB"))
	arrA := docA.GetArray("things")

	require.NoError(t, docA.Transact(func() {
		arrA.Push(substrate.Entry{Key: "k", Val: "v", Ts: 10})
	}, nil))

	updateA, err := docA.EncodeUpdate()
	require.NoError(t, err)
	require.NoError(t, docB.ApplyUpdate(updateA, "peerA"))

	arrB := docB.GetArray("things")
	require.NoError(t, docB.Transact(func() {
		arrB.RemoveWhere(func(e substrate.Entry) bool { return e.Key == "k" })
	}, nil))

	updateB, err := docB.EncodeUpdate()
	require.NoError(t, err)
	require.NoError(t, docA.ApplyUpdate(updateB, "peerB"))

	assert.Empty(t, arrA.Snapshot())
}

func TestOnUpdateFiresOnlyForLocalTransactions(t *testing.T) {
	doc := substrate.NewDoc(substrate.WithActorId("a1"))
	arr := doc.GetArray("things")

	var localFires int
	doc.OnUpdate(func(update []byte, origin any, txn substrate.Txn) {
		localFires++
	})

	require.NoError(t, doc.Transact(func() {
		arr.Push(substrate.Entry{Key: "k", Val: "v", Ts: 1})
	}, nil))
	assert.Equal(t, 1, localFires)

	other := substrate.NewDoc(substrate.WithActorId("a2"))
	blob, err := other.EncodeUpdate()
	require.NoError(t, err)
	require.NoError(t, doc.ApplyUpdate(blob, "remote"))
	assert.Equal(t, 1, localFires, "ApplyUpdate must not trigger OnUpdate subscribers")
}

func TestObserveCancel(t *testing.T) {
	doc := substrate.NewDoc(substrate.WithActorId("a1"))
	arr := doc.GetArray("things")

	var calls int
	cancel := doc.Observe(arr, func(events []substrate.Event, txn substrate.Txn) {
		calls++
	})
	cancel()

	require.NoError(t, doc.Transact(func() {
		arr.Push(substrate.Entry{Key: "k", Val: "v", Ts: 1})
	}, nil))
	assert.Equal(t, 0, calls)
}

func TestCloseRejectsFurtherTransactions(t *testing.T) {
	doc := substrate.NewDoc(substrate.WithActorId("a1"))
	require.NoError(t, doc.Close(nil))

	err := doc.Transact(func() {}, nil)
	assert.Error(t, err)
}
