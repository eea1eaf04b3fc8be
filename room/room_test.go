package room_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Leftium/epicenter-sub001/room"
	"github.com/Leftium/epicenter-sub001/substrate"
	"github.com/Leftium/epicenter-sub001/syncproto"
)

func docProvider(docs map[string]substrate.DocSubstrate) room.DocProvider {
	return func(ctx context.Context, workspaceID string) (substrate.DocSubstrate, error) {
		if d, ok := docs[workspaceID]; ok {
			return d, nil
		}
		d := substrate.NewDoc(substrate.WithActorId("room-" + workspaceID))
		docs[workspaceID] = d
		return d, nil
	}
}

func newTestServer(m *room.Manager) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.Accept(r.Context(), conn, r.URL.Query().Get("ws"))
	}))
}

func wsURL(httpURL, workspaceID string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "?ws=" + workspaceID
}

func TestRoomSendsInitialSyncStep1(t *testing.T) {
	m := room.NewManager(docProvider(map[string]substrate.DocSubstrate{}))
	srv := newTestServer(m)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "w1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := syncproto.Decode(data)
	require.NoError(t, err)
	require.Equal(t, syncproto.TagSync, frame.Tag)
	require.Equal(t, syncproto.SyncStep1, frame.SubType)
}

func TestRoomBroadcastsUpdatesBetweenPeers(t *testing.T) {
	m := room.NewManager(docProvider(map[string]substrate.DocSubstrate{}))
	srv := newTestServer(m)
	defer srv.Close()

	connA, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "w1"), nil)
	require.NoError(t, err)
	defer connA.Close()
	_, _, err = connA.ReadMessage() // initial SyncStep1
	require.NoError(t, err)

	connB, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "w1"), nil)
	require.NoError(t, err)
	defer connB.Close()
	_, _, err = connB.ReadMessage() // initial SyncStep1
	require.NoError(t, err)

	clientDoc := substrate.NewDoc(substrate.WithActorId("clientA"))
	arr := clientDoc.GetArray("kv")
	require.NoError(t, clientDoc.Transact(func() {
		arr.Push(substrate.Entry{Key: "k", Val: "v", Ts: 1})
	}, nil))
	blob, err := clientDoc.EncodeUpdate()
	require.NoError(t, err)

	require.NoError(t, connA.WriteMessage(websocket.BinaryMessage, syncproto.EncodeSync(syncproto.SyncUpdate, blob)))

	connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := connB.ReadMessage()
	require.NoError(t, err)
	frame, err := syncproto.Decode(data)
	require.NoError(t, err)
	require.Equal(t, syncproto.TagSync, frame.Tag)
	require.Equal(t, syncproto.SyncUpdate, frame.SubType)
}

func TestRoomEchoesSyncStatusToSenderOnly(t *testing.T) {
	m := room.NewManager(docProvider(map[string]substrate.DocSubstrate{}))
	srv := newTestServer(m)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "w1"), nil)
	require.NoError(t, err)
	defer conn.Close()
	_, _, err = conn.ReadMessage() // initial SyncStep1
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, syncproto.EncodeSyncStatus(7)))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := syncproto.Decode(data)
	require.NoError(t, err)
	v, err := syncproto.DecodeSyncStatus(frame.Payload)
	require.NoError(t, err)
	require.Equal(t, uint64(7), v)
}

func TestPolicyDeniedRejectsConnection(t *testing.T) {
	m := room.NewManager(docProvider(map[string]substrate.DocSubstrate{}), room.WithPolicy(func(string) bool { return false }))
	srv := newTestServer(m)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "unknown"), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	require.Equal(t, 0, m.RoomCount())
}

func TestRoomEvictedAfterLastPeerDisconnects(t *testing.T) {
	m := room.NewManager(docProvider(map[string]substrate.DocSubstrate{}), room.WithEvictAfter(50*time.Millisecond))
	srv := newTestServer(m)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "w1"), nil)
	require.NoError(t, err)
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, 1, m.RoomCount())

	conn.Close()
	require.Eventually(t, func() bool {
		return m.RoomCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestErrPolicyDeniedIsASentinel(t *testing.T) {
	require.True(t, errors.Is(room.ErrPolicyDenied, room.ErrPolicyDenied))
}
