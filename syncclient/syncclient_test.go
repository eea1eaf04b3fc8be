package syncclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Leftium/epicenter-sub001/substrate"
	"github.com/Leftium/epicenter-sub001/syncclient"
	"github.com/Leftium/epicenter-sub001/syncproto"
)

func TestStatusString(t *testing.T) {
	cases := map[syncclient.Status]string{
		syncclient.StatusOffline:     "offline",
		syncclient.StatusConnecting:  "connecting",
		syncclient.StatusHandshaking: "handshaking",
		syncclient.StatusConnected:   "connected",
		syncclient.StatusError:       "error",
	}
	for status, want := range cases {
		require.Equal(t, want, status.String())
	}
}

// fakeRoom is a minimal peer that performs the handshake and echoes
// SYNC_STATUS frames, enough to exercise the supervisor's full connect ->
// handshake -> connected -> ack lifecycle without a real room manager.
func fakeRoom(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	peerDoc := substrate.NewDoc(substrate.WithActorId("peer"))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := syncproto.Decode(data)
			if err != nil {
				continue
			}
			switch frame.Tag {
			case syncproto.TagSync:
				if frame.SubType == syncproto.SyncStep1 {
					blob, _ := peerDoc.EncodeUpdate()
					step2 := syncproto.EncodeSync(syncproto.SyncStep2, blob)
					if err := conn.WriteMessage(websocket.BinaryMessage, step2); err != nil {
						return
					}
				}
			case syncproto.TagSyncStatus:
				if err := conn.WriteMessage(websocket.BinaryMessage, syncproto.EncodeSyncStatus(mustDecodeStatus(frame.Payload))); err != nil {
					return
				}
			case syncproto.TagQueryAwareness:
				if err := conn.WriteMessage(websocket.BinaryMessage, syncproto.EncodeAwareness(nil)); err != nil {
					return
				}
			}
		}
	})
	return httptest.NewServer(handler)
}

func mustDecodeStatus(payload []byte) uint64 {
	v, _ := syncproto.DecodeSyncStatus(payload)
	return v
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestSupervisorConnectsAndTracksAcks(t *testing.T) {
	srv := fakeRoom(t)
	defer srv.Close()

	doc := substrate.NewDoc(substrate.WithActorId("client"))
	auth := func(ctx context.Context, workspaceID string) (string, string, error) {
		return wsURL(srv.URL), "", nil
	}

	sup := syncclient.New(doc, "ws1", auth,
		syncclient.WithHeartbeatInterval(30*time.Millisecond),
		syncclient.WithDeadAfter(200*time.Millisecond),
	)
	defer sup.Destroy()

	sup.Connect()
	require.Eventually(t, func() bool {
		return sup.Status() == syncclient.StatusConnected
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return !sup.HasLocalChanges()
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(0), sup.AckedVersion())

	arr := doc.GetArray("kv")
	require.NoError(t, doc.Transact(func() {
		arr.Push(substrate.Entry{Key: "k", Val: "v", Ts: 1})
	}, nil))

	require.Equal(t, uint64(1), sup.LocalVersion())
	require.Eventually(t, func() bool {
		return !sup.HasLocalChanges()
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(1), sup.AckedVersion())
}

func TestDisconnectIsSynchronousToStatus(t *testing.T) {
	srv := fakeRoom(t)
	defer srv.Close()

	doc := substrate.NewDoc(substrate.WithActorId("client"))
	auth := func(ctx context.Context, workspaceID string) (string, string, error) {
		return wsURL(srv.URL), "", nil
	}

	sup := syncclient.New(doc, "ws1", auth)
	sup.Connect()
	require.Eventually(t, func() bool {
		return sup.Status() == syncclient.StatusConnected
	}, 2*time.Second, 10*time.Millisecond)

	sup.Disconnect()
	require.Equal(t, syncclient.StatusOffline, sup.Status())
}

func TestDialFailureEntersErrorAndRetries(t *testing.T) {
	doc := substrate.NewDoc(substrate.WithActorId("client"))
	attempts := 0
	auth := func(ctx context.Context, workspaceID string) (string, string, error) {
		attempts++
		return "ws://127.0.0.1:1/nonexistent", "", nil
	}

	sup := syncclient.New(doc, "ws1", auth, syncclient.WithBackoff(20*time.Millisecond, 1.5, 50*time.Millisecond))
	defer sup.Destroy()

	sup.Connect()
	require.Eventually(t, func() bool {
		return sup.Status() == syncclient.StatusError
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return attempts >= 2
	}, 2*time.Second, 10*time.Millisecond)
}
