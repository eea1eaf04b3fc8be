// Package room implements the server-side room manager (spec.md §4.I): a
// per-workspace collection of peer sockets sharing one substrate document,
// with sync handshake, awareness relay, keepalive, and idle eviction.
// Grounded on queue/redis/queue.go's redis.Client construction for the
// optional cross-instance pubsub fan-out.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Leftium/epicenter-sub001/substrate"
	"github.com/Leftium/epicenter-sub001/syncproto"
)

// DocProvider returns the substrate document backing workspaceID, creating
// or loading it as needed. Repeated calls for the same id are expected to
// return the same logical document (the caller, typically the workspace
// builder's persistence extension, owns that guarantee).
type DocProvider func(ctx context.Context, workspaceID string) (substrate.DocSubstrate, error)

// PolicyFunc decides whether workspaceID may have a room created for it.
// The room registry (component N) backs the registered-only implementation;
// PolicyOpen below is the always-allow default for ad hoc mode.
type PolicyFunc func(workspaceID string) bool

// PolicyOpen permits any workspace id, creating rooms on demand.
func PolicyOpen(string) bool { return true }

// remoteOrigin tags doc.ApplyUpdate calls driven by an inbound peer frame.
type remoteOrigin struct{ peerID string }

// Manager owns the set of live rooms, one per workspace with at least one
// connected peer.
type Manager struct {
	docProvider DocProvider
	policy      PolicyFunc
	log         *logrus.Entry

	pingInterval time.Duration
	pongWait     time.Duration
	evictAfter   time.Duration

	redis       *redis.Client
	redisPrefix string

	mu    sync.Mutex
	rooms map[string]*Room
}

// Option configures a new Manager.
type Option func(*Manager)

// WithPolicy overrides the default always-allow policy.
func WithPolicy(p PolicyFunc) Option {
	return func(m *Manager) { m.policy = p }
}

// WithPingInterval overrides the default 30s keepalive ping cadence.
func WithPingInterval(d time.Duration) Option {
	return func(m *Manager) { m.pingInterval = d }
}

// WithEvictAfter overrides the default 60s idle-room eviction delay.
func WithEvictAfter(d time.Duration) Option {
	return func(m *Manager) { m.evictAfter = d }
}

// WithRedis enables cross-instance broadcast fan-out over a redis pubsub
// channel per room, so peers connected to different Manager processes
// still converge.
func WithRedis(client *redis.Client, keyPrefix string) Option {
	return func(m *Manager) {
		m.redis = client
		m.redisPrefix = keyPrefix
	}
}

// NewManager creates a Manager backed by docProvider.
func NewManager(docProvider DocProvider, opts ...Option) *Manager {
	m := &Manager{
		docProvider:  docProvider,
		policy:       PolicyOpen,
		log:          logrus.WithField("component", "room"),
		pingInterval: 30 * time.Second,
		pongWait:     40 * time.Second,
		evictAfter:   60 * time.Second,
		redisPrefix:  "room:",
		rooms:        make(map[string]*Room),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ErrPolicyDenied is returned by Accept when the configured PolicyFunc
// rejects a workspace id.
var ErrPolicyDenied = fmt.Errorf("room: workspace not permitted")

// Accept binds conn to the room for workspaceID, creating the room lazily
// on first connection, and blocks until the peer disconnects.
func (m *Manager) Accept(ctx context.Context, conn *websocket.Conn, workspaceID string) error {
	if !m.policy(workspaceID) {
		conn.Close()
		return ErrPolicyDenied
	}
	r, err := m.getOrCreateRoom(ctx, workspaceID)
	if err != nil {
		conn.Close()
		return err
	}
	return r.serve(ctx, conn)
}

// RoomCount reports the number of live rooms (tests / metrics).
func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

func (m *Manager) getOrCreateRoom(ctx context.Context, workspaceID string) (*Room, error) {
	m.mu.Lock()
	if r, ok := m.rooms[workspaceID]; ok {
		m.mu.Unlock()
		return r, nil
	}
	m.mu.Unlock()

	doc, err := m.docProvider(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("room: load workspace %q: %w", workspaceID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[workspaceID]; ok {
		return r, nil
	}
	r := newRoom(workspaceID, doc, m)
	m.rooms[workspaceID] = r
	if m.redis != nil {
		r.startRedisSubscriber(context.Background())
	}
	m.log.WithField("workspace", workspaceID).Debug("room created")
	return r, nil
}

func (m *Manager) discardRoom(workspaceID string, r *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rooms[workspaceID]; ok && cur == r {
		delete(m.rooms, workspaceID)
		r.stopRedisSubscriber()
		m.log.WithField("workspace", workspaceID).Debug("room evicted")
	}
}

// peer is one connected socket within a Room.
type peer struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) write(frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (p *peer) writeControl(messageType int, deadline time.Time) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteControl(messageType, nil, deadline)
}

// Room is the set of peers synchronizing one workspace's substrate document.
type Room struct {
	id      string
	doc     substrate.DocSubstrate
	manager *Manager
	log     *logrus.Entry

	mu         sync.Mutex
	peers      map[string]*peer
	awareness  map[string][]byte
	evictTimer *time.Timer

	redisCancel context.CancelFunc
}

func newRoom(id string, doc substrate.DocSubstrate, m *Manager) *Room {
	return &Room{
		id:        id,
		doc:       doc,
		manager:   m,
		log:       m.log.WithField("workspace", id),
		peers:     make(map[string]*peer),
		awareness: make(map[string][]byte),
	}
}

// serve admits one peer connection, performs the initial sync push, and
// runs its read and keepalive loops until it disconnects.
func (r *Room) serve(ctx context.Context, conn *websocket.Conn) error {
	p := &peer{id: uuid.NewString(), conn: conn}
	r.addPeer(p)
	defer r.removePeer(p)

	blob, err := r.doc.EncodeUpdate()
	if err != nil {
		return fmt.Errorf("room: encode initial state: %w", err)
	}
	if err := p.write(syncproto.EncodeSync(syncproto.SyncStep1, blob)); err != nil {
		return err
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- r.pingLoop(subCtx, p) }()
	go func() { errCh <- r.readLoop(subCtx, p) }()

	select {
	case <-subCtx.Done():
		return subCtx.Err()
	case err := <-errCh:
		return err
	}
}

func (r *Room) addPeer(p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.id] = p
	if r.evictTimer != nil {
		r.evictTimer.Stop()
		r.evictTimer = nil
	}
}

func (r *Room) removePeer(p *peer) {
	r.mu.Lock()
	delete(r.peers, p.id)
	delete(r.awareness, p.id)
	empty := len(r.peers) == 0
	r.mu.Unlock()
	p.conn.Close()
	if empty {
		r.mu.Lock()
		r.evictTimer = time.AfterFunc(r.manager.evictAfter, func() {
			r.manager.discardRoom(r.id, r)
		})
		r.mu.Unlock()
	}
}

func (r *Room) pingLoop(ctx context.Context, p *peer) error {
	ticker := time.NewTicker(r.manager.pingInterval)
	defer ticker.Stop()

	p.conn.SetReadDeadline(time.Now().Add(r.manager.pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(r.manager.pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.writeControl(websocket.PingMessage, time.Now().Add(5*time.Second)); err != nil {
				return fmt.Errorf("room: ping peer %s: %w", p.id, err)
			}
		}
	}
}

func (r *Room) readLoop(ctx context.Context, p *peer) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := syncproto.Decode(data)
		if err != nil {
			r.log.WithError(err).Debug("dropping malformed frame")
			continue
		}
		switch frame.Tag {
		case syncproto.TagSync:
			r.handleSync(p, frame)
		case syncproto.TagAwareness:
			r.mu.Lock()
			r.awareness[p.id] = frame.Payload
			r.mu.Unlock()
			r.broadcastExcept(p.id, syncproto.EncodeAwareness(frame.Payload))
		case syncproto.TagQueryAwareness:
			if err := p.write(r.encodeKnownAwareness()); err != nil {
				return err
			}
		case syncproto.TagSyncStatus:
			if err := p.write(syncproto.EncodeSyncStatus(mustStatusValue(frame.Payload))); err != nil {
				return err
			}
		}
	}
}

func (r *Room) handleSync(p *peer, frame syncproto.Frame) {
	switch frame.SubType {
	case syncproto.SyncStep1:
		blob, err := r.doc.EncodeUpdate()
		if err != nil {
			r.log.WithError(err).Warn("encode state for sync step 2")
			return
		}
		if err := p.write(syncproto.EncodeSync(syncproto.SyncStep2, blob)); err != nil {
			r.log.WithError(err).Debug("write sync step 2")
		}
	case syncproto.SyncStep2, syncproto.SyncUpdate:
		if err := r.doc.ApplyUpdate(frame.Payload, remoteOrigin{peerID: p.id}); err != nil {
			r.log.WithError(err).Warn("apply peer update")
			return
		}
		merged, err := r.doc.EncodeUpdate()
		if err != nil {
			r.log.WithError(err).Warn("encode merged state for broadcast")
			return
		}
		r.broadcastExcept(p.id, syncproto.EncodeSync(syncproto.SyncUpdate, merged))
		r.publishRedis(merged)
	}
}

// broadcastExcept sends frame to every connected peer other than
// excludeID.
func (r *Room) broadcastExcept(excludeID string, frame []byte) {
	r.mu.Lock()
	targets := make([]*peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id != excludeID {
			targets = append(targets, p)
		}
	}
	r.mu.Unlock()
	for _, p := range targets {
		if err := p.write(frame); err != nil {
			r.log.WithError(err).Debug("broadcast to peer failed")
		}
	}
}

// encodeKnownAwareness packs every peer's last-known awareness payload
// into one AWARENESS frame, keyed by peer id. The inner encoding is a
// server-internal detail (spec.md leaves it to the provider): a JSON
// object mapping peer id to its raw payload bytes.
func (r *Room) encodeKnownAwareness() []byte {
	r.mu.Lock()
	snapshot := make(map[string][]byte, len(r.awareness))
	for id, payload := range r.awareness {
		snapshot[id] = payload
	}
	r.mu.Unlock()
	body, _ := json.Marshal(snapshot)
	return syncproto.EncodeAwareness(body)
}

func mustStatusValue(payload []byte) uint64 {
	v, err := syncproto.DecodeSyncStatus(payload)
	if err != nil {
		return 0
	}
	return v
}

func (r *Room) redisChannel() string {
	return r.manager.redisPrefix + r.id
}

func (r *Room) publishRedis(blob []byte) {
	if r.manager.redis == nil {
		return
	}
	if err := r.manager.redis.Publish(context.Background(), r.redisChannel(), blob).Err(); err != nil {
		r.log.WithError(err).Debug("publish to redis")
	}
}

func (r *Room) startRedisSubscriber(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	r.redisCancel = cancel
	sub := r.manager.redis.Subscribe(subCtx, r.redisChannel())
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := r.doc.ApplyUpdate([]byte(msg.Payload), remoteOrigin{peerID: "redis"}); err != nil {
					r.log.WithError(err).Warn("apply update from redis")
					continue
				}
				r.broadcastExcept("", syncproto.EncodeSync(syncproto.SyncUpdate, []byte(msg.Payload)))
			}
		}
	}()
}

func (r *Room) stopRedisSubscriber() {
	if r.redisCancel != nil {
		r.redisCancel()
		r.redisCancel = nil
	}
}
