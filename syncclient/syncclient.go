// Package syncclient implements the sync provider supervisor (spec.md
// §4.H): a single-connection WebSocket state machine that keeps a
// substrate.DocSubstrate converged with a peer server, with an extension
// for local-change acknowledgement, exponential backoff, and cancellable
// reconnection. Grounded on coordinator/coordinator.go's dial-loop,
// per-component logrus logger, and goroutine-based read/send pattern.
package syncclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Leftium/epicenter-sub001/substrate"
	"github.com/Leftium/epicenter-sub001/syncproto"
)

// Status is one state in the supervisor's connection state machine.
type Status int

const (
	StatusOffline Status = iota
	StatusConnecting
	StatusHandshaking
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusConnecting:
		return "connecting"
	case StatusHandshaking:
		return "handshaking"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// AuthFunc resolves the socket URL and an optional bearer token for a
// workspace, ahead of each connection attempt (spec.md §4.H's auth
// callback).
type AuthFunc func(ctx context.Context, workspaceID string) (url string, token string, err error)

// StatusFunc observes a status transition.
type StatusFunc func(Status)

// AwarenessFunc observes an inbound awareness update from the peer.
type AwarenessFunc func(payload []byte)

// remoteOrigin tags transactions applied from the wire, distinguishing
// them from local application code in logs; substrate.Doc itself already
// marks ApplyUpdate transactions non-local regardless of origin value.
type remoteOrigin struct{}

// Supervisor is the sync provider supervisor bound to one workspace's
// substrate document.
type Supervisor struct {
	doc         substrate.DocSubstrate
	workspaceID string
	auth        AuthFunc
	log         *logrus.Entry
	dialer      *websocket.Dialer

	heartbeatInterval time.Duration
	deadAfter         time.Duration
	backoffBase       time.Duration
	backoffFactor     float64
	backoffCap        time.Duration

	mu        sync.Mutex
	status    Status
	conn      *websocket.Conn
	running   bool
	cancelRun context.CancelFunc

	writeMu sync.Mutex

	sleeperMu  sync.Mutex
	curSleeper *sleeper

	localVersion uint64
	ackedVersion int64 // -1 until first echo

	echoCh chan struct{}

	statusMu  sync.Mutex
	statusSub map[int]StatusFunc
	awareSub  map[int]AwarenessFunc
	nextSubID int

	unsubUpdate func()
}

// Option configures a new Supervisor.
type Option func(*Supervisor)

// WithHeartbeatInterval overrides the default 2s SYNC_STATUS probe cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.heartbeatInterval = d }
}

// WithDeadAfter overrides the default 3s echo timeout.
func WithDeadAfter(d time.Duration) Option {
	return func(s *Supervisor) { s.deadAfter = d }
}

// WithBackoff overrides the default base 500ms / factor 1.5 / cap 30s
// reconnect backoff.
func WithBackoff(base time.Duration, factor float64, cap time.Duration) Option {
	return func(s *Supervisor) {
		s.backoffBase = base
		s.backoffFactor = factor
		s.backoffCap = cap
	}
}

// WithDialer overrides the websocket dialer (tests only).
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Supervisor) { s.dialer = d }
}

// New creates a Supervisor for workspaceID, bound to doc. It does not
// connect until Connect is called.
func New(doc substrate.DocSubstrate, workspaceID string, auth AuthFunc, opts ...Option) *Supervisor {
	s := &Supervisor{
		doc:               doc,
		workspaceID:       workspaceID,
		auth:              auth,
		log:               logrus.WithField("component", "syncclient").WithField("workspace", workspaceID),
		dialer:            websocket.DefaultDialer,
		heartbeatInterval: 2 * time.Second,
		deadAfter:         3 * time.Second,
		backoffBase:       500 * time.Millisecond,
		backoffFactor:     1.5,
		backoffCap:        30 * time.Second,
		ackedVersion:      -1,
		statusSub:         make(map[int]StatusFunc),
		awareSub:          make(map[int]AwarenessFunc),
	}
	for _, o := range opts {
		o(s)
	}
	s.unsubUpdate = doc.OnUpdate(s.onLocalUpdate)
	return s
}

// Status returns the supervisor's current state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LocalVersion returns the monotonic local-update counter.
func (s *Supervisor) LocalVersion() uint64 {
	return atomic.LoadUint64(&s.localVersion)
}

// AckedVersion returns the highest localVersion the peer has echoed back,
// or -1 if none yet.
func (s *Supervisor) AckedVersion() int64 {
	return atomic.LoadInt64(&s.ackedVersion)
}

// HasLocalChanges reports whether any local update is still unacknowledged
// by the peer (spec.md §8 invariant 9: ackedVersion < localVersion).
func (s *Supervisor) HasLocalChanges() bool {
	return s.AckedVersion() < int64(s.LocalVersion())
}

// OnStatusChange registers cb to be called synchronously on every status
// transition.
func (s *Supervisor) OnStatusChange(cb StatusFunc) (cancel func()) {
	s.statusMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.statusSub[id] = cb
	s.statusMu.Unlock()
	return func() {
		s.statusMu.Lock()
		delete(s.statusSub, id)
		s.statusMu.Unlock()
	}
}

// OnAwareness registers cb to be called for every inbound AWARENESS frame.
func (s *Supervisor) OnAwareness(cb AwarenessFunc) (cancel func()) {
	s.statusMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.awareSub[id] = cb
	s.statusMu.Unlock()
	return func() {
		s.statusMu.Lock()
		delete(s.awareSub, id)
		s.statusMu.Unlock()
	}
}

// SendAwareness broadcasts payload over the active socket, if connected.
func (s *Supervisor) SendAwareness(payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("syncclient: not connected")
	}
	return s.writeFrame(conn, syncproto.EncodeAwareness(payload))
}

// Connect starts the connect/handshake/steady loop if it is not already
// running, and wakes any pending backoff sleeper so a manual reconnect
// preempts the wait.
func (s *Supervisor) Connect() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.wakeSleeper()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel
	s.running = true
	s.mu.Unlock()
	go s.runLoop(ctx)
}

// Disconnect sets status to Offline synchronously, cancels the active
// loop, closes the socket, and wakes any pending sleeper (spec.md §4.H).
func (s *Supervisor) Disconnect() {
	s.setStatus(StatusOffline)
	s.mu.Lock()
	cancel := s.cancelRun
	conn := s.conn
	s.running = false
	s.cancelRun = nil
	s.conn = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	s.wakeSleeper()
}

// Destroy is Disconnect plus removing the local-update listener and
// clearing status/awareness subscribers. Safe to call multiple times.
func (s *Supervisor) Destroy() {
	s.Disconnect()
	if s.unsubUpdate != nil {
		s.unsubUpdate()
		s.unsubUpdate = nil
	}
	s.statusMu.Lock()
	s.statusSub = make(map[int]StatusFunc)
	s.awareSub = make(map[int]AwarenessFunc)
	s.statusMu.Unlock()
}

func (s *Supervisor) wakeSleeper() {
	s.sleeperMu.Lock()
	sl := s.curSleeper
	s.sleeperMu.Unlock()
	if sl != nil {
		sl.Wake()
	}
}

func (s *Supervisor) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	s.statusMu.Lock()
	subs := make([]StatusFunc, 0, len(s.statusSub))
	for _, fn := range s.statusSub {
		subs = append(subs, fn)
	}
	s.statusMu.Unlock()
	for _, fn := range subs {
		fn(st)
	}
}

// runLoop drives Connecting -> Handshaking -> Connected, retrying with
// exponential backoff on any error, until ctx is cancelled by Disconnect.
func (s *Supervisor) runLoop(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.backoffBase
	bo.Multiplier = s.backoffFactor
	bo.MaxInterval = s.backoffCap
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0.5

	for ctx.Err() == nil {
		s.setStatus(StatusConnecting)
		conn, err := s.dial(ctx)
		if err != nil {
			s.log.WithError(err).Warn("dial failed")
			s.setStatus(StatusError)
			if !s.sleepBackoff(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		s.setStatus(StatusHandshaking)
		if err := s.handshake(ctx, conn); err != nil {
			s.log.WithError(err).Warn("handshake failed")
			conn.Close()
			s.setStatus(StatusError)
			if !s.sleepBackoff(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		bo.Reset()
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.setStatus(StatusConnected)

		err = s.serve(ctx, conn)
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.log.WithError(err).Warn("connection lost")
		s.setStatus(StatusError)
		if !s.sleepBackoff(ctx, bo.NextBackOff()) {
			return
		}
	}
}

// sleepBackoff waits for d, cancellably. It returns false if ctx was
// cancelled (caller should stop looping), true if the sleeper resolved by
// timeout or by an explicit Connect()-triggered wake.
func (s *Supervisor) sleepBackoff(ctx context.Context, d time.Duration) bool {
	sl := newSleeper(d)
	s.sleeperMu.Lock()
	s.curSleeper = sl
	s.sleeperMu.Unlock()
	defer func() {
		s.sleeperMu.Lock()
		if s.curSleeper == sl {
			s.curSleeper = nil
		}
		s.sleeperMu.Unlock()
	}()
	select {
	case <-sl.Done():
		return ctx.Err() == nil
	case <-ctx.Done():
		sl.Wake()
		return false
	}
}

func (s *Supervisor) dial(ctx context.Context) (*websocket.Conn, error) {
	rawURL, token, err := s.auth(ctx, s.workspaceID)
	if err != nil {
		return nil, fmt.Errorf("syncclient: auth: %w", err)
	}
	full := rawURL
	if token != "" {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		full = rawURL + sep + "token=" + token
	}
	header := http.Header{}
	if token != "" {
		header.Set("Sec-WebSocket-Protocol", token)
	}
	conn, _, err := s.dialer.DialContext(ctx, full, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

const handshakeTimeout = 10 * time.Second

// handshake sends SYNC_STEP_1 (this substrate's full current state, which
// stands in for a diffable state vector since substrate.DocSubstrate
// exposes no state-vector primitive) and QUERY_AWARENESS, then waits for
// the peer's SYNC_STEP_2, applying any awareness/status frames that arrive
// interleaved along the way (spec.md §6 handshake sequence).
func (s *Supervisor) handshake(ctx context.Context, conn *websocket.Conn) error {
	snapshot, err := s.doc.EncodeUpdate()
	if err != nil {
		return fmt.Errorf("syncclient: encode state: %w", err)
	}
	if err := s.writeFrame(conn, syncproto.EncodeSync(syncproto.SyncStep1, snapshot)); err != nil {
		return err
	}
	if err := s.writeFrame(conn, syncproto.EncodeQueryAwareness()); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := syncproto.Decode(data)
		if err != nil {
			return fmt.Errorf("syncclient: handshake: %w", err)
		}
		switch frame.Tag {
		case syncproto.TagSync:
			if frame.SubType != syncproto.SyncStep2 {
				continue
			}
			if err := s.doc.ApplyUpdate(frame.Payload, remoteOrigin{}); err != nil {
				return fmt.Errorf("syncclient: apply sync step 2: %w", err)
			}
			return nil
		case syncproto.TagAwareness:
			s.dispatchAwareness(frame.Payload)
		case syncproto.TagSyncStatus:
			s.handleStatusEcho(frame.Payload)
		}
	}
}

// serve runs the steady-state Connected phase: a reader applying inbound
// SYNC/AWARENESS/SYNC_STATUS frames, and a heartbeat loop sending
// SYNC_STATUS probes and declaring the connection dead on missed echoes.
// It returns when either fails or ctx is cancelled.
func (s *Supervisor) serve(ctx context.Context, conn *websocket.Conn) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.echoCh = make(chan struct{}, 1)

	errCh := make(chan error, 2)
	go func() { errCh <- s.readLoop(subCtx, conn) }()
	go func() { errCh <- s.heartbeatLoop(subCtx, conn) }()

	select {
	case <-subCtx.Done():
		<-errCh
		return subCtx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Supervisor) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := syncproto.Decode(data)
		if err != nil {
			s.log.WithError(err).Debug("dropping malformed frame")
			continue
		}
		switch frame.Tag {
		case syncproto.TagSync:
			if frame.SubType == syncproto.SyncUpdate || frame.SubType == syncproto.SyncStep2 {
				if err := s.doc.ApplyUpdate(frame.Payload, remoteOrigin{}); err != nil {
					s.log.WithError(err).Warn("apply remote update")
				}
			}
		case syncproto.TagAwareness:
			s.dispatchAwareness(frame.Payload)
		case syncproto.TagSyncStatus:
			s.handleStatusEcho(frame.Payload)
		}
	}
}

func (s *Supervisor) heartbeatLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(s.heartbeatInterval + s.deadAfter)
	defer deadline.Stop()

	resetDeadline := func(d time.Duration) {
		if !deadline.Stop() {
			select {
			case <-deadline.C:
			default:
			}
		}
		deadline.Reset(d)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.writeFrame(conn, syncproto.EncodeSyncStatus(s.LocalVersion())); err != nil {
				return fmt.Errorf("syncclient: send status probe: %w", err)
			}
			resetDeadline(s.deadAfter)
		case <-s.echoCh:
			resetDeadline(s.heartbeatInterval + s.deadAfter)
		case <-deadline.C:
			return fmt.Errorf("syncclient: no SYNC_STATUS echo within %s", s.deadAfter)
		}
	}
}

// onLocalUpdate is registered once against doc.OnUpdate; it bumps
// localVersion on every locally-originated transaction and, if a socket is
// open, forwards the update followed by a SYNC_STATUS probe.
func (s *Supervisor) onLocalUpdate(update []byte, origin any, txn substrate.Txn) {
	v := atomic.AddUint64(&s.localVersion, 1)

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if err := s.writeFrame(conn, syncproto.EncodeSync(syncproto.SyncUpdate, update)); err != nil {
		s.log.WithError(err).Debug("forward local update")
		return
	}
	if err := s.writeFrame(conn, syncproto.EncodeSyncStatus(v)); err != nil {
		s.log.WithError(err).Debug("send status probe after local update")
	}
}

func (s *Supervisor) handleStatusEcho(payload []byte) {
	v, err := syncproto.DecodeSyncStatus(payload)
	if err != nil {
		return
	}
	for {
		old := atomic.LoadInt64(&s.ackedVersion)
		if int64(v) <= old {
			break
		}
		if atomic.CompareAndSwapInt64(&s.ackedVersion, old, int64(v)) {
			break
		}
	}
	select {
	case s.echoCh <- struct{}{}:
	default:
	}
}

func (s *Supervisor) dispatchAwareness(payload []byte) {
	s.statusMu.Lock()
	subs := make([]AwarenessFunc, 0, len(s.awareSub))
	for _, fn := range s.awareSub {
		subs = append(subs, fn)
	}
	s.statusMu.Unlock()
	for _, fn := range subs {
		fn(payload)
	}
}

func (s *Supervisor) writeFrame(conn *websocket.Conn, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}
