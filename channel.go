package caresync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

// manages the persistent connection lifecycle: connect/authenticate,
// reconnect with bounded backoff, explicit disconnect. Outbound
// traffic emitted while disconnected is buffered (best-effort
// persisted) and flushed strictly in submission order on the next
// successful connect. Inbound events are routed through the handler
// registry; the channel knows nothing about what a handler does.

// channel state machine:
//
//	Disconnected
//	  -> Connecting
//	    -> Connected
//	      -> Reconnecting
//	        -> Connected
//	        -> Disconnected (reconnect cap exhausted)
//	      -> Disconnected (explicit disconnect)
//	    -> Disconnected
type ChannelState string

const (
	ChannelStateDisconnected ChannelState = "Disconnected"
	ChannelStateConnecting   ChannelState = "Connecting"
	ChannelStateConnected    ChannelState = "Connected"
	ChannelStateReconnecting ChannelState = "Reconnecting"
)

func (self ChannelState) IsConnected() bool {
	return self == ChannelStateConnected
}

type ChannelStateChangeFunction = func(state ChannelState)

type AuthErrorFunction = func(err error)

type RealtimeChannelSettings struct {
	// store key for the persisted outbound buffer snapshot
	StoreKey string
	// delay before the first automatic reconnect attempt
	ReconnectMinTimeout time.Duration
	// per-attempt delay ceiling
	ReconnectMaxTimeout time.Duration
	// automatic attempts stop permanently at this count until a
	// manual `Connect` resets the counter
	ReconnectMaxAttempts int
}

func DefaultRealtimeChannelSettings() *RealtimeChannelSettings {
	return &RealtimeChannelSettings{
		StoreKey:             "caresync.outbound_buffer",
		ReconnectMinTimeout:  1 * time.Second,
		ReconnectMaxTimeout:  5 * time.Second,
		ReconnectMaxAttempts: 10,
	}
}

type OutboundEvent struct {
	Event       Event     `json:"event"`
	EnqueueTime time.Time `json:"enqueue_time"`
}

// the persisted blob
type outboundSnapshot struct {
	Events []*OutboundEvent `json:"events"`
}

// one in-flight connect shared by all concurrent callers.
// callers await `done` instead of polling.
type connectAttempt struct {
	done chan struct{}
	err  error
}

type RealtimeChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport Transport
	registry  *HandlerRegistry
	store     Store
	monitor   *ConnectivityMonitor

	settings *RealtimeChannelSettings

	stateLock      sync.Mutex
	state          ChannelState
	conn           TransportConn
	auth           *SessionAuth
	outbound       []*OutboundEvent
	flushing       []*OutboundEvent
	reconnectCount int
	connectAttempt *connectAttempt
	// cancels the read loop and any pending reconnect timer
	runCancel context.CancelFunc

	reconnectWake chan struct{}

	unsubMonitor func()

	stateChangeCallbacks *CallbackList[ChannelStateChangeFunction]
	authErrorCallbacks   *CallbackList[AuthErrorFunction]
}

func NewRealtimeChannelWithDefaults(
	ctx context.Context,
	transport Transport,
	registry *HandlerRegistry,
	store Store,
	monitor *ConnectivityMonitor,
) *RealtimeChannel {
	return NewRealtimeChannel(ctx, transport, registry, store, monitor, DefaultRealtimeChannelSettings())
}

func NewRealtimeChannel(
	ctx context.Context,
	transport Transport,
	registry *HandlerRegistry,
	store Store,
	monitor *ConnectivityMonitor,
	settings *RealtimeChannelSettings,
) *RealtimeChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	channel := &RealtimeChannel{
		ctx:                  cancelCtx,
		cancel:               cancel,
		transport:            transport,
		registry:             registry,
		store:                store,
		monitor:              monitor,
		settings:             settings,
		state:                ChannelStateDisconnected,
		outbound:             []*OutboundEvent{},
		reconnectWake:        make(chan struct{}, 1),
		stateChangeCallbacks: NewCallbackList[ChannelStateChangeFunction](),
		authErrorCallbacks:   NewCallbackList[AuthErrorFunction](),
	}
	channel.rehydrate()
	if monitor != nil {
		channel.unsubMonitor = monitor.AddConnectivityChangeCallback(func(online bool) {
			if online {
				// skip any remaining backoff delay
				select {
				case channel.reconnectWake <- struct{}{}:
				default:
				}
			}
		})
	}
	return channel
}

func (self *RealtimeChannel) State() ChannelState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *RealtimeChannel) PendingOutboundCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.flushing) + len(self.outbound)
}

func (self *RealtimeChannel) AddStateChangeCallback(callback ChannelStateChangeFunction) func() {
	callbackId := self.stateChangeCallbacks.Add(callback)
	return func() {
		self.stateChangeCallbacks.Remove(callbackId)
	}
}

// surfaced when an automatic reconnect attempt hits a credential
// rejection. The session coordinator refreshes the token and calls
// `Connect` again.
func (self *RealtimeChannel) AddAuthErrorCallback(callback AuthErrorFunction) func() {
	callbackId := self.authErrorCallbacks.Add(callback)
	return func() {
		self.authErrorCallbacks.Remove(callbackId)
	}
}

// no-op if already connected. If a connect is already in flight the
// caller awaits that attempt instead of spawning a second connection.
// a successful connect resets the reconnect counter to zero.
func (self *RealtimeChannel) Connect(ctx context.Context, auth *SessionAuth) error {
	var attempt *connectAttempt
	var runCtx context.Context
	join := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state == ChannelStateConnected {
			return
		}
		if self.connectAttempt != nil {
			attempt = self.connectAttempt
			join = true
			return
		}

		self.auth = auth
		self.reconnectCount = 0
		// supersede any previous session and pending reconnect timer
		if self.runCancel != nil {
			self.runCancel()
		}
		runCtx, self.runCancel = context.WithCancel(self.ctx)

		attempt = &connectAttempt{
			done: make(chan struct{}),
		}
		self.connectAttempt = attempt
		self.state = ChannelStateConnecting
	}()

	if attempt == nil {
		// already connected
		return nil
	}
	if join {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-attempt.done:
			return attempt.err
		}
	}

	self.notifyState(ChannelStateConnecting)

	err := self.connect(runCtx)

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		attempt.err = err
		self.connectAttempt = nil
		close(attempt.done)
	}()

	if err != nil {
		if IsAuthError(err) {
			self.setState(ChannelStateDisconnected)
			self.notifyAuthError(err)
		} else {
			func() {
				self.stateLock.Lock()
				defer self.stateLock.Unlock()

				self.reconnectCount = 1
				self.state = ChannelStateReconnecting
			}()
			self.notifyState(ChannelStateReconnecting)
			go self.reconnectLoop(runCtx)
		}
	}
	return err
}

// dial, install the session, flush the outbound buffer in order,
// then start the read loop
func (self *RealtimeChannel) connect(runCtx context.Context) error {
	auth := func() *SessionAuth {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		return self.auth
	}()
	if auth == nil {
		return errors.New("No credential.")
	}
	if auth.Expired() {
		return NewAuthError("token expired")
	}

	conn, err := self.transport.Dial(runCtx, auth)
	if err != nil {
		return err
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.conn = conn
	}()

	if err := self.flush(conn); err != nil {
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if self.conn == conn {
				self.conn = nil
			}
		}()
		conn.Close()
		return err
	}

	superseded := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		// a disconnect may have torn down the session mid-connect
		if runCtx.Err() != nil || self.conn != conn {
			return true
		}
		self.reconnectCount = 0
		self.state = ChannelStateConnected
		return false
	}()
	if superseded {
		conn.Close()
		return errors.New("Connect superseded.")
	}
	self.notifyState(ChannelStateConnected)

	go self.readLoop(runCtx, conn)
	return nil
}

// hands every buffered event to the transport in submission order.
// the persisted snapshot is cleared only after every item was handed
// off; a failure keeps the unhanded remainder, in order.
func (self *RealtimeChannel) flush(conn TransportConn) error {
	for {
		batch := func() []*OutboundEvent {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			batch := self.outbound
			self.outbound = []*OutboundEvent{}
			self.flushing = batch
			return batch
		}()
		if len(batch) == 0 {
			return nil
		}

		for i, outboundEvent := range batch {
			if err := conn.WriteEvent(outboundEvent.Event); err != nil {
				func() {
					self.stateLock.Lock()
					defer self.stateLock.Unlock()

					// keep the unhanded remainder ahead of anything
					// emitted while the flush was in progress
					self.outbound = append(batch[i:], self.outbound...)
					self.flushing = nil
					self.persistOutbound()
				}()
				return err
			}
		}

		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			self.flushing = nil
			self.persistOutbound()
		}()
		glog.V(1).Infof("[ch]flushed %d\n", len(batch))
	}
}

// sends immediately when connected, otherwise buffers.
// emitting while offline is not a failure.
func (self *RealtimeChannel) Emit(eventName string, payload any) error {
	event, err := NewEvent(eventName, payload)
	if err != nil {
		return err
	}

	conn := func() TransportConn {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state == ChannelStateConnected && self.conn != nil {
			return self.conn
		}
		self.buffer(event)
		return nil
	}()
	if conn == nil {
		return nil
	}

	if err := conn.WriteEvent(event); err != nil {
		// buffer for the next session. Closing the conn makes the read
		// loop observe the failure and drive the reconnect.
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			self.buffer(event)
		}()
		conn.Close()
		glog.Infof("[ch]emit buffered after write error = %s\n", err)
	}
	return nil
}

// must be called with `stateLock`
func (self *RealtimeChannel) buffer(event Event) {
	self.outbound = append(self.outbound, &OutboundEvent{
		Event:       event,
		EnqueueTime: time.Now(),
	})
	self.persistOutbound()
}

func (self *RealtimeChannel) readLoop(runCtx context.Context, conn TransportConn) {
	defer conn.Close()

	for {
		event, err := conn.ReadEvent()
		if err != nil {
			break
		}
		self.registry.Dispatch(event)
	}

	select {
	case <-runCtx.Done():
		// explicit teardown
		return
	default:
	}

	current := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.conn != conn {
			// superseded
			return false
		}
		self.conn = nil
		self.state = ChannelStateReconnecting
		return true
	}()
	if !current {
		return
	}

	glog.Infof("[ch]connection lost\n")
	self.notifyState(ChannelStateReconnecting)
	self.reconnectLoop(runCtx)
}

// bounded exponential backoff: non-decreasing delay up to the
// per-attempt ceiling, stopping permanently at the attempt cap
func (self *RealtimeChannel) reconnectLoop(runCtx context.Context) {
	for {
		var delay time.Duration
		stopped := func() bool {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if self.settings.ReconnectMaxAttempts <= self.reconnectCount {
				self.state = ChannelStateDisconnected
				return true
			}
			delay = self.reconnectDelay(self.reconnectCount)
			return false
		}()
		if stopped {
			glog.Infof("[ch]reconnect attempts exhausted\n")
			self.notifyState(ChannelStateDisconnected)
			return
		}

		select {
		case <-runCtx.Done():
			return
		case <-self.reconnectWake:
			// connectivity restored, try now
		case <-time.After(delay):
		}

		attempt, started := func() (*connectAttempt, bool) {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if self.connectAttempt != nil {
				return self.connectAttempt, false
			}
			attempt := &connectAttempt{
				done: make(chan struct{}),
			}
			self.connectAttempt = attempt
			return attempt, true
		}()
		if !started {
			// a manual connect is in flight
			select {
			case <-runCtx.Done():
				return
			case <-attempt.done:
			}
			if attempt.err == nil {
				return
			}
			continue
		}

		err := self.connect(runCtx)

		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			attempt.err = err
			self.connectAttempt = nil
			close(attempt.done)
		}()

		if err == nil {
			return
		}
		if IsAuthError(err) {
			// does not consume a reconnect-attempt slot. Wait for the
			// session coordinator to supply a fresh credential.
			self.setState(ChannelStateDisconnected)
			self.notifyAuthError(err)
			return
		}

		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			self.reconnectCount += 1
		}()
		glog.V(1).Infof("[ch]reconnect attempt failed = %s\n", err)
	}
}

// `attempt` counts completed failed attempts.
// 1s, 2s, 4s, 5s, 5s, ... with the default settings.
func (self *RealtimeChannel) reconnectDelay(attempt int) time.Duration {
	delay := self.settings.ReconnectMinTimeout
	for i := 1; i < attempt; i += 1 {
		delay *= 2
		if self.settings.ReconnectMaxTimeout <= delay {
			return self.settings.ReconnectMaxTimeout
		}
	}
	if self.settings.ReconnectMaxTimeout < delay {
		return self.settings.ReconnectMaxTimeout
	}
	return delay
}

// explicit teardown. Cancels any pending reconnect timer and closes
// the connection. The outbound buffer is kept; it flushes on the next
// successful connect.
func (self *RealtimeChannel) Disconnect() {
	var conn TransportConn
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.runCancel != nil {
			self.runCancel()
			self.runCancel = nil
		}
		conn = self.conn
		self.conn = nil
		if self.state != ChannelStateDisconnected {
			self.state = ChannelStateDisconnected
			changed = true
		}
	}()

	if conn != nil {
		conn.Close()
	}
	if changed {
		self.notifyState(ChannelStateDisconnected)
	}
}

func (self *RealtimeChannel) setState(state ChannelState) {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state == state {
			return false
		}
		self.state = state
		return true
	}()
	if changed {
		self.notifyState(state)
	}
}

func (self *RealtimeChannel) notifyState(state ChannelState) {
	for _, callback := range self.stateChangeCallbacks.Get() {
		callback := callback
		handleCallback("[ch]", func() {
			callback(state)
		})
	}
}

func (self *RealtimeChannel) notifyAuthError(err error) {
	for _, callback := range self.authErrorCallbacks.Get() {
		callback := callback
		handleCallback("[ch]", func() {
			callback(err)
		})
	}
}

// must be called with `stateLock`.
// best-effort: a store failure degrades crash resilience for the
// current process lifetime, it does not fail the emit.
func (self *RealtimeChannel) persistOutbound() {
	events := make([]*OutboundEvent, 0, len(self.flushing)+len(self.outbound))
	events = append(events, self.flushing...)
	events = append(events, self.outbound...)
	snapshot := &outboundSnapshot{
		Events: events,
	}
	snapshotJson, err := json.Marshal(snapshot)
	if err != nil {
		glog.Infof("[ch]persist marshal error = %s\n", err)
		return
	}
	if err := self.store.Put(self.settings.StoreKey, snapshotJson); err != nil {
		glog.Infof("[ch]persist error = %s\n", err)
	}
}

func (self *RealtimeChannel) rehydrate() {
	snapshotJson, err := self.store.Get(self.settings.StoreKey)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			glog.Infof("[ch]rehydrate error = %s\n", err)
		}
		return
	}

	var snapshot outboundSnapshot
	if err := json.Unmarshal(snapshotJson, &snapshot); err != nil {
		glog.Infof("[ch]rehydrate unmarshal error = %s\n", err)
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.outbound = snapshot.Events
}

func (self *RealtimeChannel) Close() {
	self.Disconnect()
	if self.unsubMonitor != nil {
		self.unsubMonitor()
		self.unsubMonitor = nil
	}
	self.cancel()
}
