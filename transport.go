package caresync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

// the wire contract is named events with json payloads over a
// persistent bidirectional connection. Authentication happens once at
// connect time: the client writes an auth frame with the bearer
// credential and reads an ack before the connection is usable.

type Transport interface {
	Dial(ctx context.Context, auth *SessionAuth) (TransportConn, error)
}

type TransportConn interface {
	WriteEvent(event Event) error
	ReadEvent() (Event, error)
	Close()
}

type WsTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		PingTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

type wsAuthFrame struct {
	ByJwt      string `json:"by_jwt"`
	InstanceId Id     `json:"instance_id"`
	AppVersion string `json:"app_version,omitempty"`
}

type wsAuthAck struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type WsTransport struct {
	url      string
	settings *WsTransportSettings
}

func NewWsTransportWithDefaults(url string) *WsTransport {
	return NewWsTransport(url, DefaultWsTransportSettings())
}

func NewWsTransport(url string, settings *WsTransportSettings) *WsTransport {
	return &WsTransport{
		url:      url,
		settings: settings,
	}
}

func (self *WsTransport) Dial(ctx context.Context, auth *SessionAuth) (TransportConn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, self.url, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteJSON(&wsAuthFrame{
		ByJwt:      auth.ByJwt,
		InstanceId: auth.InstanceId,
		AppVersion: auth.AppVersion,
	}); err != nil {
		return nil, err
	}

	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	var ack wsAuthAck
	if err := ws.ReadJSON(&ack); err != nil {
		return nil, err
	}
	if ack.Status != "ok" {
		return nil, NewAuthError("auth rejected: %s", ack.Error)
	}

	success = true
	return newWsConn(ws, self.settings), nil
}

type wsConn struct {
	ws       *websocket.Conn
	settings *WsTransportSettings

	// gorilla supports one concurrent writer
	writeLock sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newWsConn(ws *websocket.Conn, settings *WsTransportSettings) *wsConn {
	conn := &wsConn{
		ws:       ws,
		settings: settings,
		closed:   make(chan struct{}),
	}
	ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	})
	go conn.ping()
	return conn
}

func (self *wsConn) ping() {
	for {
		select {
		case <-self.closed:
			return
		case <-time.After(self.settings.PingTimeout):
		}

		err := func() error {
			self.writeLock.Lock()
			defer self.writeLock.Unlock()

			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			return self.ws.WriteMessage(websocket.PingMessage, nil)
		}()
		if err != nil {
			// a websocket write deadline timeout cannot be recovered
			self.Close()
			return
		}
	}
}

func (self *wsConn) WriteEvent(event Event) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.ws.WriteJSON(&event)
}

func (self *wsConn) ReadEvent() (Event, error) {
	for {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			return Event{}, err
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				// keepalive
				continue
			}
			var event Event
			if err := json.Unmarshal(message, &event); err != nil {
				// a malformed frame does not take down the connection
				glog.Infof("[tr]malformed event = %s\n", err)
				continue
			}
			return event, nil
		default:
			glog.V(2).Infof("[tr]other=%d\n", messageType)
		}
	}
}

func (self *wsConn) Close() {
	self.closeOnce.Do(func() {
		close(self.closed)
		self.ws.Close()
	})
}
