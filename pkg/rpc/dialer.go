package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/paylane/custodian/pkg/log"
)

// Dialer is the client side of the websocket transport.
type Dialer interface {
	Dial(ctx context.Context, url string, handleClosure func(err error)) error
	IsConnected() bool
	// Call sends req and waits for the response with the same request ID.
	Call(ctx context.Context, req *Request) (*Response, error)
	// EventCh yields messages that match no pending call, i.e. notifications.
	EventCh() <-chan *Response
}

type WebsocketDialerConfig struct {
	HandshakeTimeout time.Duration
	// PingInterval is how often the dialer pings the node; zero disables pings.
	PingInterval  time.Duration
	PingRequestID uint64
	EventChanSize int
}

var DefaultWebsocketDialerConfig = WebsocketDialerConfig{
	HandshakeTimeout: 5 * time.Second,
	PingInterval:     5 * time.Second,
	PingRequestID:    100,
	EventChanSize:    100,
}

type dialState struct {
	ctx  context.Context
	conn *websocket.Conn
	lg   log.Logger
}

type WebsocketDialer struct {
	cfg WebsocketDialerConfig

	mu      sync.RWMutex // guards state, sinks and eventCh
	state   *dialState
	sinks   map[uint64]chan *Response
	eventCh chan *Response
	writeMu sync.Mutex
}

var _ Dialer = (*WebsocketDialer)(nil)

func NewWebsocketDialer(cfg WebsocketDialerConfig) *WebsocketDialer {
	return &WebsocketDialer{
		cfg:     cfg,
		sinks:   make(map[uint64]chan *Response),
		eventCh: make(chan *Response, cfg.EventChanSize),
	}
}

func (d *WebsocketDialer) Dial(parentCtx context.Context, url string, handleClosure func(err error)) error {
	if d.IsConnected() {
		return ErrAlreadyConnected
	}

	dialer := websocket.Dialer{HandshakeTimeout: d.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(parentCtx, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDialingWebsocket, err)
	}

	ctx, cancel := context.WithCancel(parentCtx)
	var (
		wg         sync.WaitGroup
		errMu      sync.Mutex
		closureErr error
	)
	done := func(err error) {
		errMu.Lock()
		if err != nil && closureErr == nil {
			closureErr = err
		}
		errMu.Unlock()
		cancel()
		wg.Done()
	}

	d.mu.Lock()
	d.state = &dialState{ctx: ctx, conn: conn, lg: log.FromContext(parentCtx).WithName("ws-dialer")}
	d.eventCh = make(chan *Response, d.cfg.EventChanSize)
	d.mu.Unlock()

	wg.Add(2)
	go d.closeOnDone(ctx, conn, done)
	go d.readMessages(ctx, done)
	if d.cfg.PingInterval > 0 {
		wg.Add(1)
		go d.pingPeriodically(ctx, done)
	}

	go func() {
		wg.Wait()
		errMu.Lock()
		defer errMu.Unlock()
		handleClosure(closureErr)
	}()
	return nil
}

func (d *WebsocketDialer) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state != nil && d.state.ctx.Err() == nil
}

func (d *WebsocketDialer) closeOnDone(ctx context.Context, conn *websocket.Conn, done func(error)) {
	<-ctx.Done()
	err := conn.Close()

	d.mu.Lock()
	for _, sink := range d.sinks {
		close(sink)
	}
	d.sinks = make(map[uint64]chan *Response)
	d.mu.Unlock()

	done(err)
}

func (d *WebsocketDialer) readMessages(ctx context.Context, done func(error)) {
	d.mu.RLock()
	conn, lg := d.state.conn, d.state.lg
	d.mu.RUnlock()

	for {
		_, data, err := conn.ReadMessage()
		if ctx.Err() != nil {
			done(nil)
			return
		}
		if netErr, ok := err.(net.Error); ok {
			lg.Error("websocket connection timeout", "error", netErr)
			done(fmt.Errorf("%w: %w", ErrConnectionTimeout, err))
			return
		}
		if err != nil {
			lg.Error("websocket read error", "error", err)
			done(fmt.Errorf("%w: %w", ErrReadingMessage, err))
			return
		}

		var res Response
		if err := json.Unmarshal(data, &res); err != nil {
			lg.Warn("malformed message", "error", err)
			continue
		}

		d.mu.RLock()
		sink, ok := d.sinks[res.Res.RequestID]
		if !ok {
			sink = d.eventCh
		}
		// Sending under the read lock keeps closeOnDone from closing sink concurrently.
		select {
		case sink <- &res:
		default:
			lg.Warn("response channel full, dropping message", "requestID", res.Res.RequestID)
		}
		d.mu.RUnlock()
	}
}

func (d *WebsocketDialer) Call(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, ErrNilRequest
	}

	d.mu.Lock()
	if d.state == nil || d.state.ctx.Err() != nil {
		d.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn, connCtx := d.state.conn, d.state.ctx
	sink := make(chan *Response, 1)
	d.sinks[req.Req.RequestID] = sink
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.sinks[req.Req.RequestID] == sink {
			delete(d.sinks, req.Req.RequestID)
		}
		d.mu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMarshalingRequest, err)
	}

	d.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	d.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSendingRequest, err)
	}

	var res *Response
	select {
	case <-ctx.Done():
	case <-connCtx.Done():
	case res = <-sink:
	}
	if res == nil {
		return nil, fmt.Errorf("%w for request %d", ErrNoResponse, req.Req.RequestID)
	}
	return res, nil
}

func (d *WebsocketDialer) pingPeriodically(ctx context.Context, done func(error)) {
	d.mu.RLock()
	lg := d.state.lg
	d.mu.RUnlock()

	ticker := time.NewTicker(d.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			done(nil)
			return
		case <-ticker.C:
			req := NewRequest(NewPayload(d.cfg.PingRequestID, PingMethod.String(), nil))
			res, err := d.Call(ctx, &req)
			if err != nil {
				if ctx.Err() != nil {
					done(nil)
					return
				}
				lg.Error("error sending ping", "error", err)
				done(fmt.Errorf("%w: %w", ErrSendingPing, err))
				return
			}
			if res.Res.Method != PongMethod.String() {
				lg.Warn("unexpected response to ping", "method", res.Res.Method)
			}
		}
	}
}

func (d *WebsocketDialer) EventCh() <-chan *Response {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.eventCh
}
