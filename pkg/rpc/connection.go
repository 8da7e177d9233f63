package rpc

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/paylane/custodian/pkg/log"
)

const (
	defaultWriteTimeout      = 5 * time.Second
	defaultWriteBufferSize   = 10
	defaultProcessBufferSize = 10
)

// Connection is one client connection as seen by the node.
type Connection interface {
	ConnectionID() string
	UserID() string
	SetUserID(userID string)
	// RawRequests yields incoming messages and is closed when reading stops.
	RawRequests() <-chan []byte
	// WriteRawResponse queues a message. It returns false and schedules the
	// connection for closing if the queue stays full past the write timeout.
	WriteRawResponse(message []byte) bool
	// Serve starts the read and write loops; handleClosure runs once when they stop.
	Serve(ctx context.Context, handleClosure func(error))
}

// WebsocketConn is the subset of *websocket.Conn used by WebsocketConnection.
type WebsocketConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	NextWriter(messageType int) (io.WriteCloser, error)
	Close() error
}

type WebsocketConnectionConfig struct {
	ConnectionID  string
	UserID        string
	WebsocketConn WebsocketConn

	WriteTimeout         time.Duration
	WriteBufferSize      int
	ProcessBufferSize    int
	Logger               log.Logger
	OnMessageSentHandler func([]byte)
}

type WebsocketConnection struct {
	connectionID string
	ws           WebsocketConn
	writeTimeout time.Duration
	lg           log.Logger
	onSent       func([]byte)

	writeSink   chan []byte
	processSink chan []byte
	closeConnCh chan struct{}

	mu      sync.RWMutex
	userID  string
	serving bool
}

func NewWebsocketConnection(cfg WebsocketConnectionConfig) (*WebsocketConnection, error) {
	if cfg.ConnectionID == "" {
		return nil, errors.New("connection ID cannot be empty")
	}
	if cfg.WebsocketConn == nil {
		return nil, errors.New("websocket connection cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNoopLogger()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = defaultWriteBufferSize
	}
	if cfg.ProcessBufferSize <= 0 {
		cfg.ProcessBufferSize = defaultProcessBufferSize
	}
	if cfg.OnMessageSentHandler == nil {
		cfg.OnMessageSentHandler = func([]byte) {}
	}

	return &WebsocketConnection{
		connectionID: cfg.ConnectionID,
		userID:       cfg.UserID,
		ws:           cfg.WebsocketConn,
		writeTimeout: cfg.WriteTimeout,
		lg:           cfg.Logger.WithKV("connectionID", cfg.ConnectionID),
		onSent:       cfg.OnMessageSentHandler,
		writeSink:    make(chan []byte, cfg.WriteBufferSize),
		processSink:  make(chan []byte, cfg.ProcessBufferSize),
		closeConnCh:  make(chan struct{}, 1),
	}, nil
}

func (conn *WebsocketConnection) Serve(ctx context.Context, handleClosure func(error)) {
	conn.mu.Lock()
	if conn.serving {
		conn.mu.Unlock()
		handleClosure(nil)
		return
	}
	conn.serving = true
	conn.mu.Unlock()

	childCtx, cancel := context.WithCancel(ctx)
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

	wg.Add(3)
	go conn.readMessages(done)
	go conn.writeMessages(childCtx, done)
	go conn.waitForClose(childCtx, done)

	go func() {
		wg.Wait()
		errMu.Lock()
		err := closureErr
		errMu.Unlock()

		handleClosure(err)
		if err := conn.ws.Close(); err != nil {
			conn.lg.Debug("error closing websocket", "error", err)
		}
	}()
}

func (conn *WebsocketConnection) ConnectionID() string { return conn.connectionID }

func (conn *WebsocketConnection) UserID() string {
	conn.mu.RLock()
	defer conn.mu.RUnlock()
	return conn.userID
}

func (conn *WebsocketConnection) SetUserID(userID string) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.userID = userID
}

func (conn *WebsocketConnection) RawRequests() <-chan []byte { return conn.processSink }

func (conn *WebsocketConnection) WriteRawResponse(message []byte) bool {
	timer := time.NewTimer(conn.writeTimeout)
	defer timer.Stop()

	select {
	case conn.writeSink <- message:
		return true
	case <-timer.C:
		select {
		case conn.closeConnCh <- struct{}{}:
		default:
		}
		return false
	}
}

func (conn *WebsocketConnection) readMessages(done func(error)) {
	defer close(conn.processSink)

	for {
		_, msg, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				conn.lg.Warn("websocket closed unexpectedly", "error", err)
				done(err)
			} else {
				done(nil)
			}
			return
		}
		if len(msg) == 0 {
			continue
		}
		conn.processSink <- msg
	}
}

func (conn *WebsocketConnection) writeMessages(ctx context.Context, done func(error)) {
	defer done(nil)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-conn.writeSink:
			if len(msg) == 0 {
				continue
			}
			if err := conn.write(msg); err != nil {
				conn.lg.Error("error writing message", "error", err)
				continue
			}
			conn.onSent(msg)
		}
	}
}

func (conn *WebsocketConnection) write(msg []byte) error {
	w, err := conn.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (conn *WebsocketConnection) waitForClose(ctx context.Context, done func(error)) {
	defer done(nil)

	select {
	case <-ctx.Done():
	case <-conn.closeConnCh:
		conn.lg.Info("closing slow connection")
	}
}
