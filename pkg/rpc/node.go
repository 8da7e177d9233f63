package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/paylane/custodian/pkg/log"
	"github.com/paylane/custodian/pkg/sign"
)

const defaultNodeErrorMessage = "an error occurred while processing the request"

const (
	groupPrefix = "group."
	rootGroup   = groupPrefix + "root"
)

// Node routes signed requests to handlers and pushes notifications to users.
type Node interface {
	HandlerGroup
	Notify(userID string, method string, params Params)
}

// HandlerGroup is a set of methods sharing middleware. Middleware of a
// parent group runs before that of its children.
type HandlerGroup interface {
	Handle(method string, handler Handler)
	Use(middleware Handler)
	NewGroup(name string) HandlerGroup
}

var (
	_ Node         = &WebsocketNode{}
	_ http.Handler = &WebsocketNode{}
	_ HandlerGroup = &WebsocketHandlerGroup{}
)

type WebsocketNodeConfig struct {
	// Signer signs every response and notification.
	Signer sign.Signer
	Logger log.Logger

	OnConnectHandler       func(send SendResponseFunc)
	OnDisconnectHandler    func(userID string)
	OnMessageSentHandler   func([]byte)
	OnAuthenticatedHandler func(userID string, send SendResponseFunc)

	WsUpgraderReadBufferSize  int
	WsUpgraderWriteBufferSize int
	WsUpgraderCheckOrigin     func(r *http.Request) bool

	WsConnWriteTimeout      time.Duration
	WsConnWriteBufferSize   int
	WsConnProcessBufferSize int
}

type WebsocketNode struct {
	upgrader websocket.Upgrader
	cfg      WebsocketNodeConfig
	connHub  *ConnectionHub

	mu     sync.RWMutex
	chains map[string][]Handler // group ID or method -> handlers
	routes map[string][]string  // method -> chain IDs, outermost group first
}

func NewWebsocketNode(cfg WebsocketNodeConfig) (*WebsocketNode, error) {
	if cfg.Signer == nil {
		return nil, errors.New("signer cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	cfg.Logger = cfg.Logger.WithName("rpc-node")

	if cfg.OnConnectHandler == nil {
		cfg.OnConnectHandler = func(SendResponseFunc) {}
	}
	if cfg.OnDisconnectHandler == nil {
		cfg.OnDisconnectHandler = func(string) {}
	}
	if cfg.OnMessageSentHandler == nil {
		cfg.OnMessageSentHandler = func([]byte) {}
	}
	if cfg.OnAuthenticatedHandler == nil {
		cfg.OnAuthenticatedHandler = func(string, SendResponseFunc) {}
	}
	if cfg.WsUpgraderReadBufferSize <= 0 {
		cfg.WsUpgraderReadBufferSize = 1024
	}
	if cfg.WsUpgraderWriteBufferSize <= 0 {
		cfg.WsUpgraderWriteBufferSize = 1024
	}
	if cfg.WsUpgraderCheckOrigin == nil {
		cfg.WsUpgraderCheckOrigin = func(*http.Request) bool { return true }
	}

	node := &WebsocketNode{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.WsUpgraderReadBufferSize,
			WriteBufferSize: cfg.WsUpgraderWriteBufferSize,
			CheckOrigin:     cfg.WsUpgraderCheckOrigin,
		},
		cfg:     cfg,
		connHub: NewConnectionHub(),
		chains:  make(map[string][]Handler),
		routes:  make(map[string][]string),
	}
	node.Handle(PingMethod.String(), func(c *Context) {
		c.Succeed(PongMethod.String(), nil)
	})
	return node, nil
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (wn *WebsocketNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := wn.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wn.cfg.Logger.Error("failed to upgrade connection", "error", err)
		return
	}
	defer ws.Close()

	connID := uuid.NewString()
	conn, err := NewWebsocketConnection(WebsocketConnectionConfig{
		ConnectionID:         connID,
		WebsocketConn:        ws,
		Logger:               wn.cfg.Logger,
		WriteTimeout:         wn.cfg.WsConnWriteTimeout,
		WriteBufferSize:      wn.cfg.WsConnWriteBufferSize,
		ProcessBufferSize:    wn.cfg.WsConnProcessBufferSize,
		OnMessageSentHandler: wn.cfg.OnMessageSentHandler,
	})
	if err != nil {
		wn.cfg.Logger.Error("failed to create connection", "error", err, "connectionID", connID)
		return
	}
	if err := wn.connHub.Add(conn); err != nil {
		wn.cfg.Logger.Error("failed to register connection", "error", err, "connectionID", connID)
		return
	}

	wn.cfg.OnConnectHandler(wn.sendFunc(conn))
	wn.cfg.Logger.Debug("connection established", "connectionID", connID)

	defer func() {
		userID := conn.UserID()
		wn.connHub.Remove(connID)
		wn.cfg.OnDisconnectHandler(userID)
		wn.cfg.Logger.Debug("connection closed", "connectionID", connID, "userID", userID)
	}()

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	wg.Add(2)
	done := func(error) {
		cancel()
		wg.Done()
	}

	go conn.Serve(ctx, done)
	go wn.processRequests(ctx, conn, done)

	wg.Wait()
}

func (wn *WebsocketNode) processRequests(ctx context.Context, conn Connection, done func(error)) {
	defer done(nil)
	storage := NewSafeStorage()

	for {
		var msg []byte
		select {
		case <-ctx.Done():
			return
		case msg = <-conn.RawRequests():
			if len(msg) == 0 {
				return
			}
		}

		var req Request
		if err := json.Unmarshal(msg, &req); err != nil {
			wn.cfg.Logger.Debug("invalid message format", "error", err)
			wn.sendError(conn, req.Req.RequestID, "invalid message format")
			continue
		}

		handlers := wn.chainFor(req.Req.Method)
		if len(handlers) == 0 {
			wn.sendError(conn, req.Req.RequestID, fmt.Sprintf("unknown method: %s", req.Req.Method))
			continue
		}

		c := &Context{
			Context:  ctx,
			UserID:   conn.UserID(),
			Signer:   wn.cfg.Signer,
			Request:  req,
			Storage:  storage,
			handlers: handlers,
		}
		c.Next()

		// Bind before responding so notifications that follow the response
		// reach the caller.
		if c.UserID != "" && c.UserID != conn.UserID() {
			if err := wn.connHub.Reauthenticate(conn.ConnectionID(), c.UserID); err != nil {
				wn.cfg.Logger.Error("failed to bind connection", "error", err)
			} else {
				wn.cfg.OnAuthenticatedHandler(c.UserID, wn.sendFunc(conn))
			}
		}

		res, err := c.GetRawResponse()
		if err != nil {
			wn.cfg.Logger.Error("failed to prepare response", "error", err, "method", req.Req.Method)
			wn.sendError(conn, req.Req.RequestID, defaultNodeErrorMessage)
			continue
		}
		conn.WriteRawResponse(res)
	}
}

// chainFor concatenates group middleware and the method handler.
// Groups without middleware are skipped.
func (wn *WebsocketNode) chainFor(method string) []Handler {
	wn.mu.RLock()
	defer wn.mu.RUnlock()

	route, ok := wn.routes[method]
	if !ok {
		return nil
	}
	var handlers []Handler
	for _, id := range route {
		handlers = append(handlers, wn.chains[id]...)
	}
	return handlers
}

func (wn *WebsocketNode) Handle(method string, handler Handler) {
	wn.register(method, handler, []string{rootGroup})
}

func (wn *WebsocketNode) Use(middleware Handler) {
	wn.use(rootGroup, middleware)
}

func (wn *WebsocketNode) NewGroup(name string) HandlerGroup {
	return &WebsocketHandlerGroup{id: groupPrefix + name, parents: []string{rootGroup}, root: wn}
}

func (wn *WebsocketNode) register(method string, handler Handler, groups []string) {
	if method == "" {
		panic("rpc method cannot be empty")
	}
	if handler == nil {
		panic(fmt.Sprintf("rpc handler cannot be nil for method %s", method))
	}

	wn.mu.Lock()
	defer wn.mu.Unlock()
	wn.chains[method] = []Handler{handler}
	wn.routes[method] = append(append([]string{}, groups...), method)
}

func (wn *WebsocketNode) use(groupID string, middleware Handler) {
	if middleware == nil {
		panic("rpc middleware cannot be nil")
	}

	wn.mu.Lock()
	defer wn.mu.Unlock()
	wn.chains[groupID] = append(wn.chains[groupID], middleware)
}

// Notify sends a signed notification to every connection bound to userID.
func (wn *WebsocketNode) Notify(userID, method string, params Params) {
	msg, err := prepareRawResponse(wn.cfg.Signer, NewPayload(0, method, params))
	if err != nil {
		wn.cfg.Logger.Error("failed to prepare notification", "error", err, "userID", userID, "method", method)
		return
	}
	wn.connHub.Publish(userID, msg)
}

func (wn *WebsocketNode) sendFunc(conn Connection) SendResponseFunc {
	return func(method string, params Params) {
		msg, err := prepareRawResponse(wn.cfg.Signer, NewPayload(0, method, params))
		if err != nil {
			wn.cfg.Logger.Error("failed to prepare notification", "error", err, "method", method)
			return
		}
		conn.WriteRawResponse(msg)
	}
}

func (wn *WebsocketNode) sendError(conn Connection, requestID uint64, message string) {
	msg, err := prepareRawResponse(wn.cfg.Signer, NewErrorResponse(requestID, message).Res)
	if err != nil {
		wn.cfg.Logger.Error("failed to prepare error response", "error", err)
		return
	}
	conn.WriteRawResponse(msg)
}

type WebsocketHandlerGroup struct {
	id      string
	parents []string
	root    *WebsocketNode
}

func (hg *WebsocketHandlerGroup) Handle(method string, handler Handler) {
	hg.root.register(method, handler, append(append([]string{}, hg.parents...), hg.id))
}

func (hg *WebsocketHandlerGroup) Use(middleware Handler) {
	hg.root.use(hg.id, middleware)
}

func (hg *WebsocketHandlerGroup) NewGroup(name string) HandlerGroup {
	return &WebsocketHandlerGroup{
		id:      hg.id + "." + name,
		parents: append(append([]string{}, hg.parents...), hg.id),
		root:    hg.root,
	}
}
