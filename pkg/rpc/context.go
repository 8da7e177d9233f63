package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/paylane/custodian/pkg/sign"
)

// Handler processes a request. Middleware calls c.Next to continue the chain.
type Handler func(c *Context)

// SendResponseFunc pushes a signed notification to one connection.
type SendResponseFunc func(method string, params Params)

// Context carries one request through its handler chain.
type Context struct {
	Context context.Context
	// UserID is the address the connection is bound to; middleware may set it.
	UserID   string
	Signer   sign.Signer
	Request  Request
	Response Response
	// Storage is shared by all requests on the same connection.
	Storage *SafeStorage

	handlers []Handler
}

// Next runs the next handler in the chain, if any.
func (c *Context) Next() {
	if len(c.handlers) == 0 {
		return
	}
	h := c.handlers[0]
	c.handlers = c.handlers[1:]
	h(c)
}

// Succeed sets a successful response.
func (c *Context) Succeed(method string, params Params) {
	c.Response.Res = NewPayload(c.Request.Req.RequestID, method, params)
}

// Fail sets an error response. The message of err is exposed only when it is
// an Error; otherwise fallbackMessage is used.
func (c *Context) Fail(err error, fallbackMessage string) {
	message := fallbackMessage
	var rpcErr Error
	if errors.As(err, &rpcErr) {
		message = rpcErr.Error()
	}
	if message == "" {
		message = defaultNodeErrorMessage
	}
	c.Response = NewErrorResponse(c.Request.Req.RequestID, message)
}

// GetRawResponse signs and serializes the response. A handler that set no
// response produces an internal error.
func (c *Context) GetRawResponse() ([]byte, error) {
	if c.Response.Res.Method == "" {
		c.Fail(nil, "internal server error: no response from handler")
	}
	return prepareRawResponse(c.Signer, c.Response.Res)
}

func prepareRawResponse(signer sign.Signer, payload Payload) ([]byte, error) {
	sig, err := SignPayload(signer, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to sign response: %w", err)
	}

	data, err := json.Marshal(NewResponse(payload, sig))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return data, nil
}

type SafeStorage struct {
	mu      sync.RWMutex
	storage map[string]any
}

func NewSafeStorage() *SafeStorage {
	return &SafeStorage{storage: make(map[string]any)}
}

func (s *SafeStorage) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage[key] = value
}

func (s *SafeStorage) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.storage[key]
	return v, ok
}
