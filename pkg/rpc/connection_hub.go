package rpc

import (
	"fmt"
	"sync"
)

// ConnectionHub indexes live connections by ID and by bound user.
type ConnectionHub struct {
	mu          sync.RWMutex
	connections map[string]Connection
	byUser      map[string]map[string]struct{}
}

func NewConnectionHub() *ConnectionHub {
	return &ConnectionHub{
		connections: make(map[string]Connection),
		byUser:      make(map[string]map[string]struct{}),
	}
}

func (hub *ConnectionHub) Add(conn Connection) error {
	if conn == nil {
		return fmt.Errorf("connection cannot be nil")
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()

	id := conn.ConnectionID()
	if _, exists := hub.connections[id]; exists {
		return fmt.Errorf("connection with ID %s already exists", id)
	}
	hub.connections[id] = conn
	hub.bindLocked(conn.UserID(), id)
	return nil
}

// Reauthenticate moves a connection to another user.
func (hub *ConnectionHub) Reauthenticate(connID, userID string) error {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	conn, ok := hub.connections[connID]
	if !ok {
		return fmt.Errorf("connection with ID %s does not exist", connID)
	}
	hub.unbindLocked(conn.UserID(), connID)
	conn.SetUserID(userID)
	hub.bindLocked(userID, connID)
	return nil
}

func (hub *ConnectionHub) Get(connID string) Connection {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return hub.connections[connID]
}

func (hub *ConnectionHub) Remove(connID string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	conn, ok := hub.connections[connID]
	if !ok {
		return
	}
	delete(hub.connections, connID)
	hub.unbindLocked(conn.UserID(), connID)
}

// Publish writes message to every connection bound to userID.
func (hub *ConnectionHub) Publish(userID string, message []byte) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	for connID := range hub.byUser[userID] {
		if conn := hub.connections[connID]; conn != nil {
			conn.WriteRawResponse(message)
		}
	}
}

func (hub *ConnectionHub) bindLocked(userID, connID string) {
	if userID == "" {
		return
	}
	if hub.byUser[userID] == nil {
		hub.byUser[userID] = make(map[string]struct{})
	}
	hub.byUser[userID][connID] = struct{}{}
}

func (hub *ConnectionHub) unbindLocked(userID, connID string) {
	conns, ok := hub.byUser[userID]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(hub.byUser, userID)
	}
}
