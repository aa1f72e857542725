package services

import (
	"log"
	"sync"

	"convotap/internal/models"
)

// ConnectionManager manages all active panel WebSocket connections
type ConnectionManager struct {
	connections map[string]*models.PanelConnection
	mutex       sync.RWMutex
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*models.PanelConnection),
	}
}

// Add adds a new connection
func (cm *ConnectionManager) Add(conn *models.PanelConnection) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.connections[conn.ConnID] = conn
	log.Printf("✅ Panel connected: %s (Total: %d)", conn.ConnID, len(cm.connections))
}

// Remove removes a connection
func (cm *ConnectionManager) Remove(connID string) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	if conn, exists := cm.connections[connID]; exists {
		close(conn.WriteChan)
		close(conn.StopChan)
		delete(cm.connections, connID)
		log.Printf("❌ Panel disconnected: %s (Total: %d)", connID, len(cm.connections))
	}
}

// Get retrieves a connection by ID
func (cm *ConnectionManager) Get(connID string) (*models.PanelConnection, bool) {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	conn, exists := cm.connections[connID]
	return conn, exists
}

// Count returns the number of active connections
func (cm *ConnectionManager) Count() int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.connections)
}

// Broadcast queues a message for every connected panel. A panel whose write
// queue is full is skipped rather than blocking the render path.
func (cm *ConnectionManager) Broadcast(msg models.ServerMessage) {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	for _, conn := range cm.connections {
		select {
		case conn.WriteChan <- msg:
		default:
			log.Printf("⚠️ Panel %s write queue full, frame dropped", conn.ConnID)
		}
	}
}
