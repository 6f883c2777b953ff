package collab

import "sync"

// ConnManager indexes live connections two ways: by socket id for targeted
// operations, and by document id for fan-out. A connection appears in the
// document index only while joined.
type ConnManager struct {
	mu       sync.RWMutex
	bySocket map[string]*Client
	byDoc    map[string]map[string]*Client
}

func NewConnManager() *ConnManager {
	return &ConnManager{
		bySocket: make(map[string]*Client),
		byDoc:    make(map[string]map[string]*Client),
	}
}

// Add registers a freshly upgraded connection.
func (m *ConnManager) Add(c *Client) {
	m.mu.Lock()
	m.bySocket[c.SocketID] = c
	m.mu.Unlock()
}

// Remove drops the connection from both indexes.
func (m *ConnManager) Remove(socketID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.bySocket[socketID]
	if !ok {
		return
	}
	delete(m.bySocket, socketID)
	m.detachLocked(c)
}

// Get looks a connection up by socket id.
func (m *ConnManager) Get(socketID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.bySocket[socketID]
	return c, ok
}

// SetDocument moves the connection into docID's fan-out set, detaching it
// from any previous document. Empty docID just detaches.
func (m *ConnManager) SetDocument(c *Client, docID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detachLocked(c)
	c.setDocument(docID)
	if docID == "" {
		return
	}
	set, ok := m.byDoc[docID]
	if !ok {
		set = make(map[string]*Client)
		m.byDoc[docID] = set
	}
	set[c.SocketID] = c
}

func (m *ConnManager) detachLocked(c *Client) {
	prev := c.Document()
	if prev == "" {
		return
	}
	c.setDocument("")
	set, ok := m.byDoc[prev]
	if !ok {
		return
	}
	delete(set, c.SocketID)
	if len(set) == 0 {
		delete(m.byDoc, prev)
	}
}

// ListByDoc snapshots the connections joined to a document.
func (m *ConnManager) ListByDoc(docID string) []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.byDoc[docID]
	out := make([]*Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// CountByDoc returns the local connection count for a document.
func (m *ConnManager) CountByDoc(docID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byDoc[docID])
}

// All snapshots every live connection.
func (m *ConnManager) All() []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Client, 0, len(m.bySocket))
	for _, c := range m.bySocket {
		out = append(out, c)
	}
	return out
}

// Count returns the total number of live connections.
func (m *ConnManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySocket)
}
