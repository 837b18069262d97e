// Package security provides rate limiting, input validation, and access control.
package security

import (
	"regexp"
	"sync"
	"time"
)

// SecurityLimits bounds connection, message and document volume.
var SecurityLimits = struct {
	MaxConnectionsPerIP  int
	MaxMessagesPerMinute int
	MaxCRDTUpdateSize    int
	MaxMaterializedSize  int
	MaxDocsPerIP         int
	MaxDocsPerHour       int
	MaxMessageSize       int
}{
	MaxConnectionsPerIP:  50,
	MaxMessagesPerMinute: 500,
	MaxCRDTUpdateSize:    10_000,     // 10KB, a single insert/update delta
	MaxMaterializedSize:  10_485_760, // 10MB, the materialized document snapshot
	MaxDocsPerIP:         20,
	MaxDocsPerHour:       10,
	MaxMessageSize:       2_000_000, // 2MB, framed WebSocket message
}

// ValidMessageTypes lists all valid WebSocket message types.
var ValidMessageTypes = map[string]bool{
	"connect":                   true,
	"auth":                      true,
	"auth_success":              true,
	"auth_error":                true,
	"subscribe":                 true,
	"unsubscribe":               true,
	"sync_request":              true,
	"sync_response":             true,
	"sync_step1":                true,
	"sync_step2":                true,
	"delta":                     true,
	"delta_batch":               true,
	"ack":                       true,
	"awareness_update":          true,
	"awareness_subscribe":       true,
	"awareness_state":           true,
	"mutate_insert":             true,
	"mutate_update":             true,
	"mutate_delete":             true,
	"mutate_result":             true,
	"stream_request":            true,
	"stream_response":           true,
	"ssr_request":               true,
	"ssr_response":              true,
	"protocol_version_request":  true,
	"protocol_version_response": true,
	"ping":                      true,
	"pong":                      true,
	"error":                     true,
}

// CollectionNamePattern validates collection names.
var CollectionNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_:-]+$`)

// ConnectionLimiter tracks connections per IP
type ConnectionLimiter struct {
	connections map[string]int
	mu          sync.RWMutex
	stopCh      chan struct{}
}

// NewConnectionLimiter creates a new connection limiter
func NewConnectionLimiter() *ConnectionLimiter {
	cl := &ConnectionLimiter{
		connections: make(map[string]int),
		stopCh:      make(chan struct{}),
	}
	go cl.cleanupLoop()
	return cl
}

func (cl *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cl.cleanup()
		case <-cl.stopCh:
			return
		}
	}
}

func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	for ip, count := range cl.connections {
		if count <= 0 {
			delete(cl.connections, ip)
		}
	}
}

// CanConnect checks if IP can create a new connection
func (cl *ConnectionLimiter) CanConnect(ip string) bool {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	count := cl.connections[ip]
	return count < SecurityLimits.MaxConnectionsPerIP
}

// AddConnection records a new connection from IP
func (cl *ConnectionLimiter) AddConnection(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.connections[ip]++
}

// RemoveConnection removes a connection from IP
func (cl *ConnectionLimiter) RemoveConnection(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if count := cl.connections[ip]; count <= 1 {
		delete(cl.connections, ip)
	} else {
		cl.connections[ip]--
	}
}

// GetConnectionCount returns current connection count for IP
func (cl *ConnectionLimiter) GetConnectionCount(ip string) int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.connections[ip]
}

// Dispose cleans up resources
func (cl *ConnectionLimiter) Dispose() {
	close(cl.stopCh)
}

// ConnectionRateLimiter tracks messages per connection using sliding window
type ConnectionRateLimiter struct {
	messages map[string][]time.Time
	mu       sync.RWMutex
	stopCh   chan struct{}
}

// NewConnectionRateLimiter creates a new connection rate limiter
func NewConnectionRateLimiter() *ConnectionRateLimiter {
	crl := &ConnectionRateLimiter{
		messages: make(map[string][]time.Time),
		stopCh:   make(chan struct{}),
	}
	go crl.cleanupLoop()
	return crl
}

func (crl *ConnectionRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			crl.cleanup()
		case <-crl.stopCh:
			return
		}
	}
}

func (crl *ConnectionRateLimiter) cleanup() {
	crl.mu.Lock()
	defer crl.mu.Unlock()

	now := time.Now()
	for connID, timestamps := range crl.messages {
		recent := make([]time.Time, 0)
		for _, ts := range timestamps {
			if now.Sub(ts) < time.Minute {
				recent = append(recent, ts)
			}
		}
		if len(recent) == 0 {
			delete(crl.messages, connID)
		} else {
			crl.messages[connID] = recent
		}
	}
}

// CanSendMessage checks if connection can send a message
func (crl *ConnectionRateLimiter) CanSendMessage(connectionID string) bool {
	crl.mu.RLock()
	defer crl.mu.RUnlock()

	now := time.Now()
	timestamps := crl.messages[connectionID]

	count := 0
	for _, ts := range timestamps {
		if now.Sub(ts) < time.Minute {
			count++
		}
	}

	return count < SecurityLimits.MaxMessagesPerMinute
}

// RecordMessage records a message from connection
func (crl *ConnectionRateLimiter) RecordMessage(connectionID string) {
	crl.mu.Lock()
	defer crl.mu.Unlock()

	crl.messages[connectionID] = append(crl.messages[connectionID], time.Now())
}

// RemoveConnection removes connection tracking data
func (crl *ConnectionRateLimiter) RemoveConnection(connectionID string) {
	crl.mu.Lock()
	defer crl.mu.Unlock()
	delete(crl.messages, connectionID)
}

// Dispose cleans up resources
func (crl *ConnectionRateLimiter) Dispose() {
	close(crl.stopCh)
}

// DocumentLimiter tracks insertDocument calls per IP, independent of the
// per-minute message rate limit: a burst of small mutate_insert messages
// that stays under MaxMessagesPerMinute can still flood storage with new
// documents.
type DocumentLimiter struct {
	documents map[string]*documentData
	mu        sync.RWMutex
	stopCh    chan struct{}
}

type documentData struct {
	total  int
	hourly []time.Time
}

// NewDocumentLimiter creates a new document limiter
func NewDocumentLimiter() *DocumentLimiter {
	dl := &DocumentLimiter{
		documents: make(map[string]*documentData),
		stopCh:    make(chan struct{}),
	}
	go dl.cleanupLoop()
	return dl
}

func (dl *DocumentLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			dl.cleanup()
		case <-dl.stopCh:
			return
		}
	}
}

func (dl *DocumentLimiter) cleanup() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	now := time.Now()
	hourAgo := now.Add(-time.Hour)

	for ip, data := range dl.documents {
		recent := make([]time.Time, 0)
		for _, ts := range data.hourly {
			if ts.After(hourAgo) {
				recent = append(recent, ts)
			}
		}
		data.hourly = recent

		if len(data.hourly) == 0 && data.total == 0 {
			delete(dl.documents, ip)
		}
	}
}

// CanCreateDocument checks if IP can insert a new document
func (dl *DocumentLimiter) CanCreateDocument(ip string) (bool, string) {
	dl.mu.RLock()
	defer dl.mu.RUnlock()

	data := dl.documents[ip]
	if data == nil {
		return true, ""
	}

	if data.total >= SecurityLimits.MaxDocsPerIP {
		return false, "Maximum documents per IP reached"
	}

	now := time.Now()
	hourAgo := now.Add(-time.Hour)
	count := 0
	for _, ts := range data.hourly {
		if ts.After(hourAgo) {
			count++
		}
	}
	if count >= SecurityLimits.MaxDocsPerHour {
		return false, "Hourly document creation limit reached"
	}

	return true, ""
}

// RecordDocument records a document creation from IP
func (dl *DocumentLimiter) RecordDocument(ip string) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if dl.documents[ip] == nil {
		dl.documents[ip] = &documentData{
			total:  0,
			hourly: make([]time.Time, 0),
		}
	}

	dl.documents[ip].total++
	dl.documents[ip].hourly = append(dl.documents[ip].hourly, time.Now())
}

// Dispose cleans up resources
func (dl *DocumentLimiter) Dispose() {
	close(dl.stopCh)
}

// SecurityManager centralizes all security components
type SecurityManager struct {
	ConnectionLimiter     *ConnectionLimiter
	ConnectionRateLimiter *ConnectionRateLimiter
	DocumentLimiter       *DocumentLimiter
}

// NewSecurityManager creates a new security manager
func NewSecurityManager() *SecurityManager {
	return &SecurityManager{
		ConnectionLimiter:     NewConnectionLimiter(),
		ConnectionRateLimiter: NewConnectionRateLimiter(),
		DocumentLimiter:       NewDocumentLimiter(),
	}
}

// Dispose cleans up all resources
func (sm *SecurityManager) Dispose() {
	sm.ConnectionLimiter.Dispose()
	sm.ConnectionRateLimiter.Dispose()
	sm.DocumentLimiter.Dispose()
}

// ValidateMessage validates WebSocket message format
func ValidateMessage(message map[string]interface{}) (bool, string) {
	if message == nil {
		return false, "Invalid message format"
	}

	msgType, ok := message["type"].(string)
	if !ok || msgType == "" {
		return false, "Missing message type"
	}

	if !ValidMessageTypes[msgType] {
		return false, "Invalid message type: " + msgType
	}

	return true, ""
}

// ValidateCollectionName validates a collection name's format.
func ValidateCollectionName(name string) (bool, string) {
	if name == "" {
		return false, "Invalid collection name"
	}
	if len(name) > 256 {
		return false, "Collection name too long (max 256 characters)"
	}
	if !CollectionNamePattern.MatchString(name) {
		return false, "Collection name contains invalid characters"
	}
	return true, ""
}
