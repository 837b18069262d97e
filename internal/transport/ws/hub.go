// Package ws is the WebSocket transport binding for the replication
// protocol: auth, subscribe, mutate/stream/ssr RPCs, and awareness
// broadcast, framed per internal/protocol.
package ws

import (
	"context"
	"encoding/base64"
	"log"
	"os"
	"sync"
	"time"

	"github.com/synckit-labs/replicate-go/internal/auth"
	"github.com/synckit-labs/replicate-go/internal/protocol"
	"github.com/synckit-labs/replicate-go/internal/security"
	"github.com/synckit-labs/replicate-go/internal/server/maintenance"
	"github.com/synckit-labs/replicate-go/internal/server/mutations"
	"github.com/synckit-labs/replicate-go/internal/server/queries"
	"github.com/synckit-labs/replicate-go/internal/storage"
)

// AwarenessTimeout is the time after which stale awareness entries are
// cleaned up.
const AwarenessTimeout = 30 * time.Second

// AwarenessCleanupInterval is how often the cleanup runs.
const AwarenessCleanupInterval = 30 * time.Second

// Hub maintains active connections, routes mutate/stream/ssr RPCs to the
// server-side handlers, and fans out presence/awareness state.
type Hub struct {
	jwtSecret string

	Mutations   *mutations.Handlers
	Queries     *queries.Handlers
	Redis       *storage.RedisPubSub
	Maintenance *maintenance.Scheduler

	connections map[string]*Connection
	mu          sync.RWMutex

	subscribers           map[string]map[string]bool // collection -> connectionId -> true
	redisSubscribed       map[string]bool            // collection -> already listening on redis
	maintenanceRegistered map[string]bool            // collection -> already has cron jobs

	awareness map[string]map[string]interface{} // collection -> clientId -> state
	awareMu   sync.RWMutex

	cleanupTicker *time.Ticker
	stopChan      chan struct{}

	Register      chan *Connection
	Unregister    chan *Connection
	HandleMessage chan *MessageEvent
}

type MessageEvent struct {
	Connection *Connection
	Message    *protocol.Message
}

func NewHub(jwtSecret string, muts *mutations.Handlers, qry *queries.Handlers) *Hub {
	return &Hub{
		jwtSecret:             jwtSecret,
		Mutations:             muts,
		Queries:               qry,
		connections:           make(map[string]*Connection),
		subscribers:           make(map[string]map[string]bool),
		redisSubscribed:       make(map[string]bool),
		maintenanceRegistered: make(map[string]bool),
		awareness:             make(map[string]map[string]interface{}),
		stopChan:              make(chan struct{}),
		Register:              make(chan *Connection),
		Unregister:            make(chan *Connection),
		HandleMessage:         make(chan *MessageEvent, 256),
	}
}

func (h *Hub) Run() {
	h.cleanupTicker = time.NewTicker(AwarenessCleanupInterval)
	go h.runAwarenessCleanup()

	for {
		select {
		case <-h.stopChan:
			if h.cleanupTicker != nil {
				h.cleanupTicker.Stop()
			}
			return

		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()

		case conn := <-h.Unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				for collection := range conn.Subscriptions {
					if subs, exists := h.subscribers[collection]; exists {
						delete(subs, conn.ID)
						if len(subs) == 0 {
							delete(h.subscribers, collection)
						}
					}
				}

				h.awareMu.Lock()
				for collection := range conn.AwarenessSubs {
					if states, exists := h.awareness[collection]; exists {
						delete(states, conn.ClientID)
						if len(states) == 0 {
							delete(h.awareness, collection)
						}
					}
				}
				h.awareMu.Unlock()

				delete(h.connections, conn.ID)
				close(conn.send)
			}
			h.mu.Unlock()

		case event := <-h.HandleMessage:
			h.handleMessage(event.Connection, event.Message)
		}
	}
}

func (h *Hub) Stop() {
	close(h.stopChan)
}

func (h *Hub) runAwarenessCleanup() {
	for {
		select {
		case <-h.stopChan:
			return
		case <-h.cleanupTicker.C:
			h.cleanupStaleAwareness()
		}
	}
}

func (h *Hub) cleanupStaleAwareness() {
	now := time.Now().UnixMilli()
	timeoutMs := AwarenessTimeout.Milliseconds()

	h.awareMu.Lock()
	defer h.awareMu.Unlock()

	for collection, clients := range h.awareness {
		for clientID, stateRaw := range clients {
			state, ok := stateRaw.(map[string]interface{})
			if !ok {
				continue
			}
			if lastUpdate, ok := state["lastUpdate"].(float64); ok {
				if now-int64(lastUpdate) > timeoutMs {
					delete(clients, clientID)
				}
			}
		}
		if len(clients) == 0 {
			delete(h.awareness, collection)
		}
	}
}

func (h *Hub) handleMessage(conn *Connection, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePing:
		conn.SendMessage(protocol.TypePong, map[string]interface{}{
			"type": protocol.TypePong, "id": msg.ID, "timestamp": time.Now().UnixMilli(),
		})

	case protocol.TypeAuth:
		h.handleAuth(conn, msg)

	case protocol.TypeSubscribe:
		h.handleSubscribe(conn, msg)

	case protocol.TypeUnsubscribe:
		h.handleUnsubscribe(conn, msg)

	case protocol.TypeMutateInsert, protocol.TypeMutateUpdate, protocol.TypeMutateDelete:
		h.handleMutate(conn, msg)

	case protocol.TypeStreamRequest:
		h.handleStream(conn, msg)

	case protocol.TypeSSRRequest:
		h.handleSSR(conn, msg)

	case protocol.TypeProtocolVersionRequest:
		h.handleProtocolVersion(conn, msg)

	case protocol.TypeAwarenessUpdate:
		h.handleAwareness(conn, msg)
	}
}

func (h *Hub) handleAuth(conn *Connection, msg *protocol.Message) {
	token, _ := msg.Payload["token"].(string)

	if token != "" {
		decoded, err := auth.VerifyToken(token, h.jwtSecret)
		if err != nil {
			conn.SendMessage(protocol.TypeAuthError, map[string]interface{}{
				"type": protocol.TypeAuthError, "id": msg.ID, "timestamp": time.Now().UnixMilli(),
				"error": "Invalid or expired token", "code": "INVALID_TOKEN",
			})
			return
		}
		conn.Authenticated = true
		conn.UserID = decoded.UserID
		conn.TokenPayload = decoded
	} else {
		authRequired := os.Getenv("REPLICATE_AUTH_REQUIRED") != "false"
		if authRequired {
			conn.SendMessage(protocol.TypeAuthError, map[string]interface{}{
				"type": protocol.TypeAuthError, "id": msg.ID, "timestamp": time.Now().UnixMilli(),
				"error": "Authentication required", "code": "AUTH_REQUIRED",
			})
			return
		}
		conn.Authenticated = true
		if userID, ok := msg.Payload["userId"].(string); ok {
			conn.UserID = userID
		} else {
			conn.UserID = "anonymous"
		}
		conn.TokenPayload = &auth.TokenPayload{
			UserID:      conn.UserID,
			Permissions: auth.CollectionPermissions{CanRead: []string{"*"}, CanWrite: []string{"*"}},
		}
	}

	if clientID, ok := msg.Payload["clientId"].(string); ok {
		conn.ClientID = clientID
	} else {
		conn.ClientID = generateID()
	}

	conn.SendMessage(protocol.TypeAuthSuccess, map[string]interface{}{
		"type": protocol.TypeAuthSuccess, "id": msg.ID, "timestamp": time.Now().UnixMilli(),
		"userId": conn.UserID,
		"permissions": map[string]interface{}{
			"canRead": conn.TokenPayload.Permissions.CanRead, "canWrite": conn.TokenPayload.Permissions.CanWrite,
			"isAdmin": conn.TokenPayload.Permissions.IsAdmin,
		},
	})
}

// ensureMaintenanceRegistered registers collection's compaction/pruning
// cron jobs the first time this hub observes it, since there is no static
// collection list in config to register up front: whichever collections
// clients actually subscribe to or mutate are the ones worth compacting.
func (h *Hub) ensureMaintenanceRegistered(collection string) {
	if h.Maintenance == nil {
		return
	}

	h.mu.Lock()
	if h.maintenanceRegistered[collection] {
		h.mu.Unlock()
		return
	}
	h.maintenanceRegistered[collection] = true
	h.mu.Unlock()

	if err := h.Maintenance.Register(collection, "", ""); err != nil {
		log.Printf("[HUB] failed to register maintenance jobs for %q: %v", collection, err)
	}
}

func (h *Hub) handleSubscribe(conn *Connection, msg *protocol.Message) {
	collection, ok := msg.Payload["collection"].(string)
	if !ok {
		conn.SendError("Missing collection", "INVALID_REQUEST")
		return
	}
	if !conn.Authenticated || conn.TokenPayload == nil {
		conn.SendError("Not authenticated", "NOT_AUTHENTICATED")
		return
	}
	if valid, errMsg := security.ValidateCollectionName(collection); !valid {
		conn.SendError(errMsg, "INVALID_COLLECTION")
		return
	}
	if !auth.CanReadCollection(conn.TokenPayload, collection) {
		conn.SendError("Permission denied", "PERMISSION_DENIED")
		return
	}
	h.ensureMaintenanceRegistered(collection)

	conn.Subscriptions[collection] = true
	h.mu.Lock()
	if _, exists := h.subscribers[collection]; !exists {
		h.subscribers[collection] = make(map[string]bool)
	}
	h.subscribers[collection][conn.ID] = true
	needsRedisSub := h.Redis != nil && !h.redisSubscribed[collection]
	if needsRedisSub {
		h.redisSubscribed[collection] = true
	}
	h.mu.Unlock()

	if needsRedisSub {
		h.Redis.SubscribeToCollectionEvents(context.Background(), collection, func(notice storage.EventAppended) {
			h.broadcastChange(collection, protocol.TypeStreamResponse, map[string]interface{}{
				"type": protocol.TypeStreamResponse, "id": generateID(), "timestamp": time.Now().UnixMilli(),
				"collection": collection, "version": notice.Version,
			}, "")
		})
	}
}

func (h *Hub) handleUnsubscribe(conn *Connection, msg *protocol.Message) {
	collection, ok := msg.Payload["collection"].(string)
	if !ok {
		conn.SendError("Missing collection", "INVALID_REQUEST")
		return
	}

	delete(conn.Subscriptions, collection)

	h.mu.Lock()
	if subs, exists := h.subscribers[collection]; exists {
		delete(subs, conn.ID)
		if len(subs) == 0 {
			delete(h.subscribers, collection)
		}
	}
	h.mu.Unlock()

	h.awareMu.Lock()
	if states, exists := h.awareness[collection]; exists {
		delete(states, conn.ClientID)
		if len(states) == 0 {
			delete(h.awareness, collection)
		}
	}
	h.awareMu.Unlock()

	delete(conn.AwarenessSubs, collection)
}

func (h *Hub) handleMutate(conn *Connection, msg *protocol.Message) {
	collection, ok := msg.Payload["collection"].(string)
	if !ok {
		conn.SendError("Missing collection", "INVALID_REQUEST")
		return
	}
	if !conn.Authenticated || conn.TokenPayload == nil {
		conn.SendError("Not authenticated", "NOT_AUTHENTICATED")
		return
	}
	if !auth.CanWriteCollection(conn.TokenPayload, collection) {
		conn.SendError("Permission denied", "PERMISSION_DENIED")
		return
	}
	h.ensureMaintenanceRegistered(collection)
	if msg.Type == protocol.TypeMutateInsert && conn.SecurityManager != nil {
		if allowed, reason := conn.SecurityManager.DocumentLimiter.CanCreateDocument(conn.ClientIP); !allowed {
			conn.SendError(reason, "DOCUMENT_LIMIT_EXCEEDED")
			return
		}
	}

	in := mutations.Input{Collection: collection}
	if docID, ok := msg.Payload["documentId"].(string); ok {
		in.DocumentID = docID
	}
	if crdtB64, ok := msg.Payload["crdtBytes"].(string); ok {
		if decoded, err := base64.StdEncoding.DecodeString(crdtB64); err == nil {
			in.CRDTBytes = decoded
		}
	}
	if doc, ok := msg.Payload["document"].(map[string]interface{}); ok {
		in.MaterializedDoc = doc
	}
	if v, ok := msg.Payload["expectedVersion"].(float64); ok {
		ev := int64(v)
		in.ExpectedVersion = &ev
	}
	if v, ok := msg.Payload["schemaVersion"].(float64); ok {
		in.SchemaVersion = int(v)
	}

	var result *mutations.Result
	var err error
	ctx := context.Background()
	switch msg.Type {
	case protocol.TypeMutateInsert:
		result, err = h.Mutations.InsertDocument(ctx, in)
	case protocol.TypeMutateUpdate:
		result, err = h.Mutations.UpdateDocument(ctx, in)
	case protocol.TypeMutateDelete:
		result, err = h.Mutations.DeleteDocument(ctx, in)
	}
	if err != nil {
		conn.SendError(err.Error(), "MUTATION_FAILED")
		return
	}
	if msg.Type == protocol.TypeMutateInsert && !result.Deduplicated && conn.SecurityManager != nil {
		conn.SecurityManager.DocumentLimiter.RecordDocument(conn.ClientIP)
	}

	conn.SendMessage(protocol.TypeMutateResult, map[string]interface{}{
		"type": protocol.TypeMutateResult, "id": msg.ID, "timestamp": time.Now().UnixMilli(),
		"collection": result.Collection, "documentId": result.DocumentID,
		"success": result.Success, "deduplicated": result.Deduplicated, "version": result.Version,
	})

	if !result.Deduplicated {
		h.broadcastChange(collection, protocol.TypeStreamResponse, map[string]interface{}{
			"type": protocol.TypeStreamResponse, "id": generateID(), "timestamp": time.Now().UnixMilli(),
			"collection": collection, "documentId": result.DocumentID, "version": result.Version,
		}, conn.ID)

		if h.Redis != nil {
			docID := result.DocumentID
			h.Redis.PublishEventAppended(context.Background(), storage.EventAppended{
				Collection: collection, DocumentID: &docID, Version: result.Version, Timestamp: result.Timestamp,
			})
		}
	}
}

func (h *Hub) handleStream(conn *Connection, msg *protocol.Message) {
	collection, ok := msg.Payload["collection"].(string)
	if !ok {
		conn.SendError("Missing collection", "INVALID_REQUEST")
		return
	}

	var cp queries.Checkpoint
	if v, ok := msg.Payload["lastModified"].(float64); ok {
		cp.LastModified = int64(v)
	}
	limit := 100
	if v, ok := msg.Payload["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	result, err := h.Queries.Stream(context.Background(), collection, cp, limit)
	if err != nil {
		conn.SendError(err.Error(), "STREAM_FAILED")
		return
	}

	changes := make([]map[string]interface{}, len(result.Changes))
	for i, c := range result.Changes {
		changes[i] = map[string]interface{}{
			"crdtBytes": base64.StdEncoding.EncodeToString(c.CRDTBytes), "version": c.Version,
			"timestamp": c.Timestamp, "operationType": string(c.OperationType),
		}
	}

	conn.SendMessage(protocol.TypeStreamResponse, map[string]interface{}{
		"type": protocol.TypeStreamResponse, "id": msg.ID, "timestamp": time.Now().UnixMilli(),
		"collection": collection, "changes": changes,
		"checkpoint": map[string]interface{}{"lastModified": result.Checkpoint.LastModified},
		"hasMore":    result.HasMore,
	})
}

func (h *Hub) handleSSR(conn *Connection, msg *protocol.Message) {
	collection, ok := msg.Payload["collection"].(string)
	if !ok {
		conn.SendError("Missing collection", "INVALID_REQUEST")
		return
	}
	includeCRDTState, _ := msg.Payload["includeCrdtState"].(bool)

	result, err := h.Queries.SSR(context.Background(), collection, includeCRDTState)
	if err != nil {
		conn.SendError(err.Error(), "SSR_FAILED")
		return
	}

	docs := make([]map[string]interface{}, len(result.Documents))
	for i, d := range result.Documents {
		docs[i] = map[string]interface{}{"documentId": d.DocumentID, "fields": d.Fields, "version": d.Version}
	}

	payload := map[string]interface{}{
		"type": protocol.TypeSSRResponse, "id": msg.ID, "timestamp": time.Now().UnixMilli(),
		"collection": collection, "documents": docs, "count": result.Count,
	}
	if result.CRDTBytes != nil {
		payload["crdtBytes"] = base64.StdEncoding.EncodeToString(result.CRDTBytes)
	}
	if result.Checkpoint != nil {
		payload["checkpoint"] = map[string]interface{}{"lastModified": result.Checkpoint.LastModified}
	}

	conn.SendMessage(protocol.TypeSSRResponse, payload)
}

func (h *Hub) handleProtocolVersion(conn *Connection, msg *protocol.Message) {
	version, _ := h.Queries.GetProtocolVersion(context.Background())
	conn.SendMessage(protocol.TypeProtocolVersionResponse, map[string]interface{}{
		"type": protocol.TypeProtocolVersionResponse, "id": msg.ID, "timestamp": time.Now().UnixMilli(),
		"version": version,
	})
}

func (h *Hub) handleAwareness(conn *Connection, msg *protocol.Message) {
	collection, ok := msg.Payload["collection"].(string)
	if !ok {
		return
	}
	state, ok := msg.Payload["state"].(map[string]interface{})
	if !ok {
		return
	}

	state["lastUpdate"] = float64(time.Now().UnixMilli())

	h.awareMu.Lock()
	if h.awareness[collection] == nil {
		h.awareness[collection] = make(map[string]interface{})
	}
	h.awareness[collection][conn.ClientID] = state
	h.awareMu.Unlock()

	h.broadcastChange(collection, protocol.TypeAwarenessState, map[string]interface{}{
		"type": protocol.TypeAwarenessState, "id": generateID(), "timestamp": time.Now().UnixMilli(),
		"collection": collection, "clientId": conn.ClientID, "state": state,
	}, conn.ID)
}

// broadcastChange fans payload out to every subscriber of collection except
// senderID.
func (h *Hub) broadcastChange(collection, messageType string, payload map[string]interface{}, senderID string) {
	h.mu.RLock()
	subs := h.subscribers[collection]
	h.mu.RUnlock()
	if subs == nil {
		return
	}

	for connID := range subs {
		if connID == senderID {
			continue
		}
		h.mu.RLock()
		conn := h.connections[connID]
		h.mu.RUnlock()
		if conn != nil {
			conn.SendMessage(messageType, payload)
		}
	}
}
