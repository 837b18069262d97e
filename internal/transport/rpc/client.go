// Package rpc is the client-side counterpart to internal/transport/ws: it
// dials the replication server's WebSocket endpoint, frames requests with
// internal/protocol, and correlates responses by message id. It gives
// internal/replicate/syncengine's SSRQuerier, StreamSubscriber, and
// MutationClient interfaces a concrete network implementation, and gives
// internal/replicate/initgate's ServerVersionFunc one too.
package rpc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/synckit-labs/replicate-go/internal/crdt"
	"github.com/synckit-labs/replicate-go/internal/protocol"
	"github.com/synckit-labs/replicate-go/internal/replicate/checkpoint"
	"github.com/synckit-labs/replicate-go/internal/replicate/syncengine"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// PushEvent is an unsolicited server message: a stream_response broadcast
// to a subscribed collection, or an awareness_state update. Unlike call's
// responses, these carry no id a pending caller is waiting on.
type PushEvent struct {
	Type       string
	Collection string
	Payload    map[string]interface{}
}

// Client is a single WebSocket connection to a replication server, shared
// across every collection's Engine in one process.
type Client struct {
	conn *websocket.Conn

	send chan []byte

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Message

	push chan PushEvent

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens the connection and authenticates with token (may be empty if
// the server allows anonymous access).
func Dial(ctx context.Context, url, token string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("rpc: dial: %w", err)
	}

	c := &Client{
		conn:    conn,
		send:    make(chan []byte, 256),
		pending: make(map[string]chan *protocol.Message),
		push:    make(chan PushEvent, 256),
		closed:  make(chan struct{}),
	}
	go c.writePump()
	go c.readLoop()

	if _, err := c.call(ctx, protocol.TypeAuth, authPayload(token)); err != nil {
		c.Close()
		return nil, fmt.Errorf("rpc: authenticate: %w", err)
	}
	return c, nil
}

func authPayload(token string) map[string]interface{} {
	payload := map[string]interface{}{}
	if token != "" {
		payload["token"] = token
	}
	return payload
}

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.conn.Close()
}

// Push returns the channel of unsolicited server messages (live stream
// broadcasts, awareness updates) for collections this client has
// subscribed to via Subscribe.
func (c *Client) Push() <-chan PushEvent { return c.push }

// Subscribe joins collection's live broadcast so Push starts delivering
// stream_response/awareness_state events for it. Fire-and-forget: the
// server acks subscribe only on failure (an error message), which would
// surface on Push since nothing here is waiting for a correlated reply.
func (c *Client) Subscribe(ctx context.Context, collection string) error {
	return c.write(protocol.TypeSubscribe, framedPayload(protocol.TypeSubscribe, map[string]interface{}{"collection": collection}))
}

// Unsubscribe leaves collection's live broadcast. Also fire-and-forget.
func (c *Client) Unsubscribe(ctx context.Context, collection string) error {
	return c.write(protocol.TypeUnsubscribe, framedPayload(protocol.TypeUnsubscribe, map[string]interface{}{"collection": collection}))
}

func framedPayload(messageType string, payload map[string]interface{}) map[string]interface{} {
	payload["type"] = messageType
	payload["id"] = generateID()
	payload["timestamp"] = time.Now().UnixMilli()
	return payload
}

// readLoop pumps incoming frames, routing correlated responses to the
// waiting call and everything else to Push.
func (c *Client) readLoop() {
	defer close(c.push)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.failPending()
			return
		}

		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.pendingMu.Unlock()

		if ok {
			ch <- msg
			continue
		}

		collection, _ := msg.Payload["collection"].(string)
		select {
		case c.push <- PushEvent{Type: msg.Type, Collection: collection, Payload: msg.Payload}:
		default:
			// Slow consumer: drop rather than block the read loop.
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *protocol.Message)
	c.pendingMu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

func (c *Client) write(messageType string, payload map[string]interface{}) error {
	timestamp, _ := payload["timestamp"].(int64)
	data, err := protocol.EncodeMessage(messageType, payload, timestamp)
	if err != nil {
		return fmt.Errorf("rpc: encode %s: %w", messageType, err)
	}

	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return fmt.Errorf("rpc: connection closed")
	}
}

// call sends messageType/payload with a fresh id and waits for the
// correlated response, or ctx's cancellation, whichever comes first.
func (c *Client) call(ctx context.Context, messageType string, payload map[string]interface{}) (*protocol.Message, error) {
	id := generateID()
	payload["type"] = messageType
	payload["id"] = id
	ts := time.Now().UnixMilli()
	payload["timestamp"] = ts

	ch := make(chan *protocol.Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	data, err := protocol.EncodeMessage(messageType, payload, ts)
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("rpc: encode %s: %w", messageType, err)
	}

	select {
	case c.send <- data:
	case <-c.closed:
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("rpc: connection closed")
	}

	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("rpc: connection closed while awaiting %s", messageType)
		}
		if msg.Type == protocol.TypeError || msg.Type == protocol.TypeAuthError {
			errMsg, _ := msg.Payload["error"].(string)
			code, _ := msg.Payload["code"].(string)
			return nil, fmt.Errorf("rpc: %s (%s)", errMsg, code)
		}
		return msg, nil
	}
}

// SSR implements syncengine.SSRQuerier.
func (c *Client) SSR(ctx context.Context, collection string) (map[string]map[string]any, error) {
	msg, err := c.call(ctx, protocol.TypeSSRRequest, map[string]interface{}{"collection": collection})
	if err != nil {
		return nil, err
	}

	rawDocs, _ := msg.Payload["documents"].([]interface{})
	docs := make(map[string]map[string]any, len(rawDocs))
	for _, rd := range rawDocs {
		row, ok := rd.(map[string]interface{})
		if !ok {
			continue
		}
		docID, _ := row["documentId"].(string)
		fields, _ := row["fields"].(map[string]interface{})
		docs[docID] = fields
	}
	return docs, nil
}

// Stream implements syncengine.StreamSubscriber.
func (c *Client) Stream(ctx context.Context, collection string, cp checkpoint.Checkpoint, vector crdt.StateVector, limit int) (syncengine.StreamResponse, error) {
	payload := map[string]interface{}{
		"collection":   collection,
		"lastModified": cp.LastModified,
		"limit":        limit,
	}
	if len(vector) > 0 {
		sv := make(map[string]uint64, len(vector))
		for client, clock := range vector {
			sv[fmt.Sprintf("%d", client)] = clock
		}
		payload["stateVector"] = sv
	}

	msg, err := c.call(ctx, protocol.TypeStreamRequest, payload)
	if err != nil {
		return syncengine.StreamResponse{}, err
	}

	rawChanges, _ := msg.Payload["changes"].([]interface{})
	changes := make([]syncengine.StreamEvent, 0, len(rawChanges))
	for _, rc := range rawChanges {
		row, ok := rc.(map[string]interface{})
		if !ok {
			continue
		}
		evt, err := decodeStreamEvent(row)
		if err != nil {
			return syncengine.StreamResponse{}, err
		}
		changes = append(changes, evt)
	}

	var respCP checkpoint.Checkpoint
	if cm, ok := msg.Payload["checkpoint"].(map[string]interface{}); ok {
		if lm, ok := cm["lastModified"].(float64); ok {
			respCP.LastModified = int64(lm)
		}
	}
	hasMore, _ := msg.Payload["hasMore"].(bool)

	return syncengine.StreamResponse{Changes: changes, Checkpoint: respCP, HasMore: hasMore}, nil
}

func decodeStreamEvent(row map[string]interface{}) (syncengine.StreamEvent, error) {
	var evt syncengine.StreamEvent

	if docID, ok := row["documentId"].(string); ok {
		evt.DocumentID = &docID
	}
	if b64, ok := row["crdtBytes"].(string); ok && b64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return evt, fmt.Errorf("rpc: decode crdtBytes: %w", err)
		}
		evt.CRDTBytes = decoded
	}
	if v, ok := row["version"].(float64); ok {
		evt.Version = int64(v)
	}
	if ts, ok := row["timestamp"].(float64); ok {
		evt.Timestamp = int64(ts)
	}
	if op, ok := row["operationType"].(string); ok {
		evt.OperationType = syncengine.OperationType(op)
	}
	return evt, nil
}

// ProtocolVersion implements initgate.ServerVersionFunc.
func (c *Client) ProtocolVersion(ctx context.Context) (int, error) {
	msg, err := c.call(ctx, protocol.TypeProtocolVersionRequest, map[string]interface{}{})
	if err != nil {
		return 0, err
	}
	version, _ := msg.Payload["version"].(float64)
	return int(version), nil
}

// MutateInput mirrors the server's mutations.Input so callers can submit a
// full insert/update/delete request, beyond the bare collection+delta
// MutationClient.Mutate sends.
type MutateInput struct {
	Collection      string
	DocumentID      string
	CRDTBytes       crdt.UpdateV2
	MaterializedDoc map[string]any
	ExpectedVersion *int64
	SchemaVersion   int
}

// MutateResult mirrors the mutation RPC's response shape.
type MutateResult struct {
	Success      bool
	Deduplicated bool
	DocumentID   string
	Version      int64
}

func (c *Client) Insert(ctx context.Context, in MutateInput) (*MutateResult, error) {
	return c.mutate(ctx, protocol.TypeMutateInsert, in)
}

func (c *Client) Update(ctx context.Context, in MutateInput) (*MutateResult, error) {
	return c.mutate(ctx, protocol.TypeMutateUpdate, in)
}

func (c *Client) Delete(ctx context.Context, in MutateInput) (*MutateResult, error) {
	return c.mutate(ctx, protocol.TypeMutateDelete, in)
}

// Mutate implements syncengine.MutationClient: a collection-wide delta
// with no document identity, sent as a mutate_update.
func (c *Client) Mutate(ctx context.Context, collection string, delta crdt.UpdateV2) error {
	_, err := c.Update(ctx, MutateInput{Collection: collection, CRDTBytes: delta})
	return err
}

func (c *Client) mutate(ctx context.Context, messageType string, in MutateInput) (*MutateResult, error) {
	payload := map[string]interface{}{"collection": in.Collection}
	if in.DocumentID != "" {
		payload["documentId"] = in.DocumentID
	}
	if in.CRDTBytes != nil {
		payload["crdtBytes"] = base64.StdEncoding.EncodeToString(in.CRDTBytes)
	}
	if in.MaterializedDoc != nil {
		payload["document"] = in.MaterializedDoc
	}
	if in.ExpectedVersion != nil {
		payload["expectedVersion"] = *in.ExpectedVersion
	}
	if in.SchemaVersion != 0 {
		payload["schemaVersion"] = in.SchemaVersion
	}

	msg, err := c.call(ctx, messageType, payload)
	if err != nil {
		return nil, err
	}

	res := &MutateResult{}
	res.Success, _ = msg.Payload["success"].(bool)
	res.Deduplicated, _ = msg.Payload["deduplicated"].(bool)
	res.DocumentID, _ = msg.Payload["documentId"].(string)
	if v, ok := msg.Payload["version"].(float64); ok {
		res.Version = int64(v)
	}
	return res, nil
}

func generateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
