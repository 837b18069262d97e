package rpc

import (
	"encoding/base64"
	"testing"

	"github.com/synckit-labs/replicate-go/internal/replicate/syncengine"
)

func TestDecodeStreamEvent_Delta(t *testing.T) {
	docID := "doc-1"
	crdtBytes := []byte{0x01, 0x02, 0x03}

	row := map[string]interface{}{
		"documentId":    docID,
		"crdtBytes":     base64.StdEncoding.EncodeToString(crdtBytes),
		"version":       float64(7),
		"timestamp":     float64(1234),
		"operationType": "delta",
	}

	evt, err := decodeStreamEvent(row)
	if err != nil {
		t.Fatalf("decodeStreamEvent: %v", err)
	}
	if evt.DocumentID == nil || *evt.DocumentID != docID {
		t.Errorf("DocumentID = %v, want %q", evt.DocumentID, docID)
	}
	if string(evt.CRDTBytes) != string(crdtBytes) {
		t.Errorf("CRDTBytes = %v, want %v", evt.CRDTBytes, crdtBytes)
	}
	if evt.Version != 7 {
		t.Errorf("Version = %d, want 7", evt.Version)
	}
	if evt.Timestamp != 1234 {
		t.Errorf("Timestamp = %d, want 1234", evt.Timestamp)
	}
	if evt.OperationType != syncengine.OpDelta {
		t.Errorf("OperationType = %q, want %q", evt.OperationType, syncengine.OpDelta)
	}
}

func TestDecodeStreamEvent_SnapshotNoDocumentID(t *testing.T) {
	row := map[string]interface{}{
		"crdtBytes":     base64.StdEncoding.EncodeToString([]byte{0xAA}),
		"operationType": "snapshot",
	}

	evt, err := decodeStreamEvent(row)
	if err != nil {
		t.Fatalf("decodeStreamEvent: %v", err)
	}
	if evt.DocumentID != nil {
		t.Errorf("DocumentID = %v, want nil for a collection-wide snapshot", evt.DocumentID)
	}
	if evt.OperationType != syncengine.OpSnapshot {
		t.Errorf("OperationType = %q, want %q", evt.OperationType, syncengine.OpSnapshot)
	}
}

func TestDecodeStreamEvent_InvalidBase64(t *testing.T) {
	row := map[string]interface{}{"crdtBytes": "not-valid-base64!!"}
	if _, err := decodeStreamEvent(row); err == nil {
		t.Error("decodeStreamEvent with invalid base64 = nil error, want error")
	}
}

func TestFramedPayload(t *testing.T) {
	payload := framedPayload("subscribe", map[string]interface{}{"collection": "todos"})

	if payload["type"] != "subscribe" {
		t.Errorf("type = %v, want subscribe", payload["type"])
	}
	if payload["collection"] != "todos" {
		t.Errorf("collection = %v, want todos", payload["collection"])
	}
	if _, ok := payload["id"].(string); !ok {
		t.Error("id was not set to a string")
	}
	if _, ok := payload["timestamp"].(int64); !ok {
		t.Error("timestamp was not set to an int64")
	}
}

func TestGenerateID_Unique(t *testing.T) {
	a := generateID()
	b := generateID()
	if a == b {
		t.Error("generateID produced the same id twice")
	}
	if len(a) != 32 {
		t.Errorf("generateID length = %d, want 32 (hex of 16 bytes)", len(a))
	}
}
