package crdt

import "encoding/json"

// Txn accumulates the field writes and document deletes of a single local
// transaction. It is only ever constructed by Transact.
type Txn struct {
	doc *Doc
	ops []op
}

// Set stages a field write on docKey. value is marshaled to JSON immediately
// so encoding errors surface before the transaction commits.
func (t *Txn) Set(docKey, fieldPath string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return &EncodingError{Op: "set", Cause: err}
	}
	t.ops = append(t.ops, op{
		Kind:      opSet,
		DocKey:    docKey,
		FieldPath: fieldPath,
		Value:     raw,
	})
	return nil
}

// ReplaceDoc stages a full replacement of docKey's sub-map: every entry of
// record becomes a field write in this same transaction (used by insert,
// which "replaces the sub-map at key with a new map" per spec.md §4.2).
func (t *Txn) ReplaceDoc(docKey string, record map[string]any) error {
	for field, value := range record {
		if err := t.Set(docKey, field, value); err != nil {
			return err
		}
	}
	return nil
}

// DeleteDoc stages removal of docKey's sub-map.
func (t *Txn) DeleteDoc(docKey string) {
	t.ops = append(t.ops, op{Kind: opDeleteDoc, DocKey: docKey})
}

// Transact groups fn's writes into a single UpdateV2, stamped with origin,
// applies it to doc, and fires observers with that origin. Returns the
// captured delta; an empty transaction still yields a valid (empty) update.
func Transact(doc *Doc, fn func(*Txn), origin Origin) UpdateV2 {
	txn := &Txn{doc: doc}
	fn(txn)

	doc.mu.Lock()
	for i := range txn.ops {
		txn.ops[i].ClientID = doc.ClientID
		txn.ops[i].Clock = doc.nextClockLocked()
	}
	applyOpsLocked(doc, txn.ops)
	doc.mu.Unlock()

	update := encodeOps(txn.ops)
	doc.fireObservers(update, origin)
	return update
}

// applyOpsLocked applies ops to doc's state using per-field/per-key
// last-writer-wins. Caller holds doc.mu.
func applyOpsLocked(doc *Doc, ops []op) {
	for _, o := range ops {
		doc.observeClockLocked(o.Clock)
		stamp := clockStamp{Clock: o.Clock, ClientID: o.ClientID}

		switch o.Kind {
		case opDeleteDoc:
			if existing, ok := doc.tombstones[o.DocKey]; !ok || stamp.after(existing) {
				doc.tombstones[o.DocKey] = stamp
			}

		case opSet:
			tomb := doc.tombstones[o.DocKey]
			if !stamp.survivesDelete(tomb) {
				// A delete at an equal or later Clock dominates this write;
				// the key stays deleted ("delete wins when concurrent with
				// a field update on the same key"). Not the ClientID
				// tie-break used between same-kind ops: ties between a
				// delete and an update always go to the delete.
				continue
			}

			fields, ok := doc.fields[o.DocKey]
			if !ok {
				fields = make(map[string]fieldState)
				doc.fields[o.DocKey] = fields
			}

			if existing, ok := fields[o.FieldPath]; !ok || stamp.after(existing.Stamp) {
				fields[o.FieldPath] = fieldState{Stamp: stamp, Value: o.Value}
			}
		}
	}
}

// EncodingError wraps a JSON marshal/unmarshal failure inside a CRDT
// operation; fatal for the operation per spec.md §7 (CRDTEncodingError).
type EncodingError struct {
	Op    string
	Cause error
}

func (e *EncodingError) Error() string {
	return "crdt: " + e.Op + " encoding failed: " + e.Cause.Error()
}

func (e *EncodingError) Unwrap() error { return e.Cause }
