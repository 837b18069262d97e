package crdt

// StateVector is a compact per-client causal summary: the highest clock
// value observed from each client, used to request or encode only the
// updates a peer is missing.
type StateVector map[uint32]uint64

// ApplyUpdate applies a remote or locally-replayed update to doc under the
// given origin. Decode failures are CRDTEncodingError-class and fatal for
// the operation.
func ApplyUpdate(doc *Doc, update UpdateV2, origin Origin) error {
	ops, err := decodeOps(update)
	if err != nil {
		return &EncodingError{Op: "apply", Cause: err}
	}

	doc.mu.Lock()
	applyOpsLocked(doc, ops)
	doc.mu.Unlock()

	doc.fireObservers(update, origin)
	return nil
}

// EncodeStateVector returns the highest clock contributed by each client
// currently reflected in doc's winning state (fields and tombstones alike).
func EncodeStateVector(doc *Doc) StateVector {
	doc.mu.Lock()
	defer doc.mu.Unlock()
	return encodeStateVectorLocked(doc)
}

func encodeStateVectorLocked(doc *Doc) StateVector {
	sv := make(StateVector)
	bump := func(s clockStamp) {
		if s.Clock > sv[s.ClientID] {
			sv[s.ClientID] = s.Clock
		}
	}
	for _, fields := range doc.fields {
		for _, fs := range fields {
			bump(fs.Stamp)
		}
	}
	for _, stamp := range doc.tombstones {
		bump(stamp)
	}
	return sv
}

// EncodeStateAsUpdate encodes doc's full current state (every live field
// write and every tombstone) as a single standalone UpdateV2.
func EncodeStateAsUpdate(doc *Doc) UpdateV2 {
	doc.mu.Lock()
	defer doc.mu.Unlock()
	return encodeFullStateLocked(doc, nil)
}

// EncodeStateAsUpdateFromVector encodes only the ops doc holds that sv has
// not already seen: a diff-against-state-vector update, itself a valid
// standalone UpdateV2 (spec.md §4.1).
func EncodeStateAsUpdateFromVector(doc *Doc, sv StateVector) UpdateV2 {
	doc.mu.Lock()
	defer doc.mu.Unlock()
	return encodeFullStateLocked(doc, sv)
}

// encodeFullStateLocked builds the op list for doc's full winning state,
// optionally filtered against a known state vector. Caller holds doc.mu.
func encodeFullStateLocked(doc *Doc, sv StateVector) UpdateV2 {
	known := func(stamp clockStamp) bool {
		if sv == nil {
			return false
		}
		return sv[stamp.ClientID] >= stamp.Clock
	}

	var ops []op
	for docKey, fields := range doc.fields {
		tomb := doc.tombstones[docKey]
		for path, fs := range fields {
			if !fs.Stamp.survivesDelete(tomb) {
				continue // superseded by a delete, not part of live state
			}
			if known(fs.Stamp) {
				continue
			}
			ops = append(ops, op{
				Kind:      opSet,
				ClientID:  fs.Stamp.ClientID,
				Clock:     fs.Stamp.Clock,
				DocKey:    docKey,
				FieldPath: path,
				Value:     fs.Value,
			})
		}
	}
	for docKey, stamp := range doc.tombstones {
		if known(stamp) {
			continue
		}
		ops = append(ops, op{
			Kind:     opDeleteDoc,
			ClientID: stamp.ClientID,
			Clock:    stamp.Clock,
			DocKey:   docKey,
		})
	}

	return encodeOps(ops)
}

// TouchedKeys decodes update and reports which document keys it sets
// fields on and which it deletes, without applying it. Used by the
// reactive bridge to decide what to emit for an already-applied update.
func TouchedKeys(update UpdateV2) (setKeys []string, deletedKeys []string, err error) {
	ops, err := decodeOps(update)
	if err != nil {
		return nil, nil, &EncodingError{Op: "touched-keys", Cause: err}
	}

	seenSet := make(map[string]bool)
	seenDel := make(map[string]bool)
	for _, o := range ops {
		switch o.Kind {
		case opSet:
			if !seenSet[o.DocKey] {
				seenSet[o.DocKey] = true
				setKeys = append(setKeys, o.DocKey)
			}
		case opDeleteDoc:
			if !seenDel[o.DocKey] {
				seenDel[o.DocKey] = true
				deletedKeys = append(deletedKeys, o.DocKey)
			}
		}
	}
	return setKeys, deletedKeys, nil
}

// EncodeSnapshot encodes doc's full current state as a single merged
// update representing the complete collection (spec.md §4.1, §3
// "Snapshot").
func EncodeSnapshot(doc *Doc) UpdateV2 {
	return EncodeStateAsUpdate(doc)
}

// RestoreSnapshot replaces doc's entire state with the snapshot's, then
// fires observers with OriginSnapshot. Applying a snapshot to a fresh doc
// reconstructs exactly the state it was encoded from.
func RestoreSnapshot(doc *Doc, snapshot UpdateV2) error {
	ops, err := decodeOps(snapshot)
	if err != nil {
		return &EncodingError{Op: "restore-snapshot", Cause: err}
	}

	doc.mu.Lock()
	doc.fields = make(map[string]map[string]fieldState)
	doc.tombstones = make(map[string]clockStamp)
	applyOpsLocked(doc, ops)
	doc.mu.Unlock()

	doc.fireObservers(snapshot, OriginSnapshot)
	return nil
}

// MergeUpdates merges an ordered list of updates into one equivalent
// update. Merging is commutative and associative: MergeUpdates is
// independent of the input ordering and of whether it is done in one call
// or split across several (spec.md §4.1, §8).
func MergeUpdates(updates []UpdateV2) (UpdateV2, error) {
	scratch := NewDoc("", 0)

	scratch.mu.Lock()
	defer scratch.mu.Unlock()

	for _, u := range updates {
		ops, err := decodeOps(u)
		if err != nil {
			return nil, &EncodingError{Op: "merge", Cause: err}
		}
		// Ops from later updates in the list do not causally supersede
		// earlier ones merely by list position; only (clock, clientId)
		// ordering decides winners, so applying in list order is safe
		// and equivalent to any other order.
		applyOpsLocked(scratch, ops)
	}

	return encodeFullStateLocked(scratch, nil), nil
}
