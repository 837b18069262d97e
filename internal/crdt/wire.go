package crdt

import (
	"encoding/binary"
	"fmt"
)

// UpdateV2 is an opaque, Yjs-UpdateV2-shaped incremental or full-state CRDT
// update. Callers must treat it as a binary blob; only this package
// interprets its contents.
type UpdateV2 []byte

// opKind distinguishes a field write from a whole-document delete.
type opKind byte

const (
	opSet       opKind = 0x01
	opDeleteDoc opKind = 0x02
)

// op is one wire-level mutation: a field write or a document delete,
// stamped with the clock/client that produced it.
//
// Wire layout per op, big-endian:
//
//	[kind:1][clientId:4][clock:8][docKeyLen:2][docKey][fieldPathLen:2][fieldPath][valueLen:4][value]
//
// For opDeleteDoc, fieldPath and value are empty (length-prefixed zero).
type op struct {
	Kind      opKind
	ClientID  uint32
	Clock     uint64
	DocKey    string
	FieldPath string
	Value     []byte
}

// encodeOps serializes a list of ops into a single UpdateV2. An empty list
// encodes to a valid, applyable no-op update.
func encodeOps(ops []op) UpdateV2 {
	size := 4 // op count
	for _, o := range ops {
		size += 1 + 4 + 8 + 2 + len(o.DocKey) + 2 + len(o.FieldPath) + 4 + len(o.Value)
	}

	buf := make([]byte, size)
	off := 0
	binary.BigEndian.PutUint32(buf[off:], uint32(len(ops)))
	off += 4

	for _, o := range ops {
		buf[off] = byte(o.Kind)
		off++
		binary.BigEndian.PutUint32(buf[off:], o.ClientID)
		off += 4
		binary.BigEndian.PutUint64(buf[off:], o.Clock)
		off += 8

		binary.BigEndian.PutUint16(buf[off:], uint16(len(o.DocKey)))
		off += 2
		off += copy(buf[off:], o.DocKey)

		binary.BigEndian.PutUint16(buf[off:], uint16(len(o.FieldPath)))
		off += 2
		off += copy(buf[off:], o.FieldPath)

		binary.BigEndian.PutUint32(buf[off:], uint32(len(o.Value)))
		off += 4
		off += copy(buf[off:], o.Value)
	}

	return buf
}

// decodeOps parses an UpdateV2 back into its op list. Any malformed input is
// a CRDTEncodingError-class failure (spec.md §7).
func decodeOps(update UpdateV2) ([]op, error) {
	if len(update) < 4 {
		return nil, fmt.Errorf("crdt: update too short: %d bytes", len(update))
	}

	count := binary.BigEndian.Uint32(update)
	off := 4

	ops := make([]op, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+1+4+8+2 > len(update) {
			return nil, fmt.Errorf("crdt: truncated op header at index %d", i)
		}

		var o op
		o.Kind = opKind(update[off])
		off++
		o.ClientID = binary.BigEndian.Uint32(update[off:])
		off += 4
		o.Clock = binary.BigEndian.Uint64(update[off:])
		off += 8

		docKeyLen := int(binary.BigEndian.Uint16(update[off:]))
		off += 2
		if off+docKeyLen > len(update) {
			return nil, fmt.Errorf("crdt: truncated docKey at index %d", i)
		}
		o.DocKey = string(update[off : off+docKeyLen])
		off += docKeyLen

		if off+2 > len(update) {
			return nil, fmt.Errorf("crdt: truncated fieldPath length at index %d", i)
		}
		fieldPathLen := int(binary.BigEndian.Uint16(update[off:]))
		off += 2
		if off+fieldPathLen > len(update) {
			return nil, fmt.Errorf("crdt: truncated fieldPath at index %d", i)
		}
		o.FieldPath = string(update[off : off+fieldPathLen])
		off += fieldPathLen

		if off+4 > len(update) {
			return nil, fmt.Errorf("crdt: truncated value length at index %d", i)
		}
		valueLen := int(binary.BigEndian.Uint32(update[off:]))
		off += 4
		if off+valueLen > len(update) {
			return nil, fmt.Errorf("crdt: truncated value at index %d", i)
		}
		o.Value = append([]byte(nil), update[off:off+valueLen]...)
		off += valueLen

		ops = append(ops, o)
	}

	return ops, nil
}
