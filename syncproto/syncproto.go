// Package syncproto implements the tagged binary wire protocol the sync
// supervisor and room manager speak (spec.md §6): a single-byte tag
// followed by a varint-length-prefixed payload, except QUERY_AWARENESS
// (no payload) and SYNC_STATUS (a bare varint, no length prefix — its
// payload IS the varint).
package syncproto

import (
	"encoding/binary"
	"fmt"
)

// Tag identifies a frame's kind on the wire.
type Tag byte

const (
	TagSync           Tag = 0
	TagAwareness      Tag = 1
	TagQueryAwareness Tag = 3
	TagSyncStatus     Tag = 102
)

// SyncSubType distinguishes the three sub-messages carried by a Tag 0 SYNC
// frame, themselves length-prefixed within the SYNC payload.
type SyncSubType byte

const (
	SyncStep1 SyncSubType = 0
	SyncStep2 SyncSubType = 1
	SyncUpdate SyncSubType = 2
)

// Frame is a decoded wire message.
type Frame struct {
	Tag     Tag
	SubType SyncSubType // meaningful only when Tag == TagSync
	Payload []byte      // raw bytes for the given tag/subtype; nil for QueryAwareness
}

// EncodeSync builds a Tag 0 SYNC frame carrying one sub-message.
func EncodeSync(sub SyncSubType, payload []byte) []byte {
	var buf []byte
	buf = append(buf, byte(TagSync), byte(sub))
	buf = appendUvarintBytes(buf, payload)
	return buf
}

// EncodeAwareness builds a Tag 1 AWARENESS frame.
func EncodeAwareness(payload []byte) []byte {
	buf := []byte{byte(TagAwareness)}
	return appendUvarintBytes(buf, payload)
}

// EncodeQueryAwareness builds the payload-less Tag 3 frame.
func EncodeQueryAwareness() []byte {
	return []byte{byte(TagQueryAwareness)}
}

// EncodeSyncStatus builds a Tag 102 frame whose payload is the bare varint
// localVersion, with no length prefix — the varint bytes ARE the payload.
func EncodeSyncStatus(localVersion uint64) []byte {
	buf := make([]byte, 1, 1+binary.MaxVarintLen64)
	buf[0] = byte(TagSyncStatus)
	tmp := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(tmp, localVersion)
	return append(buf, tmp[:n]...)
}

// Decode parses one frame from a received message.
func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("syncproto: empty frame")
	}
	tag := Tag(data[0])
	rest := data[1:]
	switch tag {
	case TagQueryAwareness:
		return Frame{Tag: tag}, nil
	case TagSyncStatus:
		if _, n := binary.Uvarint(rest); n <= 0 {
			return Frame{}, fmt.Errorf("syncproto: malformed SYNC_STATUS varint")
		}
		return Frame{Tag: tag, Payload: rest}, nil
	case TagAwareness:
		payload, _, err := readUvarintBytes(rest)
		if err != nil {
			return Frame{}, fmt.Errorf("syncproto: awareness frame: %w", err)
		}
		return Frame{Tag: tag, Payload: payload}, nil
	case TagSync:
		if len(rest) < 1 {
			return Frame{}, fmt.Errorf("syncproto: sync frame missing subtype")
		}
		sub := SyncSubType(rest[0])
		payload, _, err := readUvarintBytes(rest[1:])
		if err != nil {
			return Frame{}, fmt.Errorf("syncproto: sync frame: %w", err)
		}
		return Frame{Tag: tag, SubType: sub, Payload: payload}, nil
	default:
		return Frame{}, fmt.Errorf("syncproto: unknown tag %d", tag)
	}
}

// DecodeSyncStatus extracts localVersion from a Tag 102 frame's payload.
func DecodeSyncStatus(payload []byte) (uint64, error) {
	v, n := binary.Uvarint(payload)
	if n <= 0 {
		return 0, fmt.Errorf("syncproto: malformed SYNC_STATUS varint")
	}
	return v, nil
}

func appendUvarintBytes(buf, payload []byte) []byte {
	tmp := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(tmp, uint64(len(payload)))
	buf = append(buf, tmp[:n]...)
	return append(buf, payload...)
}

func readUvarintBytes(data []byte) ([]byte, int, error) {
	length, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, 0, fmt.Errorf("malformed length varint")
	}
	start := n
	end := start + int(length)
	if end > len(data) {
		return nil, 0, fmt.Errorf("payload shorter than declared length")
	}
	return data[start:end], end, nil
}
