package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const (
	// RecordAdd appends its values to the list.
	RecordAdd byte = 0
	// RecordReplace drops everything before it and starts over with its values.
	RecordReplace byte = 1
)

// Record is a single entry of the state log.
type Record struct {
	Type   byte
	Seq    uint64
	Values [][]byte
}

var (
	ErrSegmentFull = fmt.Errorf("wal: segment full")
	ErrClosed      = fmt.Errorf("wal: closed")
	ErrNotFound    = fmt.Errorf("wal: not found")
	ErrCorrupt     = fmt.Errorf("wal: corrupt record")
)

const (
	// DefaultSegmentSize is the default max size for segments.
	DefaultSegmentSize = 16 * 1024 * 1024
	// segmentShift determines bits for offset.
	segmentShift = 32
	offsetMask   = (1 << segmentShift) - 1

	// [Type:1][Seq:8][Checksum:8][BodyLen:4]
	headerSize = 21
)

// PackOffset combines segment ID and file offset into a single int64.
func PackOffset(segmentID uint64, offset int64) int64 {
	return int64((segmentID << segmentShift) | uint64(offset))
}

func UnpackOffset(packed int64) (uint64, int64) {
	id := uint64(packed) >> segmentShift
	offset := packed & offsetMask
	return id, offset
}

// EncodeRecord binary encodes a record.
// Header: [Type:1][Seq:8][Checksum:8][BodyLen:4]
// Body:   [Count:4] then Count x [Len:4][Bytes:N]
// The checksum is the xxhash of the body.
func EncodeRecord(r Record) []byte {
	bodyLen := 4
	for _, v := range r.Values {
		bodyLen += 4 + len(v)
	}

	buf := make([]byte, headerSize+bodyLen)
	body := buf[headerSize:]

	binary.BigEndian.PutUint32(body, uint32(len(r.Values)))
	pos := 4
	for _, v := range r.Values {
		binary.BigEndian.PutUint32(body[pos:], uint32(len(v)))
		copy(body[pos+4:], v)
		pos += 4 + len(v)
	}

	buf[0] = r.Type
	binary.BigEndian.PutUint64(buf[1:], r.Seq)
	binary.BigEndian.PutUint64(buf[9:], xxhash.Sum64(body))
	binary.BigEndian.PutUint32(buf[17:], uint32(bodyLen))
	return buf
}

type header struct {
	typ      byte
	seq      uint64
	checksum uint64
	bodyLen  uint32
}

func decodeHeader(buf []byte) header {
	return header{
		typ:      buf[0],
		seq:      binary.BigEndian.Uint64(buf[1:]),
		checksum: binary.BigEndian.Uint64(buf[9:]),
		bodyLen:  binary.BigEndian.Uint32(buf[17:]),
	}
}

func decodeBody(h header, body []byte) (Record, error) {
	if xxhash.Sum64(body) != h.checksum {
		return Record{}, ErrCorrupt
	}
	if len(body) < 4 {
		return Record{}, ErrCorrupt
	}

	count := binary.BigEndian.Uint32(body)
	values := make([][]byte, 0, count)
	pos := 4
	for i := uint32(0); i < count; i++ {
		if pos+4 > len(body) {
			return Record{}, ErrCorrupt
		}
		n := int(binary.BigEndian.Uint32(body[pos:]))
		pos += 4
		if pos+n > len(body) {
			return Record{}, ErrCorrupt
		}
		v := make([]byte, n)
		copy(v, body[pos:pos+n])
		values = append(values, v)
		pos += n
	}

	return Record{Type: h.typ, Seq: h.seq, Values: values}, nil
}
