package wal

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mirkobrombin/go-foundation/pkg/options"
)

// Option defines a functional configuration for the Manager.
type Option = options.Option[Manager]

// WithMaxSegmentSize sets the size at which the active segment is sealed.
func WithMaxSegmentSize(size int64) Option {
	return func(m *Manager) {
		m.maxSize = size
	}
}

// WithSyncOnWrite makes every Append fsync the active segment before returning.
func WithSyncOnWrite(enabled bool) Option {
	return func(m *Manager) {
		m.syncOnWrite = enabled
	}
}

// Manager handles a collection of state log segments.
type Manager struct {
	mu          sync.RWMutex
	dir         string
	active      *Segment
	sealed      []*Segment
	seq         uint64
	maxSize     int64
	syncOnWrite bool
	closed      bool
}

// NewManager opens the log in dir, creating it if needed. A torn record at
// the tail of the active segment is truncated away.
func NewManager(dir string, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	m := &Manager{
		dir:         dir,
		maxSize:     DefaultSegmentSize,
		syncOnWrite: true,
	}
	options.Apply(m, opts...)

	if err := m.loadSegments(); err != nil {
		return nil, err
	}
	if err := m.repairActive(); err != nil {
		m.Close()
		return nil, err
	}

	return m, nil
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%016x.log", id))
}

func (m *Manager) loadSegments() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}

	var segmentIDs []uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}

		name := strings.TrimSuffix(e.Name(), ".log")
		id, err := strconv.ParseUint(name, 16, 64)
		if err != nil {
			continue // Skip malformed files
		}
		segmentIDs = append(segmentIDs, id)
	}

	sort.Slice(segmentIDs, func(i, j int) bool {
		return segmentIDs[i] < segmentIDs[j]
	})

	for i, id := range segmentIDs {
		seg, err := NewSegment(id, segmentPath(m.dir, id), m.maxSize)
		if err != nil {
			return err
		}

		if i == len(segmentIDs)-1 {
			m.active = seg
		} else {
			seg.Close()
			m.sealed = append(m.sealed, seg)
		}
	}

	if m.active == nil {
		seg, err := NewSegment(0, segmentPath(m.dir, 0), m.maxSize)
		if err != nil {
			return err
		}
		m.active = seg
	}

	return nil
}

// repairActive validates sealed segments and truncates the active one at the
// first record that is incomplete or fails its checksum.
func (m *Manager) repairActive() error {
	for _, seg := range m.sealed {
		if _, err := m.scan(seg, m.trackSeq); err != nil {
			return fmt.Errorf("wal: segment %d: %w", seg.ID(), err)
		}
	}

	valid, err := m.scan(m.active, m.trackSeq)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrCorrupt) && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}

	slog.Warn("wal: truncating torn tail", "segment", m.active.ID(), "offset", valid, "size", m.active.Size())
	return m.active.Truncate(valid)
}

func (m *Manager) trackSeq(r Record, _ int64) error {
	if r.Seq > m.seq {
		m.seq = r.Seq
	}
	return nil
}

// Append writes a record to the active segment, rotating if necessary. The
// record's Seq is assigned by the manager.
func (m *Manager) Append(r Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	m.seq++
	r.Seq = m.seq
	data := EncodeRecord(r)

	if m.active.Size() > 0 && m.active.Size()+int64(len(data)) > m.maxSize {
		if err := m.rotate(); err != nil {
			return 0, err
		}
	}

	offset, err := m.active.Write(data)
	if err != nil {
		return 0, err
	}

	if m.syncOnWrite {
		if err := m.active.Sync(); err != nil {
			return 0, err
		}
	}

	return PackOffset(m.active.ID(), offset), nil
}

// Rotate seals the active segment and opens a fresh one.
func (m *Manager) Rotate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	return m.rotate()
}

func (m *Manager) rotate() error {
	if err := m.active.Sync(); err != nil {
		return err
	}
	m.active.Close()

	m.sealed = append(m.sealed, m.active)

	newID := m.active.ID() + 1
	seg, err := NewSegment(newID, segmentPath(m.dir, newID), m.maxSize)
	if err != nil {
		return err
	}
	m.active = seg
	return nil
}

// ReadAt reads the record stored at the packed offset.
func (m *Manager) ReadAt(packedOffset int64) (Record, error) {
	segID, offset := UnpackOffset(packedOffset)

	m.mu.RLock()
	var target *Segment
	if m.active.ID() == segID {
		target = m.active
	} else {
		for _, s := range m.sealed {
			if s.ID() == segID {
				target = s
				break
			}
		}
	}
	m.mu.RUnlock()

	if target == nil {
		return Record{}, ErrNotFound
	}

	r, _, err := readRecord(target, offset)
	return r, err
}

func readRecord(seg *Segment, offset int64) (Record, int64, error) {
	buf, err := seg.ReadAt(offset, headerSize)
	if err != nil {
		return Record{}, 0, err
	}
	h := decodeHeader(buf)
	if offset+headerSize+int64(h.bodyLen) > seg.Size() {
		return Record{}, 0, io.ErrUnexpectedEOF
	}

	body, err := seg.ReadAt(offset+headerSize, int(h.bodyLen))
	if err != nil {
		return Record{}, 0, err
	}

	r, err := decodeBody(h, body)
	if err != nil {
		return Record{}, 0, err
	}
	return r, offset + headerSize + int64(h.bodyLen), nil
}

// scan walks a segment from the start and returns the offset just past the
// last valid record along with the error that stopped it, if any.
func (m *Manager) scan(seg *Segment, fn func(r Record, offset int64) error) (int64, error) {
	offset := int64(0)
	size := seg.Size()

	for offset < size {
		r, next, err := readRecord(seg, offset)
		if err != nil {
			return offset, err
		}
		if err := fn(r, PackOffset(seg.ID(), offset)); err != nil {
			return offset, err
		}
		offset = next
	}
	return offset, nil
}

// Iterate replays every record, sealed segments first, in append order.
func (m *Manager) Iterate(fn func(r Record, offset int64) error) error {
	m.mu.RLock()
	segments := make([]*Segment, 0, len(m.sealed)+1)
	segments = append(segments, m.sealed...)
	segments = append(segments, m.active)
	m.mu.RUnlock()

	for _, seg := range segments {
		if _, err := m.scan(seg, fn); err != nil {
			return fmt.Errorf("wal: segment %d: %w", seg.ID(), err)
		}
	}
	return nil
}

// RemoveSegmentsBefore deletes every sealed segment whose ID is lower than id.
func (m *Manager) RemoveSegmentsBefore(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.sealed[:0]
	var errs []error
	for _, s := range m.sealed {
		if s.ID() >= id {
			kept = append(kept, s)
			continue
		}
		if err := s.Close(); err != nil {
			slog.Warn("wal: failed to close segment", "segment", s.ID(), "err", err)
		}
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			kept = append(kept, s)
		}
	}
	m.sealed = kept
	return errors.Join(errs...)
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	if err := m.active.Close(); err != nil {
		return err
	}
	for _, s := range m.sealed {
		if err := s.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) ActiveSegmentID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.ID()
}

func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active.Sync()
}

func (m *Manager) SealedSegments() []*Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make([]*Segment, len(m.sealed))
	copy(cp, m.sealed)
	return cp
}

func (m *Manager) Dir() string {
	return m.dir
}
