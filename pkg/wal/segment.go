package wal

import (
	"fmt"
	"os"
	"sync"
)

// Segment represents a single file in the segmented state log.
type Segment struct {
	mu      sync.RWMutex
	id      uint64
	path    string
	file    *os.File
	size    int64
	maxSize int64
	closed  bool
}

// NewSegment creates or opens a segment for appending.
func NewSegment(id uint64, path string, maxSize int64) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("segment: failed to open: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Segment{
		id:      id,
		path:    path,
		file:    f,
		size:    stat.Size(),
		maxSize: maxSize,
	}, nil
}

// Write appends data to the segment and returns the offset it was written at.
func (s *Segment) Write(data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("segment: closed")
	}

	// An empty segment always accepts one record, even an oversized one.
	if s.size > 0 && s.size+int64(len(data)) > s.maxSize {
		return 0, ErrSegmentFull
	}

	n, err := s.file.Write(data)
	if err != nil {
		return 0, err
	}

	offset := s.size
	s.size += int64(n)
	return offset, nil
}

// ReadAt reads size bytes at offset, reopening the file read-only when the
// segment was sealed and closed.
func (s *Segment) ReadAt(offset int64, size int) ([]byte, error) {
	s.mu.Lock()
	if s.file == nil {
		f, err := os.OpenFile(s.path, os.O_RDONLY, 0644)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.file = f
	}
	f := s.file
	s.mu.Unlock()

	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}

// Truncate cuts the segment at size. Used to drop a torn tail after a crash.
func (s *Segment) Truncate(size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("segment: closed")
	}
	if err := s.file.Truncate(size); err != nil {
		return err
	}
	s.size = size
	return s.file.Sync()
}

func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

func (s *Segment) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

func (s *Segment) ID() uint64 {
	return s.id
}

func (s *Segment) Path() string {
	return s.path
}

func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}
