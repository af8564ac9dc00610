package state

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/mirkobrombin/go-foundation/pkg/options"
	"github.com/mirkobrombin/go-twophase/pkg/wal"
)

const flagCompressed byte = 0x80

// LogOption defines a functional configuration for LogState.
type LogOption = options.Option[LogState]

// WithCompression toggles zstd compression of stored records.
func WithCompression(enabled bool) LogOption {
	return func(s *LogState) {
		s.compress = enabled
	}
}

// WithWAL forwards options to the underlying wal.Manager.
func WithWAL(opts ...wal.Option) LogOption {
	return func(s *LogState) {
		s.walOpts = append(s.walOpts, opts...)
	}
}

// LogState is a durable ListState backed by a segmented state log. Every
// mutation is a single checksummed record, so a crash never leaves a
// half-applied Update behind.
type LogState struct {
	mu       sync.Mutex
	wal      *wal.Manager
	walOpts  []wal.Option
	records  [][]byte
	restored bool
	compress bool
	closed   bool
	encPool  *sync.Pool
	decPool  *sync.Pool
}

// OpenLog opens (or creates) the state log in dir and replays it.
func OpenLog(dir string, opts ...LogOption) (*LogState, error) {
	s := &LogState{
		compress: true,
		encPool: &sync.Pool{
			New: func() any {
				enc, _ := zstd.NewWriter(nil)
				return enc
			},
		},
		decPool: &sync.Pool{
			New: func() any {
				dec, _ := zstd.NewReader(nil)
				return dec
			},
		},
	}
	options.Apply(s, opts...)

	w, err := wal.NewManager(dir, s.walOpts...)
	if err != nil {
		return nil, err
	}
	s.wal = w

	if err := s.replay(); err != nil {
		w.Close()
		return nil, err
	}
	return s, nil
}

func (s *LogState) replay() error {
	return s.wal.Iterate(func(r wal.Record, _ int64) error {
		s.restored = true

		values, err := s.decode(r)
		if err != nil {
			return err
		}

		switch r.Type &^ flagCompressed {
		case wal.RecordReplace:
			s.records = values
		case wal.RecordAdd:
			s.records = append(s.records, values...)
		default:
			return fmt.Errorf("%w: unknown record type %#x", wal.ErrCorrupt, r.Type)
		}
		return nil
	})
}

// Restored reports whether the log held any record when it was opened.
func (s *LogState) Restored() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restored
}

func (s *LogState) Add(value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if _, err := s.wal.Append(s.encode(wal.RecordAdd, [][]byte{value})); err != nil {
		return err
	}
	s.records = append(s.records, append([]byte(nil), value...))
	return nil
}

func (s *LogState) Clear() error {
	return s.Update(nil)
}

func (s *LogState) Get() ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	return cloneAll(s.records), nil
}

// Update writes a replace record into a fresh segment and then drops every
// older segment, which keeps the log bounded to roughly one snapshot.
func (s *LogState) Update(values [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if err := s.wal.Rotate(); err != nil {
		return err
	}
	if _, err := s.wal.Append(s.encode(wal.RecordReplace, values)); err != nil {
		return err
	}
	s.records = cloneAll(values)

	return s.wal.RemoveSegmentsBefore(s.wal.ActiveSegmentID())
}

func (s *LogState) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.wal.Close()
}

func (s *LogState) encode(typ byte, values [][]byte) wal.Record {
	if !s.compress {
		return wal.Record{Type: typ, Values: values}
	}

	enc := s.encPool.Get().(*zstd.Encoder)
	defer s.encPool.Put(enc)

	compressed := make([][]byte, len(values))
	for i, v := range values {
		compressed[i] = enc.EncodeAll(v, nil)
	}
	return wal.Record{Type: typ | flagCompressed, Values: compressed}
}

func (s *LogState) decode(r wal.Record) ([][]byte, error) {
	if r.Type&flagCompressed == 0 {
		return r.Values, nil
	}

	dec := s.decPool.Get().(*zstd.Decoder)
	defer s.decPool.Put(dec)

	values := make([][]byte, len(r.Values))
	for i, v := range r.Values {
		out, err := dec.DecodeAll(v, nil)
		if err != nil {
			return nil, err
		}
		values[i] = out
	}
	return values, nil
}

var _ ListState = (*LogState)(nil)
