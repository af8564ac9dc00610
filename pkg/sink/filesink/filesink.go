// Package filesink is a transactional sink writing newline separated values
// into files. Each transaction is a file in a temporary directory; committing
// it moves the file into the target directory.
package filesink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/mirkobrombin/go-foundation/pkg/options"
	"github.com/mirkobrombin/go-twophase/pkg/twophase"
)

var ErrSealed = fmt.Errorf("filesink: transaction already pre-committed")

// Transaction is a single temporary file. Only TmpPath is persisted; a
// restored transaction has no open writer.
type Transaction struct {
	TmpPath string `json:"tmpPath"`

	file *os.File
	w    *bufio.Writer
}

func (t *Transaction) String() string {
	return filepath.Base(t.TmpPath)
}

// Codec persists transactions as JSON.
var Codec = twophase.Codec[*Transaction]{
	Encode: func(t *Transaction) ([]byte, error) {
		return json.Marshal(t)
	},
	Decode: func(b []byte) (*Transaction, error) {
		t := &Transaction{}
		if err := json.Unmarshal(b, t); err != nil {
			return nil, err
		}
		return t, nil
	},
}

// Serde is the driver serde for a file sink, which needs no user context.
var Serde = twophase.Serde[*Transaction, twophase.NoContext]{
	Transaction: Codec,
	Context:     twophase.NoContextCodec,
}

type Option = options.Option[Handler]

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithSync fsyncs every file on pre-commit.
func WithSync(enabled bool) Option {
	return func(h *Handler) {
		h.sync = enabled
	}
}

type Handler struct {
	tmpDir    string
	targetDir string
	sync      bool
	log       *slog.Logger
}

// New creates both directories if needed.
func New(tmpDir, targetDir string, opts ...Option) (*Handler, error) {
	h := &Handler{
		tmpDir:    tmpDir,
		targetDir: targetDir,
		sync:      true,
		log:       slog.Default(),
	}
	options.Apply(h, opts...)

	for _, dir := range []string{tmpDir, targetDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// NewDriver wires h into a driver.
func NewDriver(h *Handler, opts ...twophase.Option) *twophase.Driver[string, *Transaction, twophase.NoContext] {
	return twophase.New[string, *Transaction, twophase.NoContext](h, Serde, opts...)
}

func (h *Handler) BeginTransaction(_ context.Context) (*Transaction, error) {
	path := filepath.Join(h.tmpDir, uuid.NewString())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &Transaction{TmpPath: path, file: f, w: bufio.NewWriter(f)}, nil
}

func (h *Handler) Invoke(_ context.Context, txn *Transaction, value string) error {
	if txn.w == nil {
		return ErrSealed
	}
	if _, err := txn.w.WriteString(value); err != nil {
		return err
	}
	return txn.w.WriteByte('\n')
}

func (h *Handler) PreCommit(_ context.Context, txn *Transaction) error {
	if txn.w == nil {
		return nil
	}
	if err := txn.w.Flush(); err != nil {
		return err
	}
	if h.sync {
		if err := txn.file.Sync(); err != nil {
			return err
		}
	}
	err := txn.file.Close()
	txn.file, txn.w = nil, nil
	return err
}

// Commit moves the file into the target directory. A file that is already
// there counts as committed.
func (h *Handler) Commit(_ context.Context, txn *Transaction) error {
	target := h.targetPath(txn)
	err := os.Rename(txn.TmpPath, target)
	if errors.Is(err, fs.ErrNotExist) {
		if _, statErr := os.Stat(target); statErr == nil {
			return nil
		}
	}
	return err
}

func (h *Handler) Abort(_ context.Context, txn *Transaction) error {
	if txn.file != nil {
		txn.file.Close()
		txn.file, txn.w = nil, nil
	}
	if err := os.Remove(txn.TmpPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (h *Handler) RecoverAndCommit(ctx context.Context, txn *Transaction) error {
	if err := h.Commit(ctx, txn); err != nil {
		return err
	}
	h.log.Debug("recovered file committed", "file", txn)
	return nil
}

// RecoverAndAbort removes the file of a transaction that was open at the
// time of the failure. It may have been aborted already.
func (h *Handler) RecoverAndAbort(ctx context.Context, txn *Transaction) error {
	return h.Abort(ctx, txn)
}

func (h *Handler) targetPath(txn *Transaction) string {
	return filepath.Join(h.targetDir, filepath.Base(txn.TmpPath))
}

// Pending lists the files still in the temporary directory.
func (h *Handler) Pending() ([]string, error) {
	return listFiles(h.tmpDir)
}

// Committed returns every value in the target directory, sorted.
func (h *Handler) Committed() ([]string, error) {
	files, err := listFiles(h.targetDir)
	if err != nil {
		return nil, err
	}

	var values []string
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(h.targetDir, name))
		if err != nil {
			return nil, err
		}
		for _, line := range strings.Split(string(data), "\n") {
			if line != "" {
				values = append(values, line)
			}
		}
	}
	sort.Strings(values)
	return values, nil
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
