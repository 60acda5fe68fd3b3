// Package jsonl writes routed records to one line-delimited JSON file per
// table under a directory.
//
// Replace tables are truncated the first time they are written in a run and
// appended to afterwards. Append and merge tables always append; merge
// deduplication is left to whatever loads the files.
package jsonl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-connectors/pkg/compression"
	"github.com/ajitpratap0/nebula-connectors/pkg/config"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
	"github.com/ajitpratap0/nebula-connectors/pkg/json"
	"github.com/ajitpratap0/nebula-connectors/pkg/logger"
)

const defaultBufferSize = 64 * 1024

// Destination is the JSONL file destination. It is safe for concurrent use.
type Destination struct {
	dir        string
	alg        compression.Algorithm
	bufferSize int
	logger     *zap.Logger

	mu     sync.Mutex
	tables map[string]*tableFile
	closed bool
}

type tableFile struct {
	path    string
	file    *os.File
	codec   io.WriteCloser
	writer  *bufio.Writer
	records int64
}

// New creates a destination writing under cfg.Path.
func New(cfg config.DestinationConfig) (*Destination, error) {
	if cfg.Path == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "jsonl: path is required")
	}
	alg, err := compression.Parse(cfg.Compression)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "jsonl")
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("jsonl: failed to create directory %s", cfg.Path))
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Destination{
		dir:        cfg.Path,
		alg:        alg,
		bufferSize: size,
		logger:     logger.With(zap.String("component", "jsonl_destination")),
		tables:     make(map[string]*tableFile),
	}, nil
}

// Path returns the file a table is written to.
func (d *Destination) Path(table string) string {
	return filepath.Join(d.dir, fileName(table)+".jsonl"+d.alg.Extension())
}

// fileName keeps table names inside the destination directory.
func fileName(table string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	name := r.Replace(strings.TrimSpace(table))
	if name == "" {
		name = "_unnamed"
	}
	return name
}

// Write implements core.Destination.
func (d *Destination) Write(_ context.Context, table string, res *core.Resource, rec core.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, fmt.Sprintf("jsonl: failed to encode record for %s", table))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New(errors.ErrorTypeInternal, "jsonl: destination closed")
	}
	tf, err := d.open(table, res)
	if err != nil {
		return err
	}
	if _, err := tf.writer.Write(data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "jsonl: write failed")
	}
	if err := tf.writer.WriteByte('\n'); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "jsonl: write failed")
	}
	tf.records++
	return nil
}

// open returns the table's file, creating it on first use. Callers hold d.mu.
func (d *Destination) open(table string, res *core.Resource) (*tableFile, error) {
	if tf, ok := d.tables[table]; ok {
		return tf, nil
	}
	disposition := core.Append
	if res != nil && res.WriteDisposition != "" {
		disposition = res.WriteDisposition
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if disposition == core.Replace {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}

	path := d.Path(table)
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, fmt.Sprintf("jsonl: failed to open %s", path))
	}
	codec, err := compression.NewWriter(d.alg, f, compression.Default)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "jsonl")
	}
	tf := &tableFile{path: path, file: f, codec: codec, writer: bufio.NewWriterSize(codec, d.bufferSize)}
	d.tables[table] = tf
	d.logger.Debug("opened table file",
		zap.String("table", table),
		zap.String("path", path),
		zap.String("disposition", string(disposition)))
	return tf, nil
}

type flusher interface{ Flush() error }

// Flush implements core.Destination.
func (d *Destination) Flush(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, tf := range d.tables {
		if err := tf.flush(); err != nil {
			return err
		}
	}
	return nil
}

func (tf *tableFile) flush() error {
	if err := tf.writer.Flush(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "jsonl: flush failed")
	}
	if f, ok := tf.codec.(flusher); ok {
		if err := f.Flush(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "jsonl: flush failed")
		}
	}
	return nil
}

// Tables returns the tables written in this run with their record counts.
func (d *Destination) Tables() map[string]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int64, len(d.tables))
	for name, tf := range d.tables {
		out[name] = tf.records
	}
	return out
}

// Close flushes and closes every table file.
func (d *Destination) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	names := make([]string, 0, len(d.tables))
	for name := range d.tables {
		names = append(names, name)
	}
	sort.Strings(names)

	var first error
	for _, name := range names {
		tf := d.tables[name]
		err := tf.flush()
		if cerr := tf.codec.Close(); err == nil && cerr != nil {
			err = errors.Wrap(cerr, errors.ErrorTypeInternal, "jsonl: close failed")
		}
		if cerr := tf.file.Close(); err == nil && cerr != nil {
			err = errors.Wrap(cerr, errors.ErrorTypeInternal, "jsonl: close failed")
		}
		if err != nil && first == nil {
			first = err
		}
		d.logger.Info("table written", zap.String("table", name), zap.String("path", tf.path), zap.Int64("records", tf.records))
	}
	return first
}
