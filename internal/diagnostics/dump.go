// Package diagnostics records payloads the decoder could not interpret so
// new message shapes can be studied offline.
package diagnostics

import (
	"encoding/hex"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/energizer-project/photonmeter/internal/util"
)

// Options configures a rotated dump file.
type Options struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	// MaxBytes truncates each dumped payload. Zero keeps whole payloads.
	MaxBytes int
}

// Dump writes one JSON line per unknown payload. It implements
// photon.UnknownSink and is safe for concurrent use.
type Dump struct {
	mu       sync.Mutex
	out      zerolog.Logger
	closer   io.Closer
	maxBytes int
	count    atomic.Uint64
}

// Open creates a dump backed by a size-rotated file.
func Open(opts Options) (*Dump, error) {
	if err := util.EnsureDir(filepath.Dir(opts.File)); err != nil {
		return nil, err
	}
	lj := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		Compress:   true,
	}
	d := New(lj, opts.MaxBytes)
	d.closer = lj
	return d, nil
}

// New creates a dump writing to w.
func New(w io.Writer, maxBytes int) *Dump {
	return &Dump{
		out:      zerolog.New(w).With().Timestamp().Logger(),
		maxBytes: maxBytes,
	}
}

// Unknown records data under reason.
func (d *Dump) Unknown(reason string, data []byte) {
	shown := data
	truncated := false
	if d.maxBytes > 0 && len(shown) > d.maxBytes {
		shown = shown[:d.maxBytes]
		truncated = true
	}
	d.count.Add(1)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.out.Log().
		Str("reason", reason).
		Int("len", len(data)).
		Bool("truncated", truncated).
		Str("hex", hex.EncodeToString(shown)).
		Send()
}

// Count returns the number of payloads recorded.
func (d *Dump) Count() uint64 {
	return d.count.Load()
}

// Close flushes and closes the backing file, if any.
func (d *Dump) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}
