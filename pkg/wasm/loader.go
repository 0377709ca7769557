// Package wasm provides the sandboxed evaluator: module binaries are
// fetched from their origin, persisted locally, compiled with wazero,
// and run one message at a time against a process memory buffer under
// configured resource limits.
package wasm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cunode/cunode/pkg/cuerr"
)

// wasmMagic is the 4-byte module preamble.
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// Fetcher downloads a module binary from its origin.
type Fetcher interface {
	FetchModule(ctx context.Context, moduleID string) ([]byte, error)
}

// Loader resolves module binaries, preferring the local module
// directory over the origin. Fetched binaries are persisted before they
// are returned so later cold starts skip the network.
type Loader struct {
	dir   string
	fetch Fetcher
	log   *slog.Logger
}

// NewLoader creates a loader persisting binaries under dir.
func NewLoader(dir string, fetch Fetcher, log *slog.Logger) (*Loader, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, cuerr.Wrapf(err, cuerr.ClassConfig, "create module dir %s", dir)
	}
	return &Loader{dir: dir, fetch: fetch, log: log}, nil
}

func (l *Loader) path(moduleID string) string {
	return filepath.Join(l.dir, moduleID+".wasm")
}

// Load returns the binary for moduleID. A persist failure after a
// successful fetch is logged and swallowed; the binary is still usable.
func (l *Loader) Load(ctx context.Context, moduleID string) ([]byte, error) {
	if binary, err := os.ReadFile(l.path(moduleID)); err == nil && validBinary(binary) {
		return binary, nil
	}

	binary, err := l.fetch.FetchModule(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	if !validBinary(binary) {
		return nil, cuerr.ExternalFetch(fmt.Errorf("module %s is not a wasm binary", moduleID), "module origin")
	}

	if err := l.persist(moduleID, binary); err != nil {
		l.log.Warn("module persist failed",
			slog.String("module", moduleID),
			slog.String("error", err.Error()))
	}
	return binary, nil
}

func (l *Loader) persist(moduleID string, binary []byte) error {
	tmp, err := os.CreateTemp(l.dir, ".module-*.tmp")
	if err != nil {
		return cuerr.Wrap(err, cuerr.ClassCacheWrite, "create temp module file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(binary); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return cuerr.Wrap(err, cuerr.ClassCacheWrite, "write module file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return cuerr.Wrap(err, cuerr.ClassCacheWrite, "close module file")
	}
	if err := os.Rename(tmpName, l.path(moduleID)); err != nil {
		os.Remove(tmpName)
		return cuerr.Wrap(err, cuerr.ClassCacheWrite, "rename module file")
	}
	return nil
}

func validBinary(binary []byte) bool {
	return len(binary) > len(wasmMagic) && bytes.HasPrefix(binary, wasmMagic)
}
