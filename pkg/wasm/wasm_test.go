package wasm

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/cunode/cunode/pkg/cuerr"
)

type fakeFetcher struct {
	calls  atomic.Int64
	binary []byte
	err    error
}

func (f *fakeFetcher) FetchModule(ctx context.Context, moduleID string) ([]byte, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.binary, nil
}

func validTestBinary() []byte {
	return append([]byte{0x00, 0x61, 0x73, 0x6d}, 0x01, 0x00, 0x00, 0x00)
}

func TestLoaderFetchesOnceThenReadsDisk(t *testing.T) {
	fetch := &fakeFetcher{binary: validTestBinary()}
	l, err := NewLoader(t.TempDir(), fetch, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	first, err := l.Load(ctx, "mod-1")
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := l.Load(ctx, "mod-1")
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if string(first) != string(second) {
		t.Error("loads disagree")
	}
	if got := fetch.calls.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1 (second load must hit disk)", got)
	}
}

func TestLoaderRejectsNonWasm(t *testing.T) {
	fetch := &fakeFetcher{binary: []byte("<html>not found</html>")}
	l, err := NewLoader(t.TempDir(), fetch, nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = l.Load(context.Background(), "mod-1")
	if !cuerr.IsClass(err, cuerr.ClassExternalFetch) {
		t.Errorf("want ExternalFetch, got %v", err)
	}
}

func TestLoaderIgnoresCorruptDiskCopy(t *testing.T) {
	dir := t.TempDir()
	fetch := &fakeFetcher{binary: validTestBinary()}
	l, err := NewLoader(dir, fetch, nil)
	if err != nil {
		t.Fatal(err)
	}

	// A truncated file on disk must fall back to the origin.
	if err := os.WriteFile(filepath.Join(dir, "mod-1.wasm"), []byte{0x00}, 0o644); err != nil {
		t.Fatal(err)
	}

	binary, err := l.Load(context.Background(), "mod-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(binary) != len(validTestBinary()) {
		t.Error("corrupt disk copy was served")
	}
	if fetch.calls.Load() != 1 {
		t.Error("origin should have been consulted")
	}
}

func TestLoaderPropagatesFetchError(t *testing.T) {
	fetch := &fakeFetcher{err: cuerr.ExternalFetch(fmt.Errorf("origin down"), "origin")}
	l, err := NewLoader(t.TempDir(), fetch, nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = l.Load(context.Background(), "mod-1")
	if !cuerr.IsClass(err, cuerr.ClassExternalFetch) {
		t.Errorf("want ExternalFetch, got %v", err)
	}
}

func TestDecodeOutputNormalizesSlices(t *testing.T) {
	mem := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	out, err := decodeOutput([]byte(fmt.Sprintf(`{"Memory":%q,"Output":{"data":"ok"}}`, mem)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Messages == nil || out.Spawns == nil {
		t.Error("missing slices must decode as empty, not nil")
	}
	if len(out.Memory) != 3 {
		t.Errorf("memory len = %d, want 3", len(out.Memory))
	}
}

func TestDecodeOutputCarriesStepError(t *testing.T) {
	out, err := decodeOutput([]byte(`{"Error":"assertion failed: insufficient balance"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Error == "" {
		t.Error("step error lost in decoding")
	}
}

func TestDecodeOutputRejectsGarbage(t *testing.T) {
	if _, err := decodeOutput([]byte("not json")); err == nil {
		t.Error("garbage output must not decode")
	}
}
