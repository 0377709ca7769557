package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cunode/cunode/internal/model"
	"github.com/cunode/cunode/pkg/cuerr"
)

// Every backend must satisfy the full CheckpointStore surface.
var (
	_ CheckpointStore = (*FileCheckpointStore)(nil)
	_ CheckpointStore = (*RedisCheckpointStore)(nil)
	_ CheckpointStore = (*S3CheckpointStore)(nil)
)

func TestCheckpointBackendNames(t *testing.T) {
	file, err := NewFileCheckpointStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s3Store := &S3CheckpointStore{}

	if file.Name() != "file" || s3Store.Name() != "s3" {
		t.Errorf("backend names wrong: %q %q", file.Name(), s3Store.Name())
	}
	if err := file.Close(); err != nil {
		t.Errorf("file close: %v", err)
	}
	if err := s3Store.Close(); err != nil {
		t.Errorf("s3 close: %v", err)
	}
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB("")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testEvaluation(processID string, ordinate uint64) *model.Evaluation {
	return &model.Evaluation{
		ProcessID:   processID,
		MessageID:   fmt.Sprintf("msg-%d", ordinate),
		Ordinate:    ordinate,
		Timestamp:   int64(1000 + ordinate),
		BlockHeight: 500 + ordinate,
		Output: model.EvaluationOutput{
			Messages: []model.OutboundMessage{},
			Spawns:   []model.OutboundSpawn{},
			Output:   json.RawMessage(fmt.Sprintf(`{"step":%d}`, ordinate)),
		},
		EvaluatedAt: time.Now().UTC(),
	}
}

func TestDBProcessRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	p := &model.Process{
		ID:       "proc-1",
		Owner:    "owner-1",
		ModuleID: "mod-1",
		Tags: []model.Tag{
			{Name: "Data-Protocol", Value: "ao"},
			{Name: "Type", Value: "Process"},
			{Name: "Module", Value: "mod-1"},
		},
		Block: model.Block{Height: 100, Timestamp: 999},
	}
	if err := db.SaveProcess(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := db.FindProcess(ctx, "proc-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ModuleID != "mod-1" || got.Block.Height != 100 {
		t.Errorf("round trip lost fields: %+v", got)
	}

	// Re-saving is a no-op, not an error.
	if err := db.SaveProcess(ctx, p); err != nil {
		t.Fatalf("re-save: %v", err)
	}
}

func TestDBFindProcessMissing(t *testing.T) {
	db := openTestDB(t)
	_, err := db.FindProcess(context.Background(), "nope")
	if !cuerr.IsNotFound(err) {
		t.Errorf("want NotFound, got %v", err)
	}
}

func TestDBEvaluationIdempotentWrite(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	e := testEvaluation("proc-1", 1)
	if err := db.SaveEvaluation(ctx, e); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Same key, different payload: the first row wins.
	dup := testEvaluation("proc-1", 1)
	dup.Output.Output = json.RawMessage(`{"step":"overwritten"}`)
	if err := db.SaveEvaluation(ctx, dup); err != nil {
		t.Fatalf("duplicate save: %v", err)
	}

	got, err := db.FindEvaluation(ctx, "proc-1", e.Timestamp, e.Ordinate, e.Cron)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if string(got.Output.Output) != `{"step":1}` {
		t.Errorf("duplicate write replaced immutable row: %s", got.Output.Output)
	}

	n, err := db.CountEvaluations(ctx, "proc-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestDBEvaluationStripsMemory(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	e := testEvaluation("proc-1", 1)
	e.Output.Memory = []byte{1, 2, 3}
	if err := db.SaveEvaluation(ctx, e); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := db.FindEvaluation(ctx, "proc-1", e.Timestamp, e.Ordinate, e.Cron)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Output.Memory != nil {
		t.Error("memory must not be persisted in evaluation rows")
	}
}

func TestDBFindEvaluationAtAndByMessage(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	e := testEvaluation("proc-1", 3)
	if err := db.SaveEvaluation(ctx, e); err != nil {
		t.Fatal(err)
	}

	got, err := db.FindEvaluationAt(ctx, "proc-1", 3)
	if err != nil {
		t.Fatalf("find at: %v", err)
	}
	if got.MessageID != "msg-3" {
		t.Errorf("message id = %q", got.MessageID)
	}
	if _, err := db.FindEvaluationAt(ctx, "proc-1", 4); !cuerr.IsNotFound(err) {
		t.Errorf("want NotFound, got %v", err)
	}

	got, err = db.FindEvaluationByMessage(ctx, "proc-1", "msg-3")
	if err != nil {
		t.Fatalf("find by message: %v", err)
	}
	if got.Ordinate != 3 {
		t.Errorf("ordinate = %d", got.Ordinate)
	}
	if _, err := db.FindEvaluationByMessage(ctx, "proc-1", "msg-9"); !cuerr.IsNotFound(err) {
		t.Errorf("want NotFound, got %v", err)
	}
}

func TestDBListEvaluationsPagination(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := uint64(1); i <= 7; i++ {
		if err := db.SaveEvaluation(ctx, testEvaluation("proc-1", i)); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	// Another process's rows must not leak in.
	if err := db.SaveEvaluation(ctx, testEvaluation("proc-2", 1)); err != nil {
		t.Fatal(err)
	}

	page, err := db.ListEvaluations(ctx, "proc-1", ListQuery{Limit: 3, Sort: SortAsc})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 3 || page.Items[0].Ordinate != 1 || page.Items[2].Ordinate != 3 {
		t.Fatalf("first page wrong: %d items", len(page.Items))
	}
	if page.NextCursor == "" {
		t.Fatal("expected a next cursor")
	}

	page2, err := db.ListEvaluations(ctx, "proc-1", ListQuery{Limit: 3, Sort: SortAsc, From: page.NextCursor})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(page2.Items) != 3 || page2.Items[0].Ordinate != 4 {
		t.Fatalf("second page wrong: %+v", page2.Items)
	}

	page3, err := db.ListEvaluations(ctx, "proc-1", ListQuery{Limit: 3, Sort: SortAsc, From: page2.NextCursor})
	if err != nil {
		t.Fatalf("list page 3: %v", err)
	}
	if len(page3.Items) != 1 || page3.NextCursor != "" {
		t.Fatalf("last page wrong: %d items, cursor %q", len(page3.Items), page3.NextCursor)
	}
}

func TestDBListEvaluationsCronPageBoundary(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// Two lineages share the same timestamp and ordinate; only cron
	// distinguishes them.
	plain := testEvaluation("proc-1", 1)
	scheduled := testEvaluation("proc-1", 1)
	scheduled.MessageID = "msg-1-cron"
	scheduled.Cron = "1-10-minutes"
	for _, e := range []*model.Evaluation{plain, scheduled} {
		if err := db.SaveEvaluation(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	page, err := db.ListEvaluations(ctx, "proc-1", ListQuery{Limit: 1, Sort: SortAsc})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 1 || page.NextCursor == "" {
		t.Fatalf("first page wrong: %d items, cursor %q", len(page.Items), page.NextCursor)
	}

	page2, err := db.ListEvaluations(ctx, "proc-1", ListQuery{Limit: 1, Sort: SortAsc, From: page.NextCursor})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(page2.Items) != 1 {
		t.Fatalf("second page lost the sibling lineage row: %d items", len(page2.Items))
	}
	if page2.Items[0].MessageID == page.Items[0].MessageID {
		t.Errorf("page boundary repeated row %s", page2.Items[0].MessageID)
	}
	if page2.NextCursor != "" {
		page3, err := db.ListEvaluations(ctx, "proc-1", ListQuery{Limit: 1, Sort: SortAsc, From: page2.NextCursor})
		if err != nil {
			t.Fatal(err)
		}
		if len(page3.Items) != 0 {
			t.Errorf("unexpected third page: %+v", page3.Items)
		}
	}
}

func TestDBListEvaluationsDescending(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := uint64(1); i <= 3; i++ {
		if err := db.SaveEvaluation(ctx, testEvaluation("proc-1", i)); err != nil {
			t.Fatal(err)
		}
	}

	page, err := db.ListEvaluations(ctx, "proc-1", ListQuery{Sort: SortDesc})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 3 || page.Items[0].Ordinate != 3 || page.Items[2].Ordinate != 1 {
		t.Errorf("descending order wrong: %+v", page.Items)
	}
}

func TestDBListEvaluationsDefaultLimit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := uint64(1); i <= DefaultPageLimit+5; i++ {
		if err := db.SaveEvaluation(ctx, testEvaluation("proc-1", i)); err != nil {
			t.Fatal(err)
		}
	}

	page, err := db.ListEvaluations(ctx, "proc-1", ListQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != DefaultPageLimit {
		t.Errorf("len = %d, want default %d", len(page.Items), DefaultPageLimit)
	}
}

func testCheckpoint(processID string, ordinate uint64) *model.MemoryCheckpoint {
	return &model.MemoryCheckpoint{
		ID:          fmt.Sprintf("cp-%s-%d", processID, ordinate),
		ProcessID:   processID,
		Ordinate:    ordinate,
		Timestamp:   int64(1000 + ordinate),
		BlockHeight: 500 + ordinate,
		Memory:      []byte{byte(ordinate)},
		CreatedAt:   time.Now().UTC(),
	}
}

func TestFileCheckpointStoreFindBefore(t *testing.T) {
	s, err := NewFileCheckpointStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for _, ord := range []uint64{2, 5, 9} {
		if err := s.SaveCheckpoint(ctx, testCheckpoint("proc-1", ord)); err != nil {
			t.Fatalf("save %d: %v", ord, err)
		}
	}

	cases := []struct {
		target  uint64
		wantOrd uint64
		wantErr bool
	}{
		{target: 9, wantOrd: 9},
		{target: 8, wantOrd: 5},
		{target: 5, wantOrd: 5},
		{target: 3, wantOrd: 2},
		{target: 1, wantErr: true},
	}
	for _, tc := range cases {
		cp, err := s.FindCheckpointBefore(ctx, "proc-1", 0, tc.target, "")
		if tc.wantErr {
			if !cuerr.IsNotFound(err) {
				t.Errorf("target %d: want NotFound, got %v", tc.target, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("target %d: %v", tc.target, err)
			continue
		}
		if cp.Ordinate != tc.wantOrd {
			t.Errorf("target %d: got ordinate %d, want %d", tc.target, cp.Ordinate, tc.wantOrd)
		}
	}
}

func TestFileCheckpointStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewFileCheckpointStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCheckpoint(ctx, testCheckpoint("proc-1", 4)); err != nil {
		t.Fatal(err)
	}

	// A torn write must not poison the reload.
	if err := os.WriteFile(filepath.Join(dir, "garbage.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewFileCheckpointStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	cp, err := reopened.FindCheckpointBefore(ctx, "proc-1", 0, 10, "")
	if err != nil {
		t.Fatalf("find after reopen: %v", err)
	}
	if cp.Ordinate != 4 || len(cp.Memory) != 1 {
		t.Errorf("reloaded checkpoint wrong: %+v", cp)
	}
}

func TestFileCheckpointStoreListAndDelete(t *testing.T) {
	s, err := NewFileCheckpointStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for _, ord := range []uint64{1, 2, 3} {
		if err := s.SaveCheckpoint(ctx, testCheckpoint("proc-1", ord)); err != nil {
			t.Fatal(err)
		}
	}

	cps, err := s.ListCheckpoints(ctx, "proc-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 3 || cps[0].Ordinate != 3 {
		t.Fatalf("list wrong: %+v", cps)
	}

	if err := s.DeleteCheckpoint(ctx, "proc-1", "cp-proc-1-2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	n, err := s.CountCheckpoints(ctx, "proc-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("count after delete = %d, want 2", n)
	}
	if _, err := s.FindCheckpointBefore(ctx, "proc-1", 0, 2, ""); err != nil {
		t.Errorf("ordinate 1 should still satisfy target 2: %v", err)
	}

	if err := s.DeleteCheckpoint(ctx, "proc-1", "missing"); !cuerr.IsNotFound(err) {
		t.Errorf("deleting missing checkpoint: want NotFound, got %v", err)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor(1234, 56, "0 * * * *")
	ts, ord, cron, ok := ParseCursor(c)
	if !ok || ts != 1234 || ord != 56 || cron != "0 * * * *" {
		t.Errorf("round trip failed: %d %d %q %v", ts, ord, cron, ok)
	}

	if _, _, _, ok := ParseCursor(""); ok {
		t.Error("empty cursor must not parse")
	}
	if _, _, _, ok := ParseCursor("bogus"); ok {
		t.Error("malformed cursor must not parse")
	}
}
