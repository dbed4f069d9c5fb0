package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestManifest(t *testing.T) *Manifest {
	t.Helper()
	m, err := OpenManifest(filepath.Join(t.TempDir(), "nested", "manifest.db"))
	if err != nil {
		t.Fatalf("OpenManifest: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManifestLifecycle(t *testing.T) {
	ctx := context.Background()
	m := openTestManifest(t)
	if err := m.BeginRun(ctx, "run-1", "abc123", 4); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if err := m.StartProduct(ctx, "run-1", "Green Tonic"); err != nil {
		t.Fatalf("StartProduct: %v", err)
	}
	for seq := 1; seq <= 2; seq++ {
		b := BatchInfo{Product: "Green Tonic", Seq: seq, Path: "/x/" + BatchFileName("Green Tonic", seq, false), Rows: 10}
		if err := m.RecordBatch(ctx, "run-1", b); err != nil {
			t.Fatalf("RecordBatch: %v", err)
		}
	}
	files := batchFiles("Green Tonic", 2)

	if _, _, err := m.CheckComplete(ctx, "Green Tonic", files); !errors.Is(err, ErrIncompleteProduct) {
		t.Errorf("running product: err = %v, want ErrIncompleteProduct", err)
	}

	if err := m.FinishProduct(ctx, "Green Tonic", 20, 2, nil); err != nil {
		t.Fatalf("FinishProduct: %v", err)
	}
	rec, tracked, err := m.CheckComplete(ctx, "Green Tonic", files)
	if err != nil || !tracked {
		t.Fatalf("CheckComplete = %v, %v", tracked, err)
	}
	if rec.Status != statusComplete || rec.Rows != 20 || rec.Batches != 2 || rec.Digest != "abc123" || rec.RunID != "run-1" {
		t.Errorf("record = %+v", rec)
	}
	if _, _, err := m.CheckComplete(ctx, "Green Tonic", batchFiles("Green Tonic", 3)); !errors.Is(err, ErrIncompleteProduct) {
		t.Errorf("batch count mismatch: err = %v, want ErrIncompleteProduct", err)
	}

	recorded, err := m.Batches(ctx, "Green Tonic")
	if err != nil || len(recorded) != 2 || recorded[1].Path != BatchFileName("Green Tonic", 2, false) || recorded[1].Rows != 10 {
		t.Errorf("Batches = %+v, %v", recorded, err)
	}
}

// batchFiles lists batches 1..n of product as ListGroups would find them.
func batchFiles(product string, n int) []BatchFile {
	var files []BatchFile
	for seq := 1; seq <= n; seq++ {
		files = append(files, BatchFile{Product: product, Seq: seq, Path: filepath.Join("batches", BatchFileName(product, seq, false))})
	}
	return files
}

func TestManifestRejectsUnrecordedFiles(t *testing.T) {
	ctx := context.Background()
	m := openTestManifest(t)
	if err := m.BeginRun(ctx, "run-1", "", 2); err != nil {
		t.Fatal(err)
	}
	if err := m.StartProduct(ctx, "run-1", "P"); err != nil {
		t.Fatal(err)
	}
	for seq := 1; seq <= 2; seq++ {
		b := BatchInfo{Product: "P", Seq: seq, Path: BatchFileName("P", seq, false), Rows: 3}
		if err := m.RecordBatch(ctx, "run-1", b); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.FinishProduct(ctx, "P", 6, 2, nil); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		files []BatchFile
	}{
		{"compressed instead of plain", []BatchFile{
			{Product: "P", Seq: 1, Path: BatchFileName("P", 1, false)},
			{Product: "P", Seq: 2, Path: BatchFileName("P", 2, true)},
		}},
		{"wrong sequence", []BatchFile{
			{Product: "P", Seq: 1, Path: BatchFileName("P", 1, false)},
			{Product: "P", Seq: 3, Path: BatchFileName("P", 3, false)},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := m.CheckComplete(ctx, "P", tt.files); !errors.Is(err, ErrIncompleteProduct) {
				t.Errorf("err = %v, want ErrIncompleteProduct", err)
			}
		})
	}
	if _, _, err := m.CheckComplete(ctx, "P", batchFiles("P", 2)); err != nil {
		t.Errorf("recorded files rejected: %v", err)
	}
}

func TestManifestFailedProduct(t *testing.T) {
	ctx := context.Background()
	m := openTestManifest(t)
	if err := m.BeginRun(ctx, "run-1", "", 2); err != nil {
		t.Fatal(err)
	}
	if err := m.StartProduct(ctx, "run-1", "P"); err != nil {
		t.Fatal(err)
	}
	if err := m.FinishProduct(ctx, "P", 5, 1, errors.New("disk full")); err != nil {
		t.Fatal(err)
	}
	rec, tracked, err := m.CheckComplete(ctx, "P", batchFiles("P", 1))
	if !tracked || !errors.Is(err, ErrIncompleteProduct) {
		t.Fatalf("CheckComplete = %v, %v", tracked, err)
	}
	if rec.Status != statusFailed || rec.Error != "disk full" {
		t.Errorf("record = %+v", rec)
	}
}

func TestManifestRestartResetsProduct(t *testing.T) {
	ctx := context.Background()
	m := openTestManifest(t)
	for _, run := range []string{"run-1", "run-2"} {
		if err := m.BeginRun(ctx, run, run+"-digest", 3); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.StartProduct(ctx, "run-1", "P"); err != nil {
		t.Fatal(err)
	}
	if err := m.FinishProduct(ctx, "P", 9, 3, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.StartProduct(ctx, "run-2", "P"); err != nil {
		t.Fatal(err)
	}
	rec, ok, err := m.Product(ctx, "P")
	if err != nil || !ok {
		t.Fatalf("Product = %v, %v", ok, err)
	}
	if rec.Status != statusRunning || rec.RunID != "run-2" || rec.Batches != 0 || rec.Digest != "run-2-digest" {
		t.Errorf("record after restart = %+v", rec)
	}
}

func TestManifestUntrackedProduct(t *testing.T) {
	m := openTestManifest(t)
	_, tracked, err := m.CheckComplete(context.Background(), "Never Seen", batchFiles("Never Seen", 4))
	if err != nil || tracked {
		t.Errorf("CheckComplete = %v, %v; want untracked, nil", tracked, err)
	}
}
