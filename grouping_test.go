package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestGroupBatches(t *testing.T) {
	names := []string{
		BatchFileName("Green Tonic", 3, false),
		BatchFileName("Green Tonic Reserve", 1, true),
		"manifest.db",
		BatchFileName("Green Tonic", 1, false),
		OutputFileName("Green Tonic"),
		BatchFileName("Green Tonic", 2, true),
		"README.txt",
	}
	groups := GroupBatches(names)
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2: %v", len(groups), groups)
	}
	gt := groups["Green Tonic"]
	if len(gt) != 3 {
		t.Fatalf("Green Tonic: %d files, want 3", len(gt))
	}
	for i, f := range gt {
		if f.Seq != i+1 || f.Product != "Green Tonic" {
			t.Errorf("file %d: %+v", i, f)
		}
	}
	if r := groups["Green Tonic Reserve"]; len(r) != 1 || r[0].Seq != 1 {
		t.Errorf("Green Tonic Reserve: %+v", r)
	}
}

func TestListGroupsSkipsTempAndDirs(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, BatchFileName("B", 1, false)))
	touch(t, filepath.Join(dir, BatchFileName("A", 2, false)))
	touch(t, filepath.Join(dir, BatchFileName("A", 1, false)))
	touch(t, filepath.Join(dir, ".tmp-A-1234"))
	if err := os.Mkdir(filepath.Join(dir, BatchFileName("C", 1, false)), 0o755); err != nil {
		t.Fatal(err)
	}

	groups, err := ListGroups(dir)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(groups) != 2 || groups[0].Product != "A" || groups[1].Product != "B" {
		t.Fatalf("groups = %+v", groups)
	}
	if len(groups[0].Files) != 2 || groups[0].Files[0].Seq != 1 {
		t.Errorf("group A = %+v", groups[0].Files)
	}
	if groups[0].Files[0].Path != filepath.Join(dir, BatchFileName("A", 1, false)) {
		t.Errorf("path = %s", groups[0].Files[0].Path)
	}
}

func TestListGroupsMissingDir(t *testing.T) {
	if _, err := ListGroups(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("expected error")
	}
}

func TestCheckSequence(t *testing.T) {
	tests := []struct {
		name string
		seqs []int
		ok   bool
	}{
		{"contiguous", []int{1, 2, 3}, true},
		{"gap", []int{1, 3}, false},
		{"duplicate", []int{1, 1, 2}, false},
		{"starts late", []int{2, 3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := Group{Product: "P"}
			for _, s := range tt.seqs {
				g.Files = append(g.Files, BatchFile{Product: "P", Seq: s, Path: BatchFileName("P", s, false)})
			}
			err := g.checkSequence()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrIncompleteProduct) {
				t.Errorf("err = %v, want ErrIncompleteProduct", err)
			}
		})
	}
}
