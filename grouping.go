package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// BatchFile is one batch file found on disk.
type BatchFile struct {
	Product string
	Seq     int
	Path    string
}

// Group is every batch file of one product, in sequence order.
type Group struct {
	Product string
	Files   []BatchFile
}

// GroupBatches maps each product identifier to its batch files. Names that are
// not batch files are ignored. Each group is sorted by sequence number.
func GroupBatches(names []string) map[string][]BatchFile {
	out := make(map[string][]BatchFile)
	for _, name := range names {
		product, seq, ok := ParseBatchName(name)
		if !ok {
			continue
		}
		out[product] = append(out[product], BatchFile{Product: product, Seq: seq, Path: name})
	}
	for _, files := range out {
		sort.Slice(files, func(i, j int) bool {
			if files[i].Seq != files[j].Seq {
				return files[i].Seq < files[j].Seq
			}
			return files[i].Path < files[j].Path
		})
	}
	return out
}

// ListGroups scans dir for batch files and returns the groups sorted by
// product. Dotfiles (in-progress temp files) are skipped.
func ListGroups(dir string) ([]Group, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, filepath.Join(dir, e.Name()))
	}
	byProduct := GroupBatches(names)
	groups := make([]Group, 0, len(byProduct))
	for product, files := range byProduct {
		groups = append(groups, Group{Product: product, Files: files})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Product < groups[j].Product })
	return groups, nil
}

// checkSequence reports a group whose sequence numbers are not 1..n.
func (g Group) checkSequence() error {
	for i, f := range g.Files {
		if f.Seq != i+1 {
			return fmt.Errorf("%w: %q batch %d missing or duplicated (found %s)",
				ErrIncompleteProduct, g.Product, i+1, filepath.Base(f.Path))
		}
	}
	return nil
}
