package main

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/sugawarayuuta/sonnet"
)

// RunSummary is the JSON-serializable result of a command.
type RunSummary struct {
	Date      string          `json:"date"`
	RunID     string          `json:"runId,omitempty"`
	Digest    string          `json:"tablesDigest,omitempty"`
	Workers   int             `json:"workers"`
	MaxMixins int             `json:"maxMixins"`
	Products  []ProductResult `json:"products,omitempty"`
	Groups    []GroupResult   `json:"groups,omitempty"`
	TotalMs   int64           `json:"totalMs"`
	Errors    []string        `json:"errors,omitempty"`
}

func newSummary(cfg Config, runID, digest string) *RunSummary {
	return &RunSummary{
		Date:      time.Now().UTC().Format(time.RFC3339),
		RunID:     runID,
		Digest:    digest,
		Workers:   cfg.Workers,
		MaxMixins: cfg.MaxMixins,
	}
}

func writeJSON(w io.Writer, v any) error {
	b, err := sonnet.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

func printSummary(w io.Writer, s *RunSummary) {
	if len(s.Products) > 0 {
		printProducts(w, s.Products)
	}
	if len(s.Groups) > 0 {
		if len(s.Products) > 0 {
			fmt.Fprintln(w)
		}
		printGroups(w, s.Groups)
	}
	fmt.Fprintf(w, "total %.1fs\n", float64(s.TotalMs)/1000)
}

func printProducts(w io.Writer, results []ProductResult) {
	fmt.Fprintf(w, "%-28s %12s %8s %8s\n", "Product", "Candidates", "Batches", "Time")
	fmt.Fprintf(w, "%-28s %12s %8s %8s\n", "----------------------------", "------------", "--------", "--------")
	var rows int64
	for _, r := range results {
		rows += r.Candidates
		status := fmt.Sprintf("%7.1fs", float64(r.TimeMs)/1000)
		if r.Error != "" {
			status = "  FAILED"
		}
		fmt.Fprintf(w, "%-28s %12d %8d %8s\n", r.Product, r.Candidates, r.Batches, status)
	}
	fmt.Fprintf(w, "%-28s %12s %8s %8s\n", "----------------------------", "------------", "--------", "--------")
	fmt.Fprintf(w, "%-28s %12d\n", "TOTAL", rows)
}

func printGroups(w io.Writer, results []GroupResult) {
	fmt.Fprintf(w, "%-28s %6s %12s %10s %9s %8s\n", "Group", "Files", "Rows", "Keys", "Malformed", "Time")
	fmt.Fprintf(w, "%-28s %6s %12s %10s %9s %8s\n",
		"----------------------------", "------", "------------", "----------", "---------", "--------")
	for _, r := range results {
		status := fmt.Sprintf("%7.1fs", float64(r.TimeMs)/1000)
		if r.Error != "" {
			status = "  FAILED"
		}
		fmt.Fprintf(w, "%-28s %6d %12d %10d %9d %8s\n", r.Group, r.Files, r.Rows, r.Keys, r.Malformed, status)
	}
}

// ── Deduplicated rows ───────────────────────────────────────────────

// readCandidates loads every row of a deduplicated (or batch) file.
func readCandidates(path string) ([]Candidate, error) {
	br, err := openBatch(path)
	if err != nil {
		return nil, err
	}
	defer br.Close()
	mixCol, priceCol := slices.Index(br.Header(), "Mixins"), slices.Index(br.Header(), "Price")
	if mixCol < 0 || priceCol < 0 {
		return nil, fmt.Errorf("%s: header lacks Mixins/Price", path)
	}
	var out []Candidate
	for {
		rec, err := br.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		key, profit, err := br.cols.parse(rec)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, br.line, err)
		}
		if len(rec) <= max(mixCol, priceCol) {
			return nil, fmt.Errorf("%s line %d: %w: %d fields", path, br.line, ErrMalformedRecord, len(rec))
		}
		price, err := strconv.Atoi(rec[priceCol])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w: Price %q", path, br.line, ErrMalformedRecord, rec[priceCol])
		}
		cost, _ := strconv.ParseFloat(strings.TrimSpace(rec[br.cols.cost]), 64)
		out = append(out, Candidate{
			Mixins:  strings.Split(rec[mixCol], Sep),
			Effects: strings.Split(key, Sep),
			Price:   price,
			Profit:  profit,
			Cost:    cost,
		})
	}
}

// topByProfit returns the n most profitable candidates. Ties keep file order.
func topByProfit(cands []Candidate, n int) []Candidate {
	slices.SortStableFunc(cands, func(a, b Candidate) int {
		switch {
		case a.Profit > b.Profit:
			return -1
		case a.Profit < b.Profit:
			return 1
		}
		return 0
	})
	return cands[:min(n, len(cands))]
}
