package main

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

// ── File naming ─────────────────────────────────────────────────────

// Batch and output names are "<escaped product>@<suffix>". The product is
// query-escaped, so '@' never appears inside it and the identifier round-trips.
const (
	nameDelim   = "@"
	tempPrefix  = ".tmp-"
	csvExt      = ".csv"
	zstExt      = ".csv.zst"
	dedupSuffix = "deduplicated"
)

var batchHeader = []string{"Mixins", "Effects", "Price", "Profit", "Cost"}

func escapeProduct(name string) string { return url.QueryEscape(name) }

// BatchFileName returns the file name of batch seq of product.
func BatchFileName(product string, seq int, compressed bool) string {
	ext := csvExt
	if compressed {
		ext = zstExt
	}
	return fmt.Sprintf("%s%s%04d%s", escapeProduct(product), nameDelim, seq, ext)
}

// OutputFileName returns the deduplicated output file name of a group.
func OutputFileName(product string) string {
	return escapeProduct(product) + nameDelim + dedupSuffix + csvExt
}

// ParseBatchName recovers the product identifier and sequence number from a
// batch file name. ok is false for anything that is not a batch file.
func ParseBatchName(name string) (product string, seq int, ok bool) {
	base := filepath.Base(name)
	switch {
	case strings.HasSuffix(base, zstExt):
		base = strings.TrimSuffix(base, zstExt)
	case strings.HasSuffix(base, csvExt):
		base = strings.TrimSuffix(base, csvExt)
	default:
		return "", 0, false
	}
	esc, num, found := strings.Cut(base, nameDelim)
	if !found || esc == "" || strings.Contains(num, nameDelim) {
		return "", 0, false
	}
	seq, err := strconv.Atoi(num)
	if err != nil || seq < 1 {
		return "", 0, false
	}
	product, err = url.QueryUnescape(esc)
	if err != nil {
		return "", 0, false
	}
	return product, seq, true
}

// ── Row codec ───────────────────────────────────────────────────────

func formatNum(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func candidateRecord(c *Candidate, rec []string) []string {
	rec = append(rec[:0],
		strings.Join(c.Mixins, Sep),
		strings.Join(c.Effects, Sep),
		strconv.Itoa(c.Price),
		formatNum(c.Profit),
		formatNum(c.Cost),
	)
	return rec
}

// columns holds the positions of the fields the reducers need.
type columns struct {
	effects, profit, cost int
	width                 int
}

func resolveColumns(header []string) (columns, error) {
	c := columns{effects: -1, profit: -1, cost: -1}
	for i, h := range header {
		switch strings.TrimSpace(h) {
		case "Effects":
			c.effects = i
		case "Profit":
			c.profit = i
		case "Cost":
			c.cost = i
		}
	}
	if c.effects < 0 || c.profit < 0 || c.cost < 0 {
		return c, fmt.Errorf("header %v lacks Effects/Profit/Cost", header)
	}
	c.width = max(c.effects, c.profit, c.cost) + 1
	return c, nil
}

// parse extracts the effect key and profit of a record.
func (c columns) parse(rec []string) (key string, profit float64, err error) {
	if len(rec) < c.width {
		return "", 0, fmt.Errorf("%w: %d fields, need %d", ErrMalformedRecord, len(rec), c.width)
	}
	key = canonicalKey(rec[c.effects])
	if key == "" {
		return "", 0, fmt.Errorf("%w: empty Effects", ErrMalformedRecord)
	}
	profit, err = strconv.ParseFloat(strings.TrimSpace(rec[c.profit]), 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: Profit %q", ErrMalformedRecord, rec[c.profit])
	}
	if _, err := strconv.ParseFloat(strings.TrimSpace(rec[c.cost]), 64); err != nil {
		return "", 0, fmt.Errorf("%w: Cost %q", ErrMalformedRecord, rec[c.cost])
	}
	return key, profit, nil
}

// canonicalKey returns the sorted form of an Effects field. Fields written by
// BatchWriter are already canonical and are returned without allocating.
func canonicalKey(field string) string {
	parts := strings.Split(field, Sep)
	sorted := true
	for i, p := range parts {
		if p != strings.TrimSpace(p) || p == "" || (i > 0 && parts[i-1] >= p) {
			sorted = false
			break
		}
	}
	if sorted {
		return field
	}
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	out = compactStrings(out)
	return strings.Join(out, Sep)
}

func compactStrings(s []string) []string {
	w := 0
	for i := range s {
		if w > 0 && s[w-1] == s[i] {
			continue
		}
		s[w] = s[i]
		w++
	}
	return s[:w]
}

// ── Batch reader ────────────────────────────────────────────────────

type batchReader struct {
	f      *os.File
	zr     *zstd.Decoder
	cr     *csv.Reader
	header []string
	cols   columns
	line   int
}

// openBatch opens a batch file (plain or zstd) and reads its header.
func openBatch(path string) (*batchReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := &batchReader{f: f}
	var src io.Reader = bufio.NewReaderSize(f, 256*1024)
	if strings.HasSuffix(path, zstExt) {
		zr, err := zstd.NewReader(src)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		r.zr = zr
		src = zr
	}
	r.cr = csv.NewReader(src)
	r.cr.FieldsPerRecord = -1
	r.cr.ReuseRecord = true
	header, err := r.cr.Read()
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}
	r.line = 1
	r.header = slices.Clone(header)
	if r.cols, err = resolveColumns(header); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Header returns the file's own header row.
func (r *batchReader) Header() []string { return r.header }

// Next returns the next record. A *csv.ParseError leaves the reader usable.
func (r *batchReader) Next() ([]string, error) {
	rec, err := r.cr.Read()
	if err == nil {
		r.line++
	}
	return rec, err
}

func (r *batchReader) Close() error {
	if r.zr != nil {
		r.zr.Close()
	}
	return r.f.Close()
}

// isRowError reports whether err concerns only the current row.
func isRowError(err error) bool {
	var pe *csv.ParseError
	return errors.Is(err, ErrMalformedRecord) || errors.As(err, &pe)
}

// ── Row file (temp file renamed into place) ─────────────────────────

type rowFile struct {
	tmp  string
	f    *os.File
	zw   *zstd.Encoder
	bw   *bufio.Writer
	cw   *csv.Writer
	rows int
}

func createRowFile(dir, pattern string, compress bool, header []string) (*rowFile, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	rf := &rowFile{tmp: f.Name(), f: f}
	var dst io.Writer = f
	if compress {
		zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			_ = f.Close()
			_ = os.Remove(rf.tmp)
			return nil, err
		}
		rf.zw = zw
		dst = zw
	}
	rf.bw = bufio.NewWriterSize(dst, 256*1024)
	rf.cw = csv.NewWriter(rf.bw)
	if err := rf.cw.Write(header); err != nil {
		rf.abort()
		return nil, err
	}
	return rf, nil
}

func (rf *rowFile) write(rec []string) error {
	rf.rows++
	return rf.cw.Write(rec)
}

// commit flushes and renames the file to path.
func (rf *rowFile) commit(path string) error {
	rf.cw.Flush()
	err := rf.cw.Error()
	if err == nil {
		err = rf.bw.Flush()
	}
	if err == nil && rf.zw != nil {
		err = rf.zw.Close()
	}
	if cerr := rf.f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(rf.tmp, path)
	}
	if err != nil {
		_ = os.Remove(rf.tmp)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (rf *rowFile) abort() {
	if rf.zw != nil {
		_ = rf.zw.Close()
	}
	_ = rf.f.Close()
	_ = os.Remove(rf.tmp)
}

// ── Batch writer ────────────────────────────────────────────────────

// BatchInfo describes one written batch file.
type BatchInfo struct {
	Product string
	Seq     int
	Path    string
	Rows    int
}

// BatchWriter streams one product's candidates into batch files of at most
// rowsPerBatch rows. A batch only appears under its final name once complete.
type BatchWriter struct {
	dir          string
	product      string
	rowsPerBatch int
	compress     bool
	log          zerolog.Logger

	// OnBatch, if set, is called after each batch is committed.
	OnBatch func(BatchInfo) error

	cur     *rowFile
	rec     []string
	batches []BatchInfo
	rows    int64
}

// NewBatchWriter creates a writer for product in dir.
func NewBatchWriter(dir, product string, rowsPerBatch int, compress bool, log zerolog.Logger) *BatchWriter {
	return &BatchWriter{
		dir:          dir,
		product:      product,
		rowsPerBatch: rowsPerBatch,
		compress:     compress,
		log:          log,
		rec:          make([]string, 0, len(batchHeader)),
	}
}

// WriteWindow appends a window of candidates.
func (w *BatchWriter) WriteWindow(window []Candidate) error {
	for i := range window {
		if err := w.Write(&window[i]); err != nil {
			return err
		}
	}
	return nil
}

// Write appends one candidate, committing the current batch when full.
func (w *BatchWriter) Write(c *Candidate) error {
	if w.cur == nil {
		rf, err := createRowFile(w.dir, batchTempPattern(w.product), w.compress, batchHeader)
		if err != nil {
			return fmt.Errorf("create batch for %s: %w", w.product, err)
		}
		w.cur = rf
	}
	w.rec = candidateRecord(c, w.rec)
	if err := w.cur.write(w.rec); err != nil {
		return fmt.Errorf("write batch for %s: %w", w.product, err)
	}
	w.rows++
	if w.cur.rows >= w.rowsPerBatch {
		return w.flush()
	}
	return nil
}

func (w *BatchWriter) flush() error {
	rf := w.cur
	w.cur = nil
	info := BatchInfo{
		Product: w.product,
		Seq:     len(w.batches) + 1,
		Rows:    rf.rows,
	}
	info.Path = filepath.Join(w.dir, BatchFileName(w.product, info.Seq, w.compress))
	if err := rf.commit(info.Path); err != nil {
		return err
	}
	w.batches = append(w.batches, info)
	w.log.Info().Str("file", filepath.Base(info.Path)).Int("rows", info.Rows).Msg("wrote batch")
	if w.OnBatch != nil {
		return w.OnBatch(info)
	}
	return nil
}

// Close commits the final partial batch.
func (w *BatchWriter) Close() error {
	if w.cur == nil || w.cur.rows == 0 {
		if w.cur != nil {
			w.cur.abort()
			w.cur = nil
		}
		return nil
	}
	return w.flush()
}

// Abort discards the batch in progress. Committed batches stay on disk.
func (w *BatchWriter) Abort() {
	if w.cur != nil {
		w.cur.abort()
		w.cur = nil
	}
}

// Batches returns the committed batches in sequence order.
func (w *BatchWriter) Batches() []BatchInfo { return w.batches }

// Rows returns the number of candidates written so far.
func (w *BatchWriter) Rows() int64 { return w.rows }

// batchTempPattern names the in-progress temp files of product. The escaped
// name never contains nameDelim, so no other product shares the prefix.
func batchTempPattern(product string) string {
	return tempPrefix + escapeProduct(product) + nameDelim + "batch-*"
}

// RemoveStaleBatches deletes existing batch files of product in dir, along
// with temp files an interrupted writer left behind.
func RemoveStaleBatches(dir, product string) (int, error) {
	var stale []string
	matches, err := filepath.Glob(filepath.Join(dir, escapeProduct(product)+nameDelim+"*"))
	if err != nil {
		return 0, err
	}
	for _, m := range matches {
		if p, _, ok := ParseBatchName(m); ok && p == product {
			stale = append(stale, m)
		}
	}
	temps, err := filepath.Glob(filepath.Join(dir, batchTempPattern(product)))
	if err != nil {
		return 0, err
	}
	stale = append(stale, temps...)

	n := 0
	for _, m := range stale {
		if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return n, err
		}
		n++
	}
	return n, nil
}
