//go:build lambda

package main

import (
	"context"
	"embed"
	"encoding/base64"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"
	"github.com/sugawarayuuta/sonnet"
)

//go:embed data/*.json
var embeddedTables embed.FS

var jsonHeader = map[string]string{
	"Content-Type": "application/json",
}

// Requests enumerate on the function's own disk, so K stays small.
const (
	lambdaMaxMixins = 3
	lambdaMaxTop    = 100
)

type optimizeRequest struct {
	Product   string `json:"product"`
	MaxMixins int    `json:"maxMixins"`
	Top       int    `json:"top"`
}

type optimizeResult struct {
	Product    string      `json:"product"`
	MaxMixins  int         `json:"maxMixins"`
	Candidates int64       `json:"candidates"`
	Keys       int         `json:"keys"`
	TimeMs     int64       `json:"timeMs"`
	Top        []Candidate `json:"top"`
}

var loadEngine = sync.OnceValues(func() (*Engine, error) {
	sub, err := fs.Sub(embeddedTables, "data")
	if err != nil {
		return nil, err
	}
	tables, err := LoadTables(sub)
	if err != nil {
		return nil, err
	}
	return tables.Compile()
})

func handler(ctx context.Context, event events.LambdaFunctionURLRequest) (events.LambdaFunctionURLResponse, error) {
	body := event.Body
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return errResp(400, "invalid base64 body")
		}
		body = string(decoded)
	}

	var req optimizeRequest
	if err := sonnet.Unmarshal([]byte(body), &req); err != nil {
		return errResp(400, "invalid JSON: "+err.Error())
	}
	if req.Product == "" {
		return errResp(400, "missing product")
	}
	if req.MaxMixins == 0 {
		req.MaxMixins = lambdaMaxMixins
	}
	if req.MaxMixins < 1 || req.MaxMixins > lambdaMaxMixins {
		return errResp(400, fmt.Sprintf("maxMixins must be in [1, %d]", lambdaMaxMixins))
	}
	if req.Top <= 0 {
		req.Top = 10
	}
	req.Top = min(req.Top, lambdaMaxTop)

	engine, err := loadEngine()
	if err != nil {
		return errResp(500, "tables: "+err.Error())
	}
	if _, ok := engine.product(req.Product); !ok {
		return errResp(404, fmt.Sprintf("product %q not found", req.Product))
	}

	dir, err := os.MkdirTemp("", "mixin-")
	if err != nil {
		return errResp(500, err.Error())
	}
	defer os.RemoveAll(dir)

	cfg := DefaultConfig()
	cfg.MaxMixins = req.MaxMixins
	cfg.Workers = runtime.NumCPU()
	cfg.BatchDir = filepath.Join(dir, "batches")
	cfg.OutputDir = filepath.Join(dir, "out")
	cfg.Manifest = "-"
	cfg.Products = []string{req.Product}
	if err := prepareDirs(cfg.BatchDir, cfg.OutputDir); err != nil {
		return errResp(500, err.Error())
	}

	start := time.Now()
	log := newLogger("warn", os.Stderr)
	products, err := NewScheduler(engine, cfg, nil, uuid.NewString(), log).Run(ctx)
	if err != nil {
		return errResp(500, err.Error())
	}
	groups, err := NewDeduper(cfg, nil, log).Run(ctx)
	if err != nil {
		return errResp(500, err.Error())
	}
	if len(products) != 1 || len(groups) != 1 {
		return errResp(500, "no output generated")
	}
	cands, err := readCandidates(groups[0].Output)
	if err != nil {
		return errResp(500, err.Error())
	}

	resp := optimizeResult{
		Product:    req.Product,
		MaxMixins:  req.MaxMixins,
		Candidates: products[0].Candidates,
		Keys:       groups[0].Keys,
		TimeMs:     time.Since(start).Milliseconds(),
		Top:        topByProfit(cands, req.Top),
	}
	respJSON, _ := sonnet.Marshal(resp)
	return events.LambdaFunctionURLResponse{StatusCode: 200, Headers: jsonHeader, Body: string(respJSON)}, nil
}

func errResp(code int, msg string) (events.LambdaFunctionURLResponse, error) {
	body, _ := sonnet.Marshal(map[string]string{"error": msg})
	return events.LambdaFunctionURLResponse{StatusCode: code, Headers: jsonHeader, Body: string(body)}, nil
}

func main() {
	lambda.Start(handler)
}
