package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lightning-goats/cl-hive-sub002/executor"
)

// httpExecutorBackend implements executor.Backend over a plain HTTP API
// exposed by the separately-run executor process (spec §6's consumed
// Executor interface names only the three operations, not a transport;
// HTTP keeps the coordination core decoupled from whatever language that
// process is written in).
type httpExecutorBackend struct {
	baseURL string
	client  *http.Client
}

func newHTTPExecutorBackend(baseURL string) *httpExecutorBackend {
	return &httpExecutorBackend{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *httpExecutorBackend) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("executor client: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("executor client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("executor client: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("executor client: %s returned status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (b *httpExecutorBackend) ApplyFeePolicy(ctx context.Context, p executor.FeePolicy) error {
	return b.post(ctx, "/apply-fee-policy", p, nil)
}

func (b *httpExecutorBackend) RequestRebalance(ctx context.Context, r executor.RebalanceRequest) error {
	return b.post(ctx, "/request-rebalance", r, nil)
}

func (b *httpExecutorBackend) GetStatus(ctx context.Context) (executor.Status, error) {
	var status executor.Status
	err := b.post(ctx, "/status", struct{}{}, &status)
	return status, err
}
