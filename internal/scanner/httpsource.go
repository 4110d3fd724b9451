package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hellmoyy/futurepilot-ledger/internal/domain/model"
)

// HTTPSource reads transfer events from an indexing provider's JSON API.
type HTTPSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPSource(baseURL, apiKey string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPSource{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) LatestBlock(ctx context.Context, networkID string) (int64, error) {
	var out struct {
		BlockNumber int64 `json:"block_number"`
	}
	q := url.Values{"network_id": {networkID}}
	if err := s.get(ctx, "/v1/blocks/latest", q, &out); err != nil {
		return 0, err
	}
	return out.BlockNumber, nil
}

func (s *HTTPSource) FetchTransfers(ctx context.Context, networkID string, fromBlock, toBlock int64) ([]model.TransferEvent, error) {
	var out struct {
		Transfers []model.TransferEvent `json:"transfers"`
	}
	q := url.Values{
		"network_id": {networkID},
		"from_block": {strconv.FormatInt(fromBlock, 10)},
		"to_block":   {strconv.FormatInt(toBlock, 10)},
	}
	if err := s.get(ctx, "/v1/transfers", q, &out); err != nil {
		return nil, err
	}
	return out.Transfers, nil
}

func (s *HTTPSource) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("source request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("source returned %d for %s: %s", resp.StatusCode, path, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
