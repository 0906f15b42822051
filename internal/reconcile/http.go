package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dharsanguruparan/hubqueue/internal/model"
)

// HTTPFetcher fetches snapshots from a hubqueue server.
type HTTPFetcher struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func (f *HTTPFetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// Fetch pulls both collections. The two requests are not atomic, matching
// what any browser session sees.
func (f *HTTPFetcher) Fetch(ctx context.Context) (Snapshot, error) {
	queue, err := f.getItems(ctx, "/api/queue")
	if err != nil {
		return Snapshot{}, err
	}
	history, err := f.getItems(ctx, "/api/history")
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Queue: queue, History: history}, nil
}

func (f *HTTPFetcher) getItems(ctx context.Context, path string) ([]model.Item, error) {
	url := strings.TrimSuffix(f.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	var items []model.Item
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return items, nil
}
