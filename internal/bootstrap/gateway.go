package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxManifestSize = 8 * 1024 * 1024

var ErrInvalidManifest = errors.New("invalid manifest")

// GatewayFetcher reads manifests from an IPFS style HTTP gateway. Pointers
// are either content ids, resolved under <base>/ipfs/, or absolute URLs.
type GatewayFetcher struct {
	base   string
	client *http.Client
}

func NewGatewayFetcher(base string, timeout time.Duration) *GatewayFetcher {
	return &GatewayFetcher{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (f *GatewayFetcher) url(pointer string) string {
	if strings.HasPrefix(pointer, "http://") || strings.HasPrefix(pointer, "https://") {
		return pointer
	}
	return f.base + "/ipfs/" + strings.TrimPrefix(pointer, "/ipfs/")
}

func (f *GatewayFetcher) FetchManifest(ctx context.Context, pointer string) (json.RawMessage, error) {
	if pointer == "" {
		return nil, fmt.Errorf("%w: node has no manifest", ErrInvalidManifest)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url(pointer), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway status %d for %s", resp.StatusCode, pointer)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxManifestSize {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalidManifest, maxManifestSize)
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return json.RawMessage(body), nil
}
