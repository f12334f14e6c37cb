package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayFetcher(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ipfs/good", "/direct":
			w.Write([]byte(`{"title":"ok"}`))
		case "/ipfs/broken":
			w.Write([]byte(`{"title":`))
		case "/ipfs/array":
			w.Write([]byte(`[1,2]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer gateway.Close()
	f := NewGatewayFetcher(gateway.URL+"/", time.Second)
	ctx := context.Background()

	raw, err := f.FetchManifest(ctx, "good")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"ok"}`, string(raw))

	raw, err = f.FetchManifest(ctx, "/ipfs/good")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"ok"}`, string(raw))

	raw, err = f.FetchManifest(ctx, gateway.URL+"/direct")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"ok"}`, string(raw))

	_, err = f.FetchManifest(ctx, "broken")
	assert.ErrorIs(t, err, ErrInvalidManifest)
	_, err = f.FetchManifest(ctx, "array")
	assert.ErrorIs(t, err, ErrInvalidManifest)
	_, err = f.FetchManifest(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidManifest)

	_, err = f.FetchManifest(ctx, "missing")
	assert.Error(t, err)
}
