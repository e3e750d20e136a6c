package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer fetcher.Close()
	require.Equal(t, 2, cap(fetcher.limiter))
	require.Equal(t, 30*time.Second, fetcher.cfg.NavigationTimeout)
	require.Equal(t, 500*time.Millisecond, fetcher.cfg.SettleDelay)
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	f := &Fetcher{limiter: make(chan struct{}, 1)}
	require.NoError(t, f.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.acquire(ctx), context.Canceled)

	f.release()
	require.NoError(t, f.acquire(context.Background()))
}

func TestDocumentMetaCapturesDocumentOnly(t *testing.T) {
	t.Parallel()

	meta := &documentMeta{}
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500},
	})
	status, headers := meta.snapshot()
	require.Zero(t, status)
	require.Empty(t, headers)

	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  404,
			Headers: network.Headers{"Content-Type": "text/html"},
		},
	})
	status, headers = meta.snapshot()
	require.Equal(t, 404, status)
	require.Equal(t, "text/html", headers.Get("Content-Type"))
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	got := toNetworkHeaders(http.Header{"X-One": {"a"}, "X-Many": {"a", "b"}, "X-None": {}})
	require.Equal(t, "a", got["X-One"])
	require.Equal(t, []string{"a", "b"}, got["X-Many"])
	_, ok := got["X-None"]
	require.False(t, ok)
}
