package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sukta/internal/qa"
)

func TestFetchSendsBrowserIdentity(t *testing.T) {
	t.Parallel()

	var gotUA, gotLang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotLang = r.Header.Get("Accept-Language")
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body><p>Example Domain</p></body></html>")
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second})
	resp, err := f.Fetch(context.Background(), qa.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "Example Domain")
	require.Equal(t, DefaultUserAgent, gotUA)
	require.Equal(t, "en-US,en;q=0.5", gotLang)

	// the same URL can be fetched again for a new session
	_, err = f.Fetch(context.Background(), qa.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
}

func TestFetchFollowsRedirects(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html><body>moved here</body></html>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := New(Config{}).Fetch(context.Background(), qa.FetchRequest{URL: srv.URL + "/old"})
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/new", resp.URL)
	require.Contains(t, string(resp.Body), "moved here")
}

func TestFetchNonSuccessStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(Config{}).Fetch(context.Background(), qa.FetchRequest{URL: srv.URL})
	var fe *qa.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, http.StatusNotFound, fe.StatusCode)
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: 5 * time.Second}).Fetch(ctx, qa.FetchRequest{URL: srv.URL})
	var fe *qa.FetchError
	require.ErrorAs(t, err, &fe)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchCancelAbortsRequest(t *testing.T) {
	t.Parallel()

	aborted := make(chan struct{})
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			close(aborted)
		case <-block:
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := New(Config{Timeout: 30 * time.Second}).Fetch(ctx, qa.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), 5*time.Second)

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the request cancelled")
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := qa.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	var result qa.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))
	require.Equal(t, "max-age=0", collyReq.Headers.Get("Cache-Control"))

	u, err := url.Parse("https://example.com")
	require.NoError(t, err)
	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: u},
	})
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "ok", result.Headers.Get("X-Resp"))

	hooks.onError(&colly.Response{StatusCode: http.StatusForbidden}, errors.New("Forbidden"))
	var fe *qa.FetchError
	require.ErrorAs(t, fetchErr, &fe)
	require.Equal(t, http.StatusForbidden, fe.StatusCode)
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }
