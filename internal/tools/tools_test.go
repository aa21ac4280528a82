package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/refguard/internal/policy"
)

func params(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestFetcher_GuardBlocksLocalNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("request should not reach the server")
	}))
	defer srv.Close()

	f := NewFetcher(FetchConfig{Guard: policy.NewEngine(nil)})
	_, err := f.Get(context.Background(), srv.URL, "")
	assert.ErrorIs(t, err, ErrBlocked)
}

func TestFetcher_RedirectIsRechecked(t *testing.T) {
	f := NewFetcher(FetchConfig{Guard: policy.NewEngine(nil)})
	req, err := http.NewRequest(http.MethodGet, "http://169.254.169.254/latest/meta-data", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, f.client.CheckRedirect(req, nil), ErrBlocked)

	ok, err := http.NewRequest(http.MethodGet, "https://en.wikipedia.org/wiki/Go", nil)
	require.NoError(t, err)
	assert.NoError(t, f.client.CheckRedirect(ok, nil))
	assert.Error(t, f.client.CheckRedirect(ok, make([]*http.Request, maxRedirects)))
}

func TestFetcher_BodyCapAndUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(strings.Repeat("a", 100)))
	}))
	defer srv.Close()

	f := NewFetcher(FetchConfig{MaxBodyBytes: 10, RequestsPerSecond: 100})
	res, err := f.Get(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Len(t, res.Body, 10)
	assert.True(t, res.Truncated)
	assert.Equal(t, defaultUserAgent, gotUA)
}

func TestWebAccessTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title> Cats </title><script>steal()</script></head>` +
			`<body><p>Cats are small.</p><p>password: hunter2</p></body></html>`))
	}))
	defer srv.Close()

	tool := NewWebAccessTool(NewFetcher(FetchConfig{}))
	out, err := tool.Execute(context.Background(), params(t, map[string]string{"url": srv.URL}))
	require.NoError(t, err)

	var res webResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, "Cats", res.Title)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Content, "Cats are small.")
	assert.Contains(t, res.Content, "[REDACTED PASSWORD]")
	assert.NotContains(t, res.Content, "steal")
	assert.NotContains(t, res.Content, "<p>")
}

func TestWebAccessTool_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	tool := NewWebAccessTool(NewFetcher(FetchConfig{}))

	_, err := tool.Execute(context.Background(), params(t, map[string]string{"url": srv.URL}))
	assert.ErrorContains(t, err, "HTTP 503")

	_, err = tool.Execute(context.Background(), params(t, map[string]string{"url": "javascript:alert(1)"}))
	assert.ErrorContains(t, err, "validating params")

	assert.Error(t, tool.ValidateArguments(json.RawMessage(`{}`)))
}

func TestWikipediaTool(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		if !strings.HasSuffix(r.URL.Path, "/Go_(programming_language)") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"title":"Go (programming language)","extract":"Go is a <b>language</b>.",` +
			`"content_urls":{"desktop":{"page":"https://en.wikipedia.org/wiki/Go_(programming_language)"}}}`))
	}))
	defer srv.Close()

	tool := NewWikipediaTool(NewFetcher(FetchConfig{}), srv.URL+"/")
	out, err := tool.Execute(context.Background(), params(t, map[string]string{"title": "Go (programming language)"}))
	require.NoError(t, err)
	assert.Equal(t, "/api/rest_v1/page/summary/Go_%28programming_language%29", gotPath)

	var res wikipediaResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, "Go (programming language)", res.Title)
	assert.Contains(t, res.Extract, "language")
	assert.NotContains(t, res.Extract, "<b>")
	assert.Equal(t, "https://en.wikipedia.org/wiki/Go_(programming_language)", res.URL)

	_, err = tool.Execute(context.Background(), params(t, map[string]string{"title": "Nope"}))
	assert.ErrorContains(t, err, "not found")

	assert.Error(t, tool.ValidateArguments(json.RawMessage(`{}`)))
}

func TestImageTool(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fake.png" {
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("<html>not an image</html>"))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	tool := NewImageTool(NewFetcher(FetchConfig{Timeout: 5 * time.Second}))
	out, err := tool.Execute(context.Background(), params(t, map[string]string{"url": srv.URL + "/cat.png"}))
	require.NoError(t, err)
	var res imageResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.True(t, res.IsImage)
	assert.Equal(t, "image/png", res.DetectedType)
	assert.False(t, res.TypeMismatch)
	assert.Equal(t, 3, res.Width)
	assert.Equal(t, 2, res.Height)

	out, err = tool.Execute(context.Background(), params(t, map[string]string{"url": srv.URL + "/fake.png"}))
	require.NoError(t, err)
	res = imageResult{}
	require.NoError(t, json.Unmarshal(out, &res))
	assert.False(t, res.IsImage)
	assert.True(t, res.TypeMismatch)
}
