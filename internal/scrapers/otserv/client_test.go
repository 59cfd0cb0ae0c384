package otserv

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"otwatch/internal/components/telemetry"
	"otwatch/internal/tracker"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(baseURL string) Options {
	options := DefaultOptions()
	options.BaseURL = baseURL
	options.Timeout = 5 * time.Second
	options.RetryCount = 3
	options.RetryWait = 10 * time.Millisecond
	options.RetryMaxWait = 20 * time.Millisecond
	options.RequestsPerSecond = 0
	return options
}

func TestFetchGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "latestdeaths", r.URL.Query().Get("subtopic"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Write([]byte("<table></table>"))
	}))
	defer server.Close()

	client, err := NewClient(testOptions(server.URL), telemetry.NewRecorder())
	require.NoError(t, err)
	require.Contains(t, DefaultUserAgents, client.UserAgent())

	body, err := client.Fetch(context.Background(), tracker.Request{URL: server.URL + "/?subtopic=latestdeaths"})
	require.NoError(t, err)
	require.Equal(t, "<table></table>", string(body))
}

func TestFetchPostForm(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "Mystian", r.PostForm.Get("world"))
		assert.Equal(t, "abc", r.PostForm.Get("token"))
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client, err := NewClient(testOptions(server.URL), telemetry.NewRecorder())
	require.NoError(t, err)

	body, err := client.Fetch(context.Background(), tracker.Request{
		URL:    server.URL,
		Method: http.MethodPost,
		Form:   url.Values{"world": {"Mystian"}, "token": {"abc"}},
	})
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	for _, status := range []int{http.StatusServiceUnavailable, 522} {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(status)
				return
			}
			w.Write([]byte("finally"))
		}))

		rec := telemetry.NewRecorder()
		client, err := NewClient(testOptions(server.URL), rec)
		require.NoError(t, err)

		body, err := client.Fetch(context.Background(), tracker.Request{URL: server.URL})
		server.Close()

		require.NoError(t, err)
		require.Equal(t, "finally", string(body))
		require.Equal(t, int32(3), calls.Load())
		require.True(t, rec.Has(telemetry.KindWarning, report_client_retry))
	}
}

func TestFetchGivesUp(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	rec := telemetry.NewRecorder()
	client, err := NewClient(testOptions(server.URL), rec)
	require.NoError(t, err)

	_, err = client.Fetch(context.Background(), tracker.Request{URL: server.URL})
	require.ErrorContains(t, err, "502")
	require.Equal(t, int32(4), calls.Load())
	require.True(t, rec.Has(telemetry.KindBroken, report_client_fetch))
}

func TestFetchDoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client, err := NewClient(testOptions(server.URL), telemetry.NewRecorder())
	require.NoError(t, err)

	_, err = client.Fetch(context.Background(), tracker.Request{URL: server.URL})
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestFetchKeepsCookies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/first" {
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "s1", Path: "/"})
			w.Write([]byte("first"))
			return
		}
		cookie, err := r.Cookie("session")
		if err != nil {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte(cookie.Value))
	}))
	defer server.Close()

	client, err := NewClient(testOptions(server.URL), telemetry.NewRecorder())
	require.NoError(t, err)

	_, err = client.Fetch(context.Background(), tracker.Request{URL: server.URL + "/first"})
	require.NoError(t, err)
	body, err := client.Fetch(context.Background(), tracker.Request{URL: server.URL + "/second"})
	require.NoError(t, err)
	require.Equal(t, "s1", string(body))
}

func TestFetchDumpsMessages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<p>dump me</p>"))
	}))
	defer server.Close()

	options := testOptions(server.URL)
	options.DumpDir = t.TempDir()
	client, err := NewClient(options, telemetry.NewRecorder())
	require.NoError(t, err)

	_, err = client.Fetch(context.Background(), tracker.Request{URL: server.URL})
	require.NoError(t, err)

	dumped, err := os.ReadFile(filepath.Join(options.DumpDir, "1.txt"))
	require.NoError(t, err)
	require.Contains(t, string(dumped), "---- RESPONSE ----")
	require.Contains(t, string(dumped), "<p>dump me</p>")
}

func TestDecodeBody(t *testing.T) {
	page := []byte(strings.Repeat("<tr><td>Eldin</td><td>132</td></tr>", 20))

	var zlibbed bytes.Buffer
	zw := zlib.NewWriter(&zlibbed)
	zw.Write(page)
	zw.Close()

	var deflated bytes.Buffer
	fw, err := flate.NewWriter(&deflated, flate.DefaultCompression)
	require.NoError(t, err)
	fw.Write(page)
	fw.Close()

	out, err := decodeBody("deflate", zlibbed.Bytes())
	require.NoError(t, err)
	require.Equal(t, page, out)

	out, err = decodeBody("Deflate", deflated.Bytes())
	require.NoError(t, err)
	require.Equal(t, page, out)

	out, err = decodeBody("", page)
	require.NoError(t, err)
	require.Equal(t, page, out)
}

func TestPostScript(t *testing.T) {
	script, err := postScript("https://ot.example/?subtopic=latestdeaths", url.Values{
		"world": {"Mys'tian"},
		"token": {"abc"},
	})
	require.NoError(t, err)
	require.Contains(t, script, `form.action = "https://ot.example/?subtopic=latestdeaths";`)
	require.Contains(t, script, `[{"name":"token","value":"abc"},{"name":"world","value":"Mys'tian"}]`)
	require.Contains(t, script, "form.submit();")
}

func TestBrowserFetch(t *testing.T) {
	if os.Getenv("OTWATCH_TEST_BROWSER") == "" {
		t.Skip("set OTWATCH_TEST_BROWSER to run tests that need chrome")
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><table><tr><td>hi</td></tr></table></body></html>"))
	}))
	defer server.Close()

	fetcher := NewBrowserFetcher(BrowserOptions{Timeout: 30 * time.Second}, telemetry.NewRecorder())
	body, err := fetcher.Fetch(context.Background(), tracker.Request{URL: server.URL})
	require.NoError(t, err)
	require.Contains(t, string(body), "<td>hi</td>")
}
