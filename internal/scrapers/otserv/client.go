// Package otserv fetches pages of an Open Tibia server website the way a
// regular browser would.
package otserv

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"otwatch/internal/components/assert"
	"otwatch/internal/components/telemetry"
	"otwatch/internal/tracker"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/time/rate"
)

const (
	report_client_fetch  = "client.fetch"
	report_client_retry  = "client.retry"
	report_client_decode = "client.decode"
)

// RetryStatuses are the response codes that are retried, they include the
// cloudflare origin errors.
var RetryStatuses = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
	520,
	522,
	524,
}

// DefaultUserAgents is the pool a user agent is picked from for every client.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

var browserHeaders = map[string]string{
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
	"Accept-Language":           "en-US,en;q=0.9",
	"Accept-Encoding":           "gzip, deflate",
	"Upgrade-Insecure-Requests": "1",
	"Sec-Fetch-Dest":            "document",
	"Sec-Fetch-Mode":            "navigate",
	"Sec-Fetch-Site":            "none",
	"Cache-Control":             "max-age=0",
}

type Options struct {
	// BaseURL limits redirects to its host.
	BaseURL      string
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	// RequestsPerSecond of zero disables the limiter.
	RequestsPerSecond float64
	// Proxy is any url net/http understands, socks5://127.0.0.1:9050 for tor.
	Proxy      string
	UserAgents []string
	// DumpDir receives a copy of every request and response when set.
	DumpDir string
}

// DefaultOptions mirrors a patient browser: 30s timeout, 5 retries with
// exponential backoff starting at 2s.
func DefaultOptions() Options {
	return Options{
		Timeout:           30 * time.Second,
		RetryCount:        5,
		RetryWait:         2 * time.Second,
		RetryMaxWait:      30 * time.Second,
		RequestsPerSecond: 2,
		UserAgents:        DefaultUserAgents,
	}
}

// Client implements tracker.Fetcher over resty.
type Client struct {
	http      *resty.Client
	tel       telemetry.API
	userAgent string
}

func NewClient(options Options, tel telemetry.API) (*Client, error) {
	assert.NotNil(tel)
	tel = telemetry.NewScopedAPI("otserv", tel)

	httpClient := resty.New()

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	httpClient.SetCookieJar(jar)

	if options.Proxy != "" {
		_, err := url.Parse(options.Proxy)
		if err != nil {
			return nil, fmt.Errorf("proxy: %w", err)
		}
		// must run before the transport gets wrapped
		httpClient.SetProxy(options.Proxy)
	}
	httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)

	userAgents := options.UserAgents
	if len(userAgents) == 0 {
		userAgents = DefaultUserAgents
	}
	userAgent := userAgents[rand.Intn(len(userAgents))]
	httpClient.SetHeaders(browserHeaders)
	httpClient.SetHeader("User-Agent", userAgent)

	if options.BaseURL != "" {
		parsedBaseUrl, err := url.Parse(options.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("base url: %w", err)
		}
		httpClient.SetRedirectPolicy(
			resty.FlexibleRedirectPolicy(10),
			resty.DomainCheckRedirectPolicy(parsedBaseUrl.Hostname()),
		)
	}
	if options.Timeout > 0 {
		httpClient.SetTimeout(options.Timeout)
	}

	httpClient.SetRetryCount(options.RetryCount)
	if options.RetryWait > 0 {
		httpClient.SetRetryWaitTime(options.RetryWait)
	}
	if options.RetryMaxWait > 0 {
		httpClient.SetRetryMaxWaitTime(options.RetryMaxWait)
	}
	httpClient.AddRetryCondition(retryableStatus)
	httpClient.AddRetryHook(func(res *resty.Response, err error) {
		if err != nil {
			tel.ReportWarning(report_client_retry, err)
			return
		}
		tel.ReportWarning(report_client_retry, res.Request.Method, res.Request.URL, res.Status())
	})

	if options.RequestsPerSecond > 0 {
		burst := int(options.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		rateLimiter := rate.NewLimiter(rate.Limit(options.RequestsPerSecond), burst)
		httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return rateLimiter.Wait(req.Context())
		})
	}

	telemetry.InstrumentResty(httpClient, tel, telemetry.RestyOptions{DumpDir: options.DumpDir})

	return &Client{
		http:      httpClient,
		tel:       tel,
		userAgent: userAgent,
	}, nil
}

func retryableStatus(res *resty.Response, err error) bool {
	if err != nil || res == nil {
		return false
	}
	for _, status := range RetryStatuses {
		if res.StatusCode() == status {
			return true
		}
	}
	return false
}

// UserAgent returns the user agent picked for this client.
func (c *Client) UserAgent() string {
	return c.userAgent
}

func (c *Client) Fetch(ctx context.Context, req tracker.Request) ([]byte, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	r := c.http.R().SetContext(ctx)
	if method == http.MethodPost && req.Form != nil {
		r.SetFormDataFromValues(req.Form)
	}

	res, err := r.Execute(method, req.URL)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.URL, err)
	}
	if res.IsError() {
		err := fmt.Errorf("%s %s: unexpected status %s", method, req.URL, res.Status())
		c.tel.ReportBroken(report_client_fetch, err)
		return nil, err
	}

	body, err := decodeBody(res.Header().Get("Content-Encoding"), res.Body())
	if err != nil {
		c.tel.ReportWarning(report_client_decode, err, req.URL)
		return res.Body(), nil
	}
	return body, nil
}

var gzipMagic = []byte{0x1f, 0x8b}

// decodeBody undoes a content encoding the http stack left in place. Go only
// decompresses gzip on its own, and only when it asked for it.
func decodeBody(encoding string, body []byte) ([]byte, error) {
	encoding = strings.ToLower(strings.TrimSpace(encoding))

	switch {
	case bytes.HasPrefix(body, gzipMagic):
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer reader.Close()
		return io.ReadAll(reader)
	case encoding == "deflate":
		// servers disagree on whether deflate means zlib framing or raw deflate
		reader, err := zlib.NewReader(bytes.NewReader(body))
		if err == nil {
			defer reader.Close()
			out, err := io.ReadAll(reader)
			if err == nil {
				return out, nil
			}
		}
		raw := flate.NewReader(bytes.NewReader(body))
		defer raw.Close()
		out, err := io.ReadAll(raw)
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		return out, nil
	default:
		return body, nil
	}
}
