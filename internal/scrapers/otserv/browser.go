package otserv

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"otwatch/internal/components/assert"
	"otwatch/internal/components/telemetry"
	"otwatch/internal/tracker"

	"github.com/chromedp/chromedp"
)

const report_browser_fetch = "browser.fetch"

type BrowserOptions struct {
	Timeout   time.Duration
	Proxy     string
	UserAgent string
	// Settle is how long to wait after a form submission before reading the
	// page, the navigation it starts is not observable from a script.
	Settle time.Duration
	// ExecPath overrides the chrome binary, empty means search the PATH.
	ExecPath string
}

// BrowserFetcher implements tracker.Fetcher with a headless chrome, for sites
// whose challenge pages need javascript.
type BrowserFetcher struct {
	options BrowserOptions
	tel     telemetry.API
}

func NewBrowserFetcher(options BrowserOptions, tel telemetry.API) BrowserFetcher {
	assert.NotNil(tel)
	if options.Timeout <= 0 {
		options.Timeout = 60 * time.Second
	}
	if options.Settle <= 0 {
		options.Settle = 3 * time.Second
	}
	if options.UserAgent == "" {
		options.UserAgent = DefaultUserAgents[0]
	}
	return BrowserFetcher{
		options: options,
		tel:     telemetry.NewScopedAPI("otserv", tel),
	}
}

func (b BrowserFetcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(b.options.UserAgent),
		chromedp.WindowSize(1366, 768),
	)
	if b.options.Proxy != "" {
		opts = append(opts, chromedp.ProxyServer(b.options.Proxy))
	}
	if b.options.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.options.ExecPath))
	}
	return opts
}

// postScript builds a script that submits a form with the given fields, which
// is the only way to make the browser itself perform a POST navigation.
func postScript(target string, form url.Values) (string, error) {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var fields []map[string]string
	for _, k := range keys {
		for _, v := range form[k] {
			fields = append(fields, map[string]string{"name": k, "value": v})
		}
	}

	encodedTarget, err := json.Marshal(target)
	if err != nil {
		return "", err
	}
	encodedFields, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}

	var script strings.Builder
	script.WriteString("(() => {\n")
	script.WriteString("const form = document.createElement('form');\n")
	script.WriteString("form.method = 'POST';\n")
	fmt.Fprintf(&script, "form.action = %s;\n", encodedTarget)
	fmt.Fprintf(&script, "for (const field of %s) {\n", encodedFields)
	script.WriteString("const input = document.createElement('input');\n")
	script.WriteString("input.type = 'hidden'; input.name = field.name; input.value = field.value;\n")
	script.WriteString("form.appendChild(input);\n")
	script.WriteString("}\n")
	script.WriteString("document.body.appendChild(form);\n")
	script.WriteString("form.submit();\n")
	script.WriteString("})()")
	return script.String(), nil
}

func (b BrowserFetcher) Fetch(ctx context.Context, req tracker.Request) ([]byte, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, b.allocatorOptions()...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()
	taskCtx, cancelTimeout := context.WithTimeout(taskCtx, b.options.Timeout)
	defer cancelTimeout()

	var actions []chromedp.Action
	if req.Method == http.MethodPost {
		script, err := postScript(req.URL, req.Form)
		if err != nil {
			return nil, err
		}
		actions = append(actions,
			chromedp.Navigate(req.URL),
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.Evaluate(script, nil),
			chromedp.Sleep(b.options.Settle),
		)
	} else {
		actions = append(actions, chromedp.Navigate(req.URL))
	}

	var markup string
	actions = append(actions,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &markup, chromedp.ByQuery),
	)

	b.tel.ReportDebug("browser fetch", req.String())
	err := chromedp.Run(taskCtx, actions...)
	if err != nil {
		err = fmt.Errorf("%s: %w", req, err)
		b.tel.ReportBroken(report_browser_fetch, err)
		return nil, err
	}
	return []byte(markup), nil
}
