package tracker

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Request is a single page fetch.
type Request struct {
	URL    string
	Method string
	// Form is sent url-encoded as the body of a POST.
	Form url.Values
}

func (r Request) String() string {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return fmt.Sprintf("%s %s", method, r.URL)
}

// WorldForm looks for the world selector on a page (a <select name="world">
// inside a <form>) and builds the POST that selects world. Hidden inputs of
// the form are carried over. pageURL is used to resolve the form action, a
// form without an action posts back to pageURL.
func WorldForm(doc *goquery.Document, pageURL, world string) (Request, bool) {
	if doc == nil {
		return Request{}, false
	}

	selector := doc.Find(`select[name="world"]`).First()
	if selector.Length() == 0 {
		return Request{}, false
	}
	form := selector.Closest("form")
	if form.Length() == 0 {
		return Request{}, false
	}

	target, err := resolveAction(pageURL, form.AttrOr("action", ""))
	if err != nil {
		return Request{}, false
	}

	values := url.Values{}
	form.Find(`input[type="hidden"]`).Each(func(_ int, input *goquery.Selection) {
		name, ok := input.Attr("name")
		if !ok || name == "" {
			return
		}
		values.Set(name, input.AttrOr("value", ""))
	})
	values.Set("world", world)

	method := strings.ToUpper(strings.TrimSpace(form.AttrOr("method", "")))
	if method != http.MethodGet {
		method = http.MethodPost
	}
	if method == http.MethodGet {
		parsed, err := url.Parse(target)
		if err != nil {
			return Request{}, false
		}
		query := parsed.Query()
		for k, v := range values {
			query[k] = v
		}
		parsed.RawQuery = query.Encode()
		return Request{URL: parsed.String(), Method: http.MethodGet}, true
	}

	return Request{URL: target, Method: http.MethodPost, Form: values}, true
}

func resolveAction(pageURL, action string) (string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", err
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return base.String(), nil
	}
	ref, err := url.Parse(action)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
