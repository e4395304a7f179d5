package client

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ozontech/quicreq/codec"
)

type Request struct {
	Headers codec.Headers
	Body    []byte
	// KeepOpen leaves the write side open after the request. The response
	// closes it anyway.
	KeepOpen bool
}

// Tag identifies the request in reports.
func (r Request) Tag() string {
	p, _ := r.Headers.Get(":path")
	return p
}

// BuildRequest turns rawURL into a request. A URL without a host takes
// authority. Extra headers follow the pseudo-headers in their order.
func BuildRequest(method, rawURL, authority string, extra codec.Headers, body []byte) (Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Request{}, fmt.Errorf("parse url: %w", err)
	}
	if method == "" {
		method = "GET"
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	if u.Host != "" {
		authority = u.Host
	}
	if authority == "" {
		return Request{}, errors.New("request has no authority")
	}
	path := u.EscapedPath()
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	h := make(codec.Headers, 0, 4+len(extra)+1)
	h = h.Add(":method", strings.ToUpper(method)).
		Add(":scheme", scheme).
		Add(":authority", authority).
		Add(":path", path)
	for _, f := range extra {
		h = h.Add(strings.ToLower(f.Name), f.Value)
	}
	if _, ok := h.Get(codec.ContentLengthHeader); !ok && len(body) > 0 {
		h = h.Add(codec.ContentLengthHeader, strconv.Itoa(len(body)))
	}
	return Request{Headers: h, Body: body}, nil
}

// ParseHeaders reads extra headers from a multi-value JSON map
// such as {"accept":["text/plain"]}.
func ParseHeaders(b []byte) (codec.Headers, error) {
	if len(b) == 0 {
		return nil, nil
	}
	h, err := codec.UnmarshalJSONAppend(nil, b)
	if err != nil {
		return nil, fmt.Errorf("parse headers: %w", err)
	}
	return h, nil
}
