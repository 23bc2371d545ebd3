/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package gatewayd

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rapidloop/gatewayd/gwerr"
)

// contentHeaders is the well-known content-header name set that
// splitProxyHeaders uses to separate an upstream response's content
// headers from its plain headers.
var contentHeaders = map[string]bool{
	"content-type":     true,
	"content-length":   true,
	"content-encoding": true,
	"content-language": true,
	"content-location": true,
	"content-md5":      true,
}

func isContentHeader(name string) bool { return contentHeaders[strings.ToLower(name)] }

var hopByHopHeaders = map[string]bool{
	"transfer-encoding": true,
	"content-length":    true,
}

// buildTargetURL inserts remainingPath before the template URL's query
// string (or appends it when there is none), then appends the caller's
// query string with '?' or '&' as appropriate.
func buildTargetURL(template, remainingPath, callerQuery string) string {
	base := template
	query := ""
	if i := strings.IndexByte(base, '?'); i >= 0 {
		query = base[i+1:]
		base = base[:i]
	}
	base += remainingPath
	if callerQuery != "" {
		if query != "" {
			query += "&" + callerQuery
		} else {
			query = callerQuery
		}
	}
	if query != "" {
		base += "?" + query
	}
	return base
}

var (
	proxyClientDefault    = &http.Client{}
	proxyClientInsecure   = &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
)

// clientFor returns the shared client for the ignoreCertErrors flag.
func clientFor(ignoreCertErrors bool) *http.Client {
	if ignoreCertErrors {
		return proxyClientInsecure
	}
	return proxyClientDefault
}

// runProxy implements the Proxy Stage (spec.md §4.8) steps 1-3: build the
// forward request, send it, and return the raw upstream response. The
// caller (server.go) splits its headers with splitProxyHeaders and
// decides whether to cache-materialize or stream based on
// target.ExcludeStatusCodesFromCache.
func runProxy(ctx context.Context, target *ProxyTarget, remainingPath string, req *http.Request, logger zerolog.Logger) (*http.Response, error) {
	url := buildTargetURL(target.URL, remainingPath, req.URL.RawQuery)

	var body io.Reader
	if req.Body != nil && req.Method != http.MethodGet && req.Method != http.MethodHead {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, gwerr.Internal("proxy_body_read_failed", err, "failed to read request body")
		}
		body = bytes.NewReader(b)
	}

	fwd, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, gwerr.Internal("proxy_request_build_failed", err, "failed to build forward request")
	}

	excluded := make(map[string]bool, len(target.ExcludedHeaders))
	for _, h := range target.ExcludedHeaders {
		excluded[strings.ToLower(h)] = true
	}
	// Overrides apply uniformly whether the header name is a request header
	// or one of the well-known content-headers; the distinction only
	// matters for which map a *response* header lands in (splitProxyHeaders).
	applied := make(map[string]bool, len(target.HeaderOverrides))
	for name, value := range target.HeaderOverrides {
		applied[strings.ToLower(name)] = true
		fwd.Header.Set(name, value)
	}
	for name, values := range req.Header {
		lname := strings.ToLower(name)
		if excluded[lname] || applied[lname] {
			continue
		}
		for _, v := range values {
			fwd.Header.Add(name, v)
		}
	}

	timeout := target.TimeoutSeconds
	if timeout <= 0 {
		timeout = 30
	}
	cctx, cancel := context.WithTimeout(ctx, time.Duration(timeout*float64(time.Second)))
	fwd = fwd.WithContext(cctx)

	client := clientFor(target.IgnoreCertificateErrors)
	resp, err := client.Do(fwd)
	if err != nil {
		cancel()
		return nil, gwerr.Upstream(err, "failed to reach proxy target")
	}
	// resp.Body.Close (by the caller) releases cctx's resources; stash the
	// cancel func on the body close path by wrapping it.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

// splitProxyHeaders separates an upstream response's headers into the
// plain-header map and the content-header map, per spec.md §3's proxy cache
// entry shape, and drops Transfer-Encoding/Content-Length from both.
func splitProxyHeaders(h http.Header) (headers, contentHeaders map[string][]string) {
	headers = make(map[string][]string)
	contentHeaders = make(map[string][]string)
	for name, values := range h {
		if hopByHopHeaders[strings.ToLower(name)] {
			continue
		}
		if isContentHeader(name) {
			contentHeaders[name] = values
		} else {
			headers[name] = values
		}
	}
	return
}

// writeProxyCacheEntry writes a replayed proxyResult to resp exactly as a
// cache hit must: status, then both header maps in order, then the body.
// Content-Length is never set here; the net/http server frames the
// response itself, same as streamProxyResponse.
func writeProxyCacheEntry(resp http.ResponseWriter, pr *proxyResult) {
	h := resp.Header()
	for name, values := range pr.Headers {
		for _, v := range values {
			h.Add(name, v)
		}
	}
	for name, values := range pr.ContentHeaders {
		for _, v := range values {
			h.Add(name, v)
		}
	}
	resp.WriteHeader(pr.StatusCode)
	_, _ = resp.Write(pr.Body)
}

// streamProxyResponse copies an upstream response straight to the caller
// without buffering, per spec.md §4.8 step 5.
func streamProxyResponse(resp http.ResponseWriter, upstream *http.Response, logger zerolog.Logger) {
	h := resp.Header()
	for name, values := range upstream.Header {
		if hopByHopHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			h.Add(name, v)
		}
	}
	resp.WriteHeader(upstream.StatusCode)
	if _, err := io.Copy(resp, upstream.Body); err != nil {
		logger.Debug().Err(err).Msg("proxy stream copy ended early (client likely disconnected)")
	}
}
