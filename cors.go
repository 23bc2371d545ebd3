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
	"net/http"
	"regexp"
	"sync"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// defaultCORSPolicy is the permissive fallback applied when a route has no
// per-route or global CORS policy at all.
var defaultCORSPolicy = &CORSPolicy{
	OriginPattern:    ".*",
	AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
	AllowedHeaders:   []string{"*"},
	AllowCredentials: false,
}

// resolveCORSPolicy implements the route -> global -> permissive-default
// precedence of spec.md §4.3, and forces allow_credentials true whenever
// route carries an auth policy.
func resolveCORSPolicy(route *Route, global *CORSPolicy) *CORSPolicy {
	p := route.CORSPolicy
	if p == nil {
		p = global
	}
	if p == nil {
		p = defaultCORSPolicy
	}
	if route.AuthPolicy != nil && !p.AllowCredentials {
		cp := *p
		cp.AllowCredentials = true
		p = &cp
	}
	return p
}

type compiledCORS struct {
	policy *CORSPolicy
	rx     *regexp.Regexp
	h      func(http.Handler) http.Handler
}

// corsCache memoizes compiled CORS handlers by policy pointer identity, so
// the regex and rs/cors.Cors for a given route/global policy are built once
// rather than per request.
type corsCache struct {
	m sync.Map // *CORSPolicy -> *compiledCORS
}

func (c *corsCache) get(policy *CORSPolicy, logger zerolog.Logger) *compiledCORS {
	if v, ok := c.m.Load(policy); ok {
		return v.(*compiledCORS)
	}
	rx, err := regexp.Compile(policy.OriginPattern)
	if err != nil {
		logger.Error().Err(err).Str("pattern", policy.OriginPattern).
			Msg("invalid cors origin pattern, falling back to match-none")
		rx = regexp.MustCompile(`$^`)
	}
	options := cors.Options{
		AllowedMethods:   policy.AllowedMethods,
		AllowedHeaders:   policy.AllowedHeaders,
		ExposedHeaders:   policy.ExposedHeaders,
		AllowCredentials: policy.AllowCredentials,
		Debug:            policy.Debug,
		AllowOriginRequestFunc: func(r *http.Request, origin string) bool {
			return true // always "allowed"; the echoed value is corrected below
		},
	}
	if policy.MaxAge != nil && *policy.MaxAge > 0 {
		options.MaxAge = *policy.MaxAge
	}
	co := cors.New(options)
	if policy.Debug {
		co.Log = &loggerForCORS{logger: logger.With().Bool("cors", true).Logger()}
	}
	cc := &compiledCORS{policy: policy, rx: rx, h: co.Handler}
	actual, _ := c.m.LoadOrStore(policy, cc)
	return actual.(*compiledCORS)
}

type loggerForCORS struct {
	logger zerolog.Logger
}

func (l *loggerForCORS) Printf(f string, args ...any) {
	l.logger.Debug().Msgf(f, args...)
}

// originRewriter substitutes the Access-Control-Allow-Origin header rs/cors
// wrote (always the literal request Origin, since AllowOriginRequestFunc
// above unconditionally says "yes") with the policy's resolved value: the
// caller's origin when it matches the policy regex, the fallback_origin
// otherwise. It also refuses to ever emit a literal "*" together with
// credentials, per spec.md §4.3.
type originRewriter struct {
	http.ResponseWriter
	resolved string
	written  bool
}

func (w *originRewriter) WriteHeader(status int) {
	if !w.written {
		w.written = true
		if w.resolved != "" {
			w.Header().Set("Access-Control-Allow-Origin", w.resolved)
		} else {
			w.Header().Del("Access-Control-Allow-Origin")
		}
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *originRewriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// applyCORS wraps next with the per-route-resolved CORS policy. c must not
// be nil; callers pass &Gateway.cors.
func (c *corsCache) applyCORS(route *Route, global *CORSPolicy, logger zerolog.Logger, next http.Handler) http.Handler {
	policy := resolveCORSPolicy(route, global)
	cc := c.get(policy, logger)

	return http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		origin := req.Header.Get("Origin")
		resolved := ""
		if origin != "" {
			if cc.rx.MatchString(origin) {
				resolved = origin
			} else {
				resolved = policy.FallbackOrigin
			}
			if resolved == "*" && policy.AllowCredentials {
				resolved = "" // never emit a bare "*" alongside credentials
			}
		}
		ow := &originRewriter{ResponseWriter: resp, resolved: resolved}
		cc.h(next).ServeHTTP(ow, req)
	})
}
