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
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestResolveCORSPolicyPrecedence(t *testing.T) {
	route := &Route{}
	if p := resolveCORSPolicy(route, nil); p != defaultCORSPolicy {
		t.Errorf("expected default policy, got %v", p)
	}

	global := &CORSPolicy{OriginPattern: "global"}
	if p := resolveCORSPolicy(route, global); p != global {
		t.Errorf("expected global policy")
	}

	routePolicy := &CORSPolicy{OriginPattern: "route"}
	route.CORSPolicy = routePolicy
	if p := resolveCORSPolicy(route, global); p != routePolicy {
		t.Errorf("expected route policy to take precedence")
	}
}

func TestResolveCORSPolicyForcesCredentialsWithAuth(t *testing.T) {
	policy := &CORSPolicy{OriginPattern: "x", AllowCredentials: false}
	route := &Route{CORSPolicy: policy, AuthPolicy: &AuthPolicy{ProviderName: "p"}}
	resolved := resolveCORSPolicy(route, nil)
	if !resolved.AllowCredentials {
		t.Error("expected AllowCredentials forced true for an authenticated route")
	}
	if policy.AllowCredentials {
		t.Error("original policy must not be mutated")
	}
}

func TestResolveCORSPolicyAlreadyCredentialed(t *testing.T) {
	policy := &CORSPolicy{OriginPattern: "x", AllowCredentials: true}
	route := &Route{CORSPolicy: policy, AuthPolicy: &AuthPolicy{ProviderName: "p"}}
	resolved := resolveCORSPolicy(route, nil)
	if resolved != policy {
		t.Error("expected the same policy pointer when already credentialed")
	}
}

func TestCorsCacheGetMemoizes(t *testing.T) {
	c := &corsCache{}
	policy := &CORSPolicy{OriginPattern: ".*"}
	logger := zerolog.Nop()
	cc1 := c.get(policy, logger)
	cc2 := c.get(policy, logger)
	if cc1 != cc2 {
		t.Error("expected the same compiled entry to be returned on second call")
	}
}

func TestCorsCacheGetInvalidPattern(t *testing.T) {
	c := &corsCache{}
	policy := &CORSPolicy{OriginPattern: "("}
	cc := c.get(policy, zerolog.Nop())
	if cc.rx.MatchString("https://example.com") {
		t.Error("expected match-none regex fallback for an invalid pattern")
	}
}

func TestApplyCORSEchoesMatchingOrigin(t *testing.T) {
	c := &corsCache{}
	route := &Route{CORSPolicy: &CORSPolicy{OriginPattern: `^https://example\.com$`, AllowedMethods: []string{"GET"}}}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := c.applyCORS(route, nil, zerolog.Nop(), next)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q, want echoed origin", got)
	}
}

func TestApplyCORSFallsBackForNonMatchingOrigin(t *testing.T) {
	c := &corsCache{}
	route := &Route{CORSPolicy: &CORSPolicy{
		OriginPattern:  `^https://example\.com$`,
		FallbackOrigin: "https://fallback.example",
		AllowedMethods: []string{"GET"},
	}}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := c.applyCORS(route, nil, zerolog.Nop(), next)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://fallback.example" {
		t.Errorf("Access-Control-Allow-Origin = %q, want fallback origin", got)
	}
}

func TestApplyCORSRefusesWildcardWithCredentials(t *testing.T) {
	c := &corsCache{}
	route := &Route{
		CORSPolicy: &CORSPolicy{
			OriginPattern:    `^https://example\.com$`,
			FallbackOrigin:   "*",
			AllowedMethods:   []string{"GET"},
			AllowCredentials: true,
		},
	}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := c.applyCORS(route, nil, zerolog.Nop(), next)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no Access-Control-Allow-Origin header, got %q", got)
	}
}

func TestApplyCORSNoOriginHeader(t *testing.T) {
	c := &corsCache{}
	route := &Route{CORSPolicy: &CORSPolicy{OriginPattern: ".*", AllowedMethods: []string{"GET"}}}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := c.applyCORS(route, nil, zerolog.Nop(), next)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no Access-Control-Allow-Origin header without an Origin request header, got %q", got)
	}
}
