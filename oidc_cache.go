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
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/rapidloop/gatewayd/cache"
)

const oidcDiscoveryTTL = 24 * time.Hour

// discoveryDoc is the OIDC discovery cache entry of spec.md §3: issuer,
// jwks_uri and userinfo_endpoint plus the raw JWKS JSON. Signing keys are
// never stored as parsed key objects — they are reconstituted from
// RawJWKS on every read, because opaque key structures do not round-trip
// through the generic byte-slice cache.
type discoveryDoc struct {
	Issuer           string          `json:"issuer"`
	JWKSURI          string          `json:"jwks_uri"`
	UserinfoEndpoint string          `json:"userinfo_endpoint"`
	RawJWKS          json.RawMessage `json:"raw_jwks_json"`
}

type wellKnownDoc struct {
	Issuer           string `json:"issuer"`
	JWKSURI          string `json:"jwks_uri"`
	UserinfoEndpoint string `json:"userinfo_endpoint"`
}

// fetchDiscovery returns the (possibly cached) discovery document for
// authority, fetching and caching it on miss. The key is
// "oidc_discovery:<trimmed-authority>", TTL 24h, exactly per spec.md §4.4.
func fetchDiscovery(ctx context.Context, store *cache.Store, client *http.Client, authority string) (*discoveryDoc, error) {
	authority = strings.TrimRight(authority, "/")
	key := "oidc_discovery:" + authority

	raw, err := store.GetOrProduce(key, oidcDiscoveryTTL, func() ([]byte, error) {
		wk, err := getJSON[wellKnownDoc](ctx, client, authority+"/.well-known/openid-configuration")
		if err != nil {
			return nil, fmt.Errorf("fetching discovery document: %w", err)
		}
		if wk.JWKSURI == "" {
			return nil, fmt.Errorf("discovery document for %s has no jwks_uri", authority)
		}
		jwksReq, err := http.NewRequestWithContext(ctx, http.MethodGet, wk.JWKSURI, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(jwksReq)
		if err != nil {
			return nil, fmt.Errorf("fetching jwks: %w", err)
		}
		defer resp.Body.Close()
		rawJWKS, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("reading jwks body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetching jwks: status %d", resp.StatusCode)
		}
		doc := discoveryDoc{
			Issuer:           wk.Issuer,
			JWKSURI:          wk.JWKSURI,
			UserinfoEndpoint: wk.UserinfoEndpoint,
			RawJWKS:          rawJWKS,
		}
		return json.Marshal(&doc)
	})
	if err != nil {
		return nil, err
	}
	var doc discoveryDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("corrupt cached discovery document: %w", err)
	}
	return &doc, nil
}

// keysByKID reconstitutes the signing keys from raw JWKS JSON into a
// kid -> crypto public key map. Absence of any usable key is a hard
// failure (surfaced as a 500 by the caller, per spec.md §4.4 step 2).
func keysByKID(rawJWKS json.RawMessage) (map[string]crypto.PublicKey, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(rawJWKS, &set); err != nil {
		return nil, fmt.Errorf("parsing jwks: %w", err)
	}
	out := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Key == nil {
			continue
		}
		out[k.KeyID] = k.Key
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("jwks contains no usable signing keys")
	}
	return out, nil
}

func getJSON[T any](ctx context.Context, client *http.Client, url string) (*T, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	var out T
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
