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
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/rapidloop/gatewayd/cache"
	"github.com/rapidloop/gatewayd/gwerr"
)

// jwtAuthorizer is the JWT/OIDC authorization stage (spec.md §4.4). It
// shares the process-wide discovery and UserInfo caches across all routes
// and providers.
type jwtAuthorizer struct {
	discovery *cache.Store
	userinfo  *cache.Store
	client    *http.Client
	logger    zerolog.Logger
}

func newJWTAuthorizer(logger zerolog.Logger) *jwtAuthorizer {
	return &jwtAuthorizer{
		discovery: cache.New(),
		userinfo:  cache.New(),
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
	}
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

// authorize validates the bearer token on req against the provider named
// by route.AuthPolicy, returning the flattened claims view (token claims
// plus any UserInfo enrichment) for the Parameter Builder's auth group, or
// a *gwerr.Error describing the specific failure. Returns (nil, nil) when
// route has no AuthPolicy at all.
func (j *jwtAuthorizer) authorize(ctx context.Context, route *Route, providers map[string]*AuthProvider, req *http.Request) (map[string]any, error) {
	if route.AuthPolicy == nil {
		return nil, nil
	}
	provider, ok := providers[route.AuthPolicy.ProviderName]
	if !ok || provider == nil {
		return nil, gwerr.Internal("auth_provider_missing", nil,
			"route refers to unknown auth provider %q", route.AuthPolicy.ProviderName)
	}
	if provider.Authority == "" {
		return nil, gwerr.Internal("auth_authority_missing", nil,
			"auth provider %q has no authority configured", route.AuthPolicy.ProviderName)
	}

	authHeader := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) || len(authHeader) <= len(prefix) {
		return nil, gwerr.Auth("Authorization header is required")
	}
	tokenStr := strings.TrimSpace(authHeader[len(prefix):])

	doc, err := fetchDiscovery(ctx, j.discovery, j.client, provider.Authority)
	if err != nil {
		return nil, gwerr.Internal("oidc_discovery_failed", err, "failed to fetch OIDC discovery document")
	}
	keys, err := keysByKID(doc.RawJWKS)
	if err != nil {
		return nil, gwerr.Internal("oidc_jwks_invalid", err, "failed to reconstitute signing keys")
	}

	claims := jwt.MapClaims{}
	parserOpts := []jwt.ParserOption{
		jwt.WithLeeway(time.Duration(floatOr(provider.ClockSkewSeconds, 0) * float64(time.Second))),
	}
	if boolOr(provider.ValidateIssuer, true) {
		iss := provider.Issuer
		if iss == "" {
			iss = provider.Authority
		}
		parserOpts = append(parserOpts, jwt.WithIssuer(iss))
	}
	if boolOr(provider.ValidateAudience, true) && provider.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(provider.Audience))
	}
	if !boolOr(provider.ValidateLifetime, true) {
		parserOpts = append(parserOpts, jwt.WithoutClaimsValidation())
	}

	_, err = jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" && len(keys) == 1 {
			for _, k := range keys {
				return k, nil
			}
		}
		k, ok := keys[kid]
		if !ok {
			return nil, fmt.Errorf("no signing key found for kid %q", kid)
		}
		return k, nil
	}, parserOpts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, gwerr.Auth("Token has expired")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, gwerr.Auth("Invalid token signature")
		case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, jwt.ErrTokenUnverifiable),
			errors.Is(err, jwt.ErrTokenInvalidClaims), errors.Is(err, jwt.ErrTokenNotValidYet),
			errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
			return nil, gwerr.Auth("Invalid token")
		default:
			return nil, gwerr.Internal("jwt_parse_failed", err, "failed to validate token")
		}
	}

	identity := flattenIdentity(claims)

	if len(provider.UserInfoFallbackClaims) > 0 {
		missing := false
		for _, name := range provider.UserInfoFallbackClaims {
			if _, ok := identity[name]; !ok {
				missing = true
				break
			}
		}
		if missing {
			if enriched, err := j.enrichFromUserInfo(ctx, provider, doc, tokenStr, claims); err != nil {
				j.logger.Warn().Err(err).Msg("userinfo enrichment failed, proceeding without it")
			} else {
				for k, v := range enriched {
					if _, exists := identity[k]; !exists {
						identity[k] = v
					}
				}
			}
		}
	}

	if err := enforceScopesAndRoles(route.AuthPolicy, provider, claims); err != nil {
		return nil, err
	}

	return identity, nil
}

// flattenIdentity extracts the canonical identity fields from claims
// (user id, email, name) plus passes every raw claim through, per spec.md
// §4.4 step 5.
func flattenIdentity(claims jwt.MapClaims) map[string]any {
	out := make(map[string]any, len(claims)+3)
	for k, v := range claims {
		out[k] = v
	}
	if uid := firstString(claims, "nameidentifier", "sub", "oid"); uid != "" {
		out["user_id"] = uid
	}
	if email := firstString(claims, "email", "emails"); email != "" {
		out["email"] = email
	}
	if name := firstString(claims, "name"); name != "" {
		out["name"] = name
	}
	return out
}

func firstString(claims jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		v, ok := claims[k]
		if !ok {
			continue
		}
		switch vv := v.(type) {
		case string:
			if vv != "" {
				return vv
			}
		case []any:
			if len(vv) > 0 {
				if s, ok := vv[0].(string); ok {
					return s
				}
			}
		}
	}
	return ""
}

// enrichFromUserInfo calls the provider's UserInfo endpoint, caching the
// result under userinfo_claims:<base64(sha256(token))> with TTL
// min(configured_duration, token_expiry-now). A nil or zero
// UserInfoCacheDurationSeconds are treated identically (§9 open question
// 2): both mean "use token expiry" as the bound.
func (j *jwtAuthorizer) enrichFromUserInfo(ctx context.Context, provider *AuthProvider, doc *discoveryDoc, token string, claims jwt.MapClaims) (map[string]any, error) {
	if doc.UserinfoEndpoint == "" {
		return nil, fmt.Errorf("provider has no userinfo_endpoint")
	}

	var expiry time.Time
	if exp, ok := claims["exp"]; ok {
		if f, ok := toFloat(exp); ok {
			expiry = time.Unix(int64(f), 0)
		}
	}
	remaining := time.Until(expiry)
	if !expiry.IsZero() && remaining <= 0 {
		return nil, fmt.Errorf("token already expired, not calling userinfo")
	}

	configured := floatOr(provider.UserInfoCacheDurationSeconds, 0)
	ttl := remaining
	if configured > 0 {
		configuredDur := time.Duration(configured * float64(time.Second))
		if !expiry.IsZero() && configuredDur < remaining {
			ttl = configuredDur
		} else if expiry.IsZero() {
			ttl = configuredDur
		}
	}
	if ttl <= 0 {
		ttl = 0
	}

	sum := sha256.Sum256([]byte(token))
	key := "userinfo_claims:" + base64.StdEncoding.EncodeToString(sum[:])

	timeout := time.Duration(floatOr(provider.UserInfoTimeoutSeconds, 5) * float64(time.Second))
	raw, err := j.userinfo.GetOrProduce(key, ttl, func() ([]byte, error) {
		uctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(uctx, http.MethodGet, doc.UserinfoEndpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := j.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("userinfo endpoint returned status %d", resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parsing userinfo response: %w", err)
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// enforceScopesAndRoles checks required_scopes/required_roles, route
// overrides taking precedence over the provider's defaults.
func enforceScopesAndRoles(policy *AuthPolicy, provider *AuthProvider, claims jwt.MapClaims) error {
	requiredScopes := provider.RequiredScopes
	if policy.RequiredScopes != nil {
		requiredScopes = policy.RequiredScopes
	}
	requiredRoles := provider.RequiredRoles
	if policy.RequiredRoles != nil {
		requiredRoles = policy.RequiredRoles
	}

	if len(requiredScopes) > 0 {
		have := make(map[string]bool)
		for _, claimName := range []string{"scp", "scope"} {
			if v, ok := claims[claimName]; ok {
				for _, s := range strings.Fields(fmt.Sprintf("%v", v)) {
					have[s] = true
				}
			}
		}
		for _, s := range requiredScopes {
			if !have[s] {
				return gwerr.Forbidden("missing required scope %q", s)
			}
		}
	}

	// roles claim fallback (spec.md §9 open question 3): rolesFromClaims
	// reads the secondary claim source whenever the primary one yields no
	// roles, whether the primary claim is absent or present but empty.
	if len(requiredRoles) > 0 {
		roles := rolesFromClaims(claims)
		have := make(map[string]bool, len(roles))
		for _, r := range roles {
			have[strings.ToLower(r)] = true
		}
		for _, r := range requiredRoles {
			if !have[strings.ToLower(r)] {
				return gwerr.Forbidden("missing required role %q", r)
			}
		}
	}
	return nil
}

func rolesFromClaims(claims jwt.MapClaims) []string {
	roles := stringsFromClaim(claims["roles"])
	if len(roles) == 0 {
		roles = stringsFromClaim(claims["role"])
	}
	return roles
}

func stringsFromClaim(v any) []string {
	switch vv := v.(type) {
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(vv)
	}
	return nil
}
