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
	"crypto/subtle"
	"net/http"

	"github.com/rapidloop/gatewayd/gwerr"
)

// checkAPIKey enforces route.APIKeyCollections against the caller's
// x-api-key header: the header must equal a key present in the union of
// the named collections. A route with no collections configured passes
// trivially (this stage is independent of the JWT authorizer; when both
// are configured on a route, both must pass).
func checkAPIKey(route *Route, collections map[string][]string, req *http.Request) error {
	if len(route.APIKeyCollections) == 0 {
		return nil
	}
	supplied := req.Header.Get("x-api-key")
	if supplied == "" {
		return gwerr.Auth("x-api-key header is required")
	}
	suppliedBytes := []byte(supplied)
	for _, name := range route.APIKeyCollections {
		for _, key := range collections[name] {
			if subtle.ConstantTimeCompare([]byte(key), suppliedBytes) == 1 {
				return nil
			}
		}
	}
	return gwerr.Auth("invalid api key")
}
