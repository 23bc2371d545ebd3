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
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Route Resolver (spec.md §4.1). Registration onto the chi.Mux is done
// directly by server.go's setupRouter, reusing chi's own exact-vs-wildcard
// precedence (chi already prefers a static match over a "/*" catch-all
// registered on a shorter prefix, which is exactly the invariant spec.md
// §3 requires). router.go's job is the two things chi doesn't do for us:
// detecting ambiguous registrations at config-load time, and computing
// "remaining_path" for a matched wildcard route.

// isWildcardPath reports whether path ends in the wildcard suffix.
func isWildcardPath(path string) bool {
	return strings.HasSuffix(path, "/*")
}

// remainingPath returns the wildcard-captured suffix of a matched request,
// with its leading separator preserved, or "" for an exact route.
func remainingPath(req *http.Request) string {
	rctx := chi.RouteContext(req.Context())
	if rctx == nil {
		return ""
	}
	wc := rctx.URLParam("*")
	if wc == "" {
		return ""
	}
	return "/" + wc
}

// routeRegistration is one (path, methodset) pair checked for ambiguity.
type routeRegistration struct {
	routeID string
	path    string
	methods []string
}

// checkRouteAmbiguity implements the "no two routes may match the same
// (path, method) except wildcard routes have strictly lower precedence
// than exact routes" invariant (spec.md §3) as a load-time check: two
// routes collide when they register the identical literal path and their
// method sets intersect (an empty method set means "any method"). Wildcard
// vs. exact routes on different static prefixes never collide by
// definition, so only identical-path collisions are flagged here.
func checkRouteAmbiguity(routes map[string]*Route) []ValidationResult {
	var regs []routeRegistration
	for id, route := range routes {
		regs = append(regs, routeRegistration{routeID: id, path: route.Path, methods: route.Methods})
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].routeID < regs[j].routeID })

	var out []ValidationResult
	for i := 0; i < len(regs); i++ {
		for j := i + 1; j < len(regs); j++ {
			if regs[i].path != regs[j].path {
				continue
			}
			if methodSetsIntersect(regs[i].methods, regs[j].methods) {
				out = addError(out, "routes "+regs[i].routeID+" and "+regs[j].routeID+
					" register the same path "+regs[i].path+" with overlapping methods")
			}
		}
	}
	return out
}

func methodSetsIntersect(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true // empty means "any method"
	}
	set := make(map[string]bool, len(a))
	for _, m := range a {
		set[strings.ToUpper(m)] = true
	}
	for _, m := range b {
		if set[strings.ToUpper(m)] {
			return true
		}
	}
	return false
}
