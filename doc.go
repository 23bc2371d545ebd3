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

// Package gatewayd turns declarative route configuration into live REST
// endpoints with no per-endpoint application code. A [Config] describes a
// set of routes, each backed by a chain of parameterized SQL queries or a
// reverse-proxy target, along with JWT/OIDC or API-key authorization,
// CORS, response caching, and multi-store file uploads.
//
// The [Gateway] type is the runtime: it resolves incoming requests against
// the configured routes, builds a parameter bundle from the request's
// path, query string, body, headers and auth claims, and dispatches to the
// configured query chain or proxy target. Runtime dependencies that don't
// belong in the configuration (logging sink, metrics reporting) are
// supplied via [Runtime]; the response cache is created internally.
package gatewayd
