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

import "net/http"

// Normalized content-type values the rest of the pipeline branches on.
const (
	ContentJSON      = "application/json"
	ContentForm      = "application/x-www-form-urlencoded"
	ContentMultipart = "multipart/form-data"
	ContentOther     = ""
)

// classify resolves route's terminal action kind and the request's
// normalized content-type. A route with neither QueryDefinitions nor a
// ProxyTarget cannot happen past Config.Validate, so this never needs to
// report its own error — validate.go already rejected that configuration
// at load time.
func classify(route *Route, req *http.Request) (serviceType, contentType string) {
	contentType = getCT(req)
	switch contentType {
	case ContentJSON, ContentForm, ContentMultipart:
	default:
		contentType = ContentOther
	}
	return route.ServiceType, contentType
}
