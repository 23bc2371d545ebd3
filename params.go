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
	"compress/flate"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

//------------------------------------------------------------------------------
// parameter bundle
//
// The parameter bundle is an ordered sequence of groups, appended in the
// order headers, json body, form body, query string, auth claims, route
// params, settings vars. A bare `{{name}}` marker resolves by scanning the
// groups from last-appended to first, returning the value from the first
// group whose data model contains that key; a prefixed marker like
// `{j{name}}` resolves against exactly one named group and no other.

const (
	groupHeader = iota
	groupJSON
	groupForm
	groupQueryString
	groupAuth
	groupRoute
	groupSettings
	numGroups
)

// prefixToGroup maps a marker's namespace word to its owning group. "s" and
// "settings" are aliases for the same group, matching spec.md §4.6.
var prefixToGroup = map[string]int{
	"j":        groupJSON,
	"f":        groupForm,
	"qs":       groupQueryString,
	"r":        groupRoute,
	"h":        groupHeader,
	"auth":     groupAuth,
	"s":        groupSettings,
	"settings": groupSettings,
}

// markerRx recognizes both the generic `{{name}}` form and the
// source-prefixed `{prefix{name}}` form. Marker scanning always uses this
// fixed grammar, since every default pattern in spec.md §4.6 shares it; the
// per-source pattern overrides (Config.Regex / Route.RegexOverrides) are
// not read here, and validate.go does not check them either.
var markerRx = regexp.MustCompile(`\{(j|f|qs|r|h|auth|s|settings)?\{([^{}]+?)\}\}`)

// ParamGroup is one group of the parameter bundle.
type ParamGroup struct {
	// DataModel maps a parameter name to its value. Nil if the source had
	// no data, in which case markers bound to this group resolve to null.
	DataModel map[string]any
}

// ParamBundle is the full ordered set of parameter groups for one request.
type ParamBundle struct {
	groups [numGroups]ParamGroup
}

// resolveGeneric resolves name by scanning groups from last-appended (most
// specific: settings) to first (headers), returning the value from the
// first group whose data model contains the key.
func (b *ParamBundle) resolveGeneric(name string) (v any, ok bool) {
	for g := numGroups - 1; g >= 0; g-- {
		if b.groups[g].DataModel == nil {
			continue
		}
		if v, ok = b.groups[g].DataModel[name]; ok {
			return
		}
	}
	return nil, false
}

// resolveGroup resolves name against exactly one named group.
func (b *ParamBundle) resolveGroup(group int, name string) (v any, ok bool) {
	if b.groups[group].DataModel == nil {
		return nil, false
	}
	v, ok = b.groups[group].DataModel[name]
	return
}

// set overwrites (or creates) a key in the given group's data model. Used by
// the type/range validator to store the coerced value back into the bundle.
func (b *ParamBundle) set(group int, name string, v any) {
	if b.groups[group].DataModel == nil {
		b.groups[group].DataModel = make(map[string]any)
	}
	b.groups[group].DataModel[name] = v
}

//------------------------------------------------------------------------------
// building the bundle

func joinMulti(vs []string) string {
	return strings.Join(vs, "|")
}

func valuesToModel(v url.Values) map[string]any {
	if len(v) == 0 {
		return nil
	}
	out := make(map[string]any, len(v))
	for k, vs := range v {
		out[k] = joinMulti(vs)
	}
	return out
}

func headersToModel(h http.Header) map[string]any {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]any, len(h))
	for k, vs := range h {
		out[strings.ToLower(k)] = joinMulti(vs)
	}
	return out
}

func getCT(req *http.Request) (out string) {
	out = req.Header.Get("Content-Type")
	if pos := strings.IndexByte(out, ';'); pos > 0 {
		out = out[:pos]
	}
	return strings.TrimSpace(out)
}

// buildParamBundle materializes the parameter bundle for req against route.
// claims holds the auth claims resolved by the JWT/API-key stage (may be
// nil for unauthenticated routes). It returns the raw, not-yet-staged value
// of the route's files data field (if any), which the File-Upload Stager
// processes before it is written back into the JSON/form group.
func buildParamBundle(req *http.Request, route *Route, vars map[string]any,
	claims map[string]any, logger zerolog.Logger) (bundle *ParamBundle, rawFiles any, filesField string, multipartForm *multipart.Form, err error) {

	bundle = &ParamBundle{}
	bundle.groups[groupHeader] = ParamGroup{DataModel: headersToModel(req.Header)}
	bundle.groups[groupAuth] = ParamGroup{DataModel: claims}
	bundle.groups[groupSettings] = ParamGroup{DataModel: vars}

	// route params, from chi's URL param list
	rctx := chi.RouteContext(req.Context())
	if rctx != nil && len(rctx.URLParams.Keys) > 0 {
		rp := make(map[string]any, len(rctx.URLParams.Keys))
		for i, k := range rctx.URLParams.Keys {
			rp[k] = rctx.URLParams.Values[i]
		}
		bundle.groups[groupRoute] = ParamGroup{DataModel: rp}
	}

	if route.FileManagementPolicy != nil {
		filesField = route.FileManagementPolicy.FilesDataField
		if filesField == "" {
			filesField = "files"
		}
	}

	if req.Method == http.MethodGet || req.Method == http.MethodDelete {
		bundle.groups[groupQueryString] = ParamGroup{DataModel: valuesToModel(req.URL.Query())}
		return bundle, nil, filesField, nil, nil
	}
	bundle.groups[groupQueryString] = ParamGroup{DataModel: valuesToModel(req.URL.Query())}

	// restore the body stream on every exit path
	var bodyCopy []byte
	if req.Body != nil {
		bodyCopy, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, nil, filesField, nil, fmt.Errorf("failed to buffer request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(bodyCopy))
	}
	defer func() {
		req.Body = io.NopCloser(bytes.NewReader(bodyCopy))
	}()

	body := io.Reader(bytes.NewReader(bodyCopy))
	wrapped := false
	switch req.Header.Get("Content-Encoding") {
	case "gzip":
		gr, gerr := gzip.NewReader(body)
		if gerr != nil {
			logger.Error().Err(gerr).Msg("failed to initialize gzip reader")
			return nil, nil, filesField, nil, fmt.Errorf("failed to initialize gzip reader: %w", gerr)
		}
		body = gr
		wrapped = true
	case "deflate":
		body = flate.NewReader(body)
		wrapped = true
	}

	ct := getCT(req)
	switch {
	case ct == "application/json":
		var jsonData map[string]any
		dec := json.NewDecoder(body)
		if derr := dec.Decode(&jsonData); derr != nil && derr != io.EOF {
			logger.Warn().Err(derr).Msg("failed to decode json object in request body")
		} else if jsonData != nil {
			if filesField != "" {
				if fv, ok := jsonData[filesField]; ok {
					rawFiles = fv
					delete(jsonData, filesField)
				}
			}
			bundle.groups[groupJSON] = ParamGroup{DataModel: jsonData}
		}
	case ct == "application/x-www-form-urlencoded":
		b, _ := io.ReadAll(body)
		req.Body = io.NopCloser(bytes.NewReader(b))
		if ferr := req.ParseForm(); ferr != nil {
			logger.Warn().Err(ferr).Msg("failed to parse form data in request body")
		} else {
			fd := req.PostForm
			if filesField != "" {
				if fv, ok := fd[filesField]; ok {
					rawFiles = fv
					delete(fd, filesField)
				}
			}
			bundle.groups[groupForm] = ParamGroup{DataModel: valuesToModel(fd)}
		}
	case ct == "multipart/form-data":
		b, _ := io.ReadAll(body)
		req.Body = io.NopCloser(bytes.NewReader(b))
		if merr := req.ParseMultipartForm(32 << 20); merr != nil {
			logger.Warn().Err(merr).Msg("failed to parse multipart form in request body")
		} else if req.MultipartForm != nil {
			fd := url.Values(req.MultipartForm.Value)
			multipartForm = req.MultipartForm
			if filesField != "" {
				if fhs, ok := req.MultipartForm.File[filesField]; ok {
					rawFiles = fhs
				}
			}
			bundle.groups[groupForm] = ParamGroup{DataModel: valuesToModel(fd)}
		}
	}

	if wrapped {
		if rc, ok := body.(io.Closer); ok {
			if cerr := rc.Close(); cerr != nil {
				logger.Warn().Err(cerr).Msg("failed to close gzip/deflate reader")
			}
		}
	}

	return bundle, rawFiles, filesField, multipartForm, nil
}

//------------------------------------------------------------------------------
// type/range validation, generalized from the teacher's isSuitable/checkXxx.
// Resolved values are coerced and written back into the bundle so that
// marker lowering (querychain.go) binds correctly typed parameters.

type paramInfo struct {
	rx   *regexp.Regexp // compiled "^{.Pattern}$"
	enum any            // []string, []int64 or []float64
}

func buildParamInfo(p *Param) *paramInfo {
	var info paramInfo
	if len(p.Pattern) > 0 {
		if rx, err := regexp.Compile("^" + p.Pattern + "$"); err == nil {
			info.rx = rx
		}
	}
	if len(p.Enum) > 0 && (p.Type == "string" || p.Type == "integer" || p.Type == "number") {
		var sa []string
		var ia []int64
		var na []float64
		for _, v := range p.Enum {
			switch p.Type {
			case "string":
				if s, ok := v.(string); ok {
					sa = append(sa, s)
				}
			case "integer":
				if i, ok := v.(int64); ok {
					ia = append(ia, i)
				} else if i, ok := v.(uint64); ok {
					ia = append(ia, int64(i))
				} else if f, ok := v.(float64); ok {
					if i, ok := float2int(f); ok {
						ia = append(ia, i)
					}
				} else if s, ok := v.(string); ok {
					if i, err := strconv.ParseInt(s, 10, 64); err == nil {
						ia = append(ia, i)
					}
				}
			case "number":
				if i, ok := v.(int64); ok {
					na = append(na, float64(i))
				} else if i, ok := v.(uint64); ok {
					na = append(na, float64(i))
				} else if f, ok := v.(float64); ok {
					na = append(na, f)
				} else if s, ok := v.(string); ok {
					if f, err := strconv.ParseFloat(s, 64); err == nil {
						na = append(na, f)
					}
				}
			}
		}
		if len(sa) > 0 {
			info.enum = sa
		} else if len(ia) > 0 {
			info.enum = ia
		} else if len(na) > 0 {
			info.enum = na
		}
	}
	if info.rx == nil && info.enum == nil {
		return nil
	}
	return &info
}

func isSuitable(pi *paramInfo, p *Param, v any) (out any, err error) {
	var s string
	sv := false
	if sa, ok := v.([]string); ok && len(sa) == 1 {
		s = sa[0]
		sv = true
	} else {
		s, sv = v.(string)
	}

	switch p.Type {
	case "string":
		if sv {
			return checkString(pi, p, s)
		}
		return nil, errors.New("not a string")
	case "integer":
		if sv {
			return checkIntegerAny(pi, p, s)
		}
		return checkIntegerAny(pi, p, v)
	case "number":
		if sv {
			return checkFloatAny(pi, p, s)
		}
		return checkFloatAny(pi, p, v)
	case "boolean":
		if sv {
			if s == "" {
				return true, nil // empty query/form value means "present" => true
			}
			return checkBoolAny(pi, p, s)
		}
		return checkBoolAny(pi, p, v)
	case "array":
		return checkArrayAny(pi, p, v)
	}
	return nil, errors.New("unknown parameter type")
}

func checkStringAny(pi *paramInfo, p *Param, v any) (string, error) {
	if s, ok := v.(string); ok {
		return checkString(pi, p, s)
	}
	return "", fmt.Errorf("cannot convert value of type %T to string", v)
}

func checkString(pi *paramInfo, p *Param, s string) (string, error) {
	if len(p.Enum) > 0 {
		if pi != nil {
			for _, v := range pi.enum.([]string) {
				if v == s {
					return s, nil
				}
			}
		}
		return "", errors.New("does not match any of the enumerated values")
	}
	if p.MaxLength != nil && *p.MaxLength >= 0 && len(s) > *p.MaxLength {
		return "", fmt.Errorf("exceeds specified max length of %d", *p.MaxLength)
	}
	if len(p.Pattern) > 0 && pi != nil && pi.rx != nil {
		if !pi.rx.MatchString(s) {
			return "", fmt.Errorf("does not match pattern %s", p.Pattern)
		}
	}
	return s, nil
}

func checkIntegerAny(pi *paramInfo, p *Param, v any) (int64, error) {
	if s, ok := v.(string); ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			if i, ok := float2int(f); ok {
				return checkInteger(pi, p, i)
			}
		}
		return 0, errors.New("not a valid integer")
	} else if f, ok := v.(float64); ok {
		if i, ok := float2int(f); ok {
			return checkInteger(pi, p, i)
		}
	} else if i, ok := v.(int64); ok {
		return checkInteger(pi, p, i)
	}
	return 0, fmt.Errorf("cannot convert value of type %T to integer", v)
}

func checkInteger(pi *paramInfo, p *Param, i int64) (int64, error) {
	if len(p.Enum) > 0 {
		if pi != nil {
			for _, v := range pi.enum.([]int64) {
				if v == i {
					return i, nil
				}
			}
		}
		return 0, errors.New("does not match any of the enumerated values")
	}
	if p.Minimum != nil {
		if min := int64(*p.Minimum); i < min {
			return 0, fmt.Errorf("is lower than the minimum of %d", min)
		}
	}
	if p.Maximum != nil {
		if max := int64(*p.Maximum); i > max {
			return 0, fmt.Errorf("is higher than the maximum of %d", max)
		}
	}
	return i, nil
}

func checkFloatAny(pi *paramInfo, p *Param, v any) (float64, error) {
	if s, ok := v.(string); ok {
		if f, err := strconv.ParseFloat(s, 64); err != nil {
			return 0, errors.New("not a valid number")
		} else {
			return checkFloat(pi, p, f)
		}
	} else if f, ok := v.(float64); ok && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return checkFloat(pi, p, f)
	}
	return 0, fmt.Errorf("cannot convert value of type %T to number", v)
}

func checkFloat(pi *paramInfo, p *Param, f float64) (float64, error) {
	if len(p.Enum) > 0 {
		if pi != nil {
			for _, v := range pi.enum.([]float64) {
				if v == f {
					return f, nil
				}
			}
		}
		return 0, errors.New("does not match any of the enumerated values")
	}
	if p.Minimum != nil {
		if min := *p.Minimum; f < min {
			return 0, fmt.Errorf("is lower than the minimum of %g", min)
		}
	}
	if p.Maximum != nil {
		if max := *p.Maximum; f > max {
			return 0, fmt.Errorf("is higher than the maximum of %g", max)
		}
	}
	return f, nil
}

func float2int(f float64) (i int64, ok bool) {
	if i, frac := math.Modf(f); math.Abs(frac) < 1e-9 {
		return int64(i), true
	}
	return 0, false
}

func checkBoolAny(pi *paramInfo, p *Param, v any) (out bool, err error) {
	if s, ok := v.(string); ok {
		s = strings.ToLower(s)
		if s == "true" {
			return true, nil
		} else if s == "false" {
			return false, nil
		}
	} else if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("cannot convert value of type %T to boolean", v)
}

func checkArrayAny(pi *paramInfo, p *Param, v any) (out any, err error) {
	if sa, ok := v.([]string); ok {
		aa := make([]any, len(sa))
		for i := range sa {
			aa[i] = sa[i]
		}
		return checkArray(pi, p, aa)
	} else if s, ok := v.(string); ok {
		sa := strings.Split(s, "|")
		aa := make([]any, len(sa))
		for i := range sa {
			aa[i] = sa[i]
		}
		return checkArray(pi, p, aa)
	} else if aa, ok := v.([]any); ok {
		return checkArray(pi, p, aa)
	}
	return nil, fmt.Errorf("cannot convert value of type %T to array", v)
}

func checkArray(pi *paramInfo, p *Param, v []any) (out any, err error) {
	if p.MinItems != nil && len(v) < *p.MinItems {
		return nil, fmt.Errorf("fewer than the specified minimum of %d items", *p.MinItems)
	}
	if p.MaxItems != nil && len(v) > *p.MaxItems {
		return nil, fmt.Errorf("more than the specified maximum of %d items", *p.MaxItems)
	}

	var (
		sa []string
		ia []int64
		fa []float64
		ba []bool
	)
	for j, ev := range v {
		switch p.ElemType {
		case "integer":
			if i, err := checkIntegerAny(pi, p, ev); err != nil {
				return nil, fmt.Errorf("element #%d: %v", j+1, err)
			} else {
				ia = append(ia, i)
			}
		case "number":
			if f, err := checkFloatAny(pi, p, ev); err != nil {
				return nil, fmt.Errorf("element #%d: %v", j+1, err)
			} else {
				fa = append(fa, f)
			}
		case "string":
			if s, err := checkStringAny(pi, p, ev); err != nil {
				return nil, fmt.Errorf("element #%d: %v", j+1, err)
			} else {
				sa = append(sa, s)
			}
		case "boolean":
			if b, err := checkBoolAny(pi, p, ev); err != nil {
				return nil, fmt.Errorf("element #%d: %v", j+1, err)
			} else {
				ba = append(ba, b)
			}
		}
	}
	switch p.ElemType {
	case "integer":
		return ia, nil
	case "number":
		return fa, nil
	case "string":
		return sa, nil
	case "boolean":
		return ba, nil
	}
	return nil, fmt.Errorf("invalid elemType %q", p.ElemType)
}

// typeCheckRouteParams validates and coerces every declared parameter of
// route against bundle, writing the coerced value back into whichever group
// it was resolved from. pinfo supplies the per-parameter compiled
// enum/pattern cache (see Gateway.prepareParams).
func typeCheckRouteParams(route *Route, bundle *ParamBundle, pinfo func(name string) *paramInfo) error {
	for i := range route.Params {
		p := &route.Params[i]
		group, v, ok := resolveWithGroup(bundle, p.Name)
		if !ok {
			if p.Required {
				return fmt.Errorf("param %q: value required but not supplied", p.Name)
			}
			continue
		}
		v2, err := isSuitable(pinfo(p.Name), p, v)
		if err != nil {
			return fmt.Errorf("param %q: invalid value: %v", p.Name, err)
		}
		bundle.set(group, p.Name, v2)
	}
	return nil
}

// resolveWithGroup is like ParamBundle.resolveGeneric but also reports which
// group the value came from, so a coerced value can be written back there.
func resolveWithGroup(b *ParamBundle, name string) (group int, v any, ok bool) {
	for g := numGroups - 1; g >= 0; g-- {
		if b.groups[g].DataModel == nil {
			continue
		}
		if v, ok = b.groups[g].DataModel[name]; ok {
			return g, v, true
		}
	}
	return 0, nil, false
}

// checkMandatory enforces route.MandatoryParameterNames: every named
// parameter must resolve to a non-null value.
func checkMandatory(route *Route, bundle *ParamBundle) error {
	for _, name := range route.MandatoryParameterNames {
		if v, ok := bundle.resolveGeneric(name); !ok || v == nil {
			return fmt.Errorf("param %q: mandatory value not supplied", name)
		}
	}
	return nil
}
