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
	"fmt"
	"math"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

//------------------------------------------------------------------------------

func addWarn(r []ValidationResult, msg string) []ValidationResult {
	return append(r, ValidationResult{
		Warn:    true,
		Message: msg,
	})
}

func addError(r []ValidationResult, msg string) []ValidationResult {
	return append(r, ValidationResult{
		Warn:    false,
		Message: msg,
	})
}

//------------------------------------------------------------------------------
// server

var (
	rxPort   = regexp.MustCompile(`:[0-9]+$`)
	rxPrefix = regexp.MustCompile(`^(/[A-Za-z0-9_.-]+)+$`)
)

func (c *Config) validate() (r []ValidationResult) {
	// Version
	if !semver.IsValid("v" + c.Version) {
		r = addError(r, fmt.Sprintf("invalid schema version %q: must be semver", c.Version))
	} else if semver.Canonical("v"+c.Version) != "v1.0.0" {
		r = addError(r, fmt.Sprintf("incompatible schema version %q", c.Version))
	}
	// Listen
	if len(c.Listen) > 0 {
		l := c.Listen
		if !rxPort.MatchString(c.Listen) {
			l += ":8080"
		}
		if host, port, err := net.SplitHostPort(l); err != nil {
			r = addError(r, fmt.Sprintf("invalid listen specification %q", c.Listen))
		} else if nport, err := strconv.Atoi(port); err != nil || nport <= 0 || nport >= 65535 {
			r = addError(r, fmt.Sprintf("invalid listen specification: bad port %q", port))
		} else if host != "" && net.ParseIP(host) == nil {
			r = addError(r, fmt.Sprintf("invalid listen specification: bad IP %q", host))
		}
	}
	// CommonPrefix
	if len(c.CommonPrefix) > 0 {
		if !rxPrefix.MatchString(c.CommonPrefix) {
			r = addError(r, fmt.Sprintf("invalid common prefix %q", c.CommonPrefix))
		}
	}
	// CORS
	if c.CORS != nil {
		r = append(r, c.CORS.validate("default cors:")...)
	}
	// Cache
	if c.Cache != nil {
		r = append(r, c.Cache.validate("default cache:")...)
	}
	// Datasources
	dsNames := make(map[string]int)
	for i := range c.Datasources {
		dsNames[c.Datasources[i].Name] += 1
		r = append(r, c.Datasources[i].validate()...)
	}
	for n, cnt := range dsNames {
		if cnt > 1 {
			r = addError(r, fmt.Sprintf("%d datasources named %q", cnt, n))
		}
	}
	// Authorize providers
	if c.Authorize != nil {
		for name, p := range c.Authorize.Providers {
			r = append(r, p.validate(fmt.Sprintf("auth provider %q:", name))...)
		}
	}
	// File management
	storeNames := make(map[string]int)
	if c.FileManagement != nil {
		for i := range c.FileManagement.LocalStores {
			s := c.FileManagement.LocalStores[i]
			storeNames[s.Name] += 1
			if !rxName.MatchString(s.Name) {
				r = addError(r, fmt.Sprintf("local store %q: invalid name", s.Name))
			}
			if len(strings.TrimSpace(s.BasePath)) == 0 {
				r = addError(r, fmt.Sprintf("local store %q: base path is empty", s.Name))
			}
		}
		for i := range c.FileManagement.SFTPStores {
			s := c.FileManagement.SFTPStores[i]
			storeNames[s.Name] += 1
			if !rxName.MatchString(s.Name) {
				r = addError(r, fmt.Sprintf("sftp store %q: invalid name", s.Name))
			}
			if len(s.Host) == 0 {
				r = addError(r, fmt.Sprintf("sftp store %q: host is empty", s.Name))
			}
		}
		for n, cnt := range storeNames {
			if cnt > 1 {
				r = addError(r, fmt.Sprintf("%d file stores named %q", cnt, n))
			}
		}
	}
	// Routes
	for id, route := range c.Routes {
		if route == nil {
			r = addError(r, fmt.Sprintf("route %q: nil definition", id))
			continue
		}
		r = append(r, route.validate(id, c.Datasources, c.Authorize, storeNames)...)
	}
	r = append(r, checkRouteAmbiguity(c.Routes)...)
	return
}

//------------------------------------------------------------------------------
// cors

func (c *CORSPolicy) validate(pfx string) (r []ValidationResult) {
	if len(c.OriginPattern) > 0 {
		if _, err := regexp.Compile(c.OriginPattern); err != nil {
			r = addError(r, fmt.Sprintf("%s invalid origin pattern: %v", pfx, err))
		}
	}
	for _, m := range c.AllowedMethods {
		if !rxMethod.MatchString(m) {
			r = addError(r, fmt.Sprintf("%s allowed methods: invalid method %q", pfx, m))
		}
	}
	if c.MaxAge != nil && *c.MaxAge <= 0 {
		r = addWarn(r, fmt.Sprintf("%s max age %d is <=0, will be ignored", pfx, *c.MaxAge))
	}
	return
}

//------------------------------------------------------------------------------
// cache

func (c *CachePolicy) validate(pfx string) (r []ValidationResult) {
	if c.TTLSeconds <= 0 {
		r = addWarn(r, fmt.Sprintf("%s ttl %g is <=0, caching disabled", pfx, c.TTLSeconds))
	}
	if c.MaxInvalidatorValueLength < 0 {
		r = addError(r, fmt.Sprintf("%s maxInvalidatorValueLength must be >= 0", pfx))
	}
	return
}

//------------------------------------------------------------------------------
// auth provider

func (p *AuthProvider) validate(pfx string) (r []ValidationResult) {
	if len(strings.TrimSpace(p.Authority)) == 0 {
		r = addError(r, fmt.Sprintf("%s authority is required", pfx))
	} else if u, err := url.Parse(p.Authority); err != nil || u.Scheme == "" || u.Host == "" {
		r = addError(r, fmt.Sprintf("%s invalid authority %q", pfx, p.Authority))
	}
	if p.ClockSkewSeconds != nil && *p.ClockSkewSeconds < 0 {
		r = addError(r, fmt.Sprintf("%s clockSkewSeconds must be >= 0", pfx))
	}
	if p.UserInfoTimeoutSeconds != nil && *p.UserInfoTimeoutSeconds <= 0 {
		r = addWarn(r, fmt.Sprintf("%s userinfoTimeoutSeconds %g is <=0, will be ignored",
			pfx, *p.UserInfoTimeoutSeconds))
	}
	return
}

//------------------------------------------------------------------------------
// route

var rxURI = regexp.MustCompile(`^(/(({[A-Za-z0-9_.-]+})|([A-Za-z0-9_.-]+)|(\*)))+$`)
var rxMethod = regexp.MustCompile(`^((GET)|(POST)|(PUT)|(PATCH)|(DELETE)|(HEAD))$`)

func (route *Route) validate(id string, ds []Datasource, auth *AuthorizeConfig, stores map[string]int) (r []ValidationResult) {
	pfx := fmt.Sprintf("route %q:", id)
	// Path
	if !rxURI.MatchString(route.Path) && route.Path != "/" {
		r = addError(r, fmt.Sprintf("%s invalid path %q", pfx, route.Path))
	}
	// Methods
	for i, m := range route.Methods {
		if !rxMethod.MatchString(m) {
			r = addError(r, fmt.Sprintf("%s method #%d: invalid method %q", pfx, i+1, m))
		}
	}
	// Params
	paramNames := make(map[string]int)
	for i := range route.Params {
		paramNames[route.Params[i].Name] += 1
		r = append(r, route.Params[i].validate(pfx)...)
	}
	for n, cnt := range paramNames {
		if cnt > 1 {
			r = addError(r, fmt.Sprintf("%s %d params named %q", pfx, cnt, n))
		}
	}
	// ServiceType
	switch route.ServiceType {
	case ServiceTypeDBQuery:
		if len(route.QueryDefinitions) == 0 {
			r = addError(r, fmt.Sprintf("%s db_query route needs at least one query definition", pfx))
		}
		r = append(r, validateQueryChain(pfx, route.QueryDefinitions, ds)...)
		if route.CountQuery != nil {
			r = append(r, route.CountQuery.validate(pfx+" countQuery:", ds)...)
			if route.ResponseStructure == ResponseFile {
				r = addError(r, fmt.Sprintf("%s responseStructure file cannot be combined with a countQuery", pfx))
			}
		}
		switch route.ResponseStructure {
		case "", ResponseAuto, ResponseSingle, ResponseArray, ResponseFile:
		default:
			r = addError(r, fmt.Sprintf("%s invalid responseStructure %q", pfx, route.ResponseStructure))
		}
	case ServiceTypeAPIGateway:
		if route.ProxyTarget == nil {
			r = addError(r, fmt.Sprintf("%s api_gateway route requires a proxyTarget", pfx))
		} else {
			r = append(r, route.ProxyTarget.validate(pfx)...)
		}
	default:
		r = addError(r, fmt.Sprintf("%s invalid serviceType %q", pfx, route.ServiceType))
	}
	// CachePolicy
	if route.CachePolicy != nil {
		r = append(r, route.CachePolicy.validate(pfx+" cache:")...)
	}
	// CORSPolicy
	if route.CORSPolicy != nil {
		r = append(r, route.CORSPolicy.validate(pfx+" cors:")...)
	}
	// AuthPolicy
	if route.AuthPolicy != nil {
		if auth == nil || auth.Providers[route.AuthPolicy.ProviderName] == nil {
			r = addError(r, fmt.Sprintf("%s authPolicy refers to unknown provider %q",
				pfx, route.AuthPolicy.ProviderName))
		}
	}
	// APIKeyCollections: checked against Config.APIKeyCollections by the
	// caller at load time, since that map is not threaded through here.
	// FileManagementPolicy
	if route.FileManagementPolicy != nil {
		r = append(r, route.FileManagementPolicy.validate(pfx, stores)...)
	}
	// Timeout
	if route.Timeout != nil && *route.Timeout <= 0 {
		r = addWarn(r, fmt.Sprintf("%s timeout %g is <=0, will be ignored", pfx, *route.Timeout))
	}
	return
}

func validateQueryChain(pfx string, qs []QueryDefinition, ds []Datasource) (r []ValidationResult) {
	indices := make(map[int]int)
	lastCount := 0
	for i := range qs {
		indices[qs[i].Index] += 1
		if qs[i].IsLastInChain {
			lastCount++
		}
		r = append(r, qs[i].validate(fmt.Sprintf("%s query #%d:", pfx, i), ds)...)
	}
	for idx, cnt := range indices {
		if cnt > 1 {
			r = addError(r, fmt.Sprintf("%s %d queries with index %d", pfx, cnt, idx))
		}
	}
	if lastCount > 1 {
		r = addError(r, fmt.Sprintf("%s %d queries marked isLastInChain, expected at most 1", pfx, lastCount))
	}
	return
}

func (q *QueryDefinition) validate(pfx string, ds []Datasource) (r []ValidationResult) {
	if len(strings.TrimSpace(q.SQLText)) == 0 {
		r = addError(r, fmt.Sprintf("%s sqlText is empty", pfx))
	}
	if len(q.ConnectionStringName) > 0 {
		found := false
		for i := range ds {
			if ds[i].Name == q.ConnectionStringName {
				found = true
				break
			}
		}
		if !found {
			r = addError(r, fmt.Sprintf("%s unknown connectionStringName %q", pfx, q.ConnectionStringName))
		}
	}
	return
}

func (p *ProxyTarget) validate(pfx string) (r []ValidationResult) {
	if len(strings.TrimSpace(p.URL)) == 0 {
		r = addError(r, fmt.Sprintf("%s proxyTarget: url is required", pfx))
	} else if u, err := url.Parse(p.URL); err != nil || u.Scheme == "" || u.Host == "" {
		r = addError(r, fmt.Sprintf("%s proxyTarget: invalid url %q", pfx, p.URL))
	}
	if p.TimeoutSeconds < 0 {
		r = addError(r, fmt.Sprintf("%s proxyTarget: timeoutSeconds must be >= 0", pfx))
	}
	return
}

func (fm *FileManagementPolicy) validate(pfx string, stores map[string]int) (r []ValidationResult) {
	if len(fm.Stores) > 0 {
		for _, name := range strings.Split(fm.Stores, ",") {
			name = strings.TrimSpace(name)
			if stores[name] == 0 {
				r = addError(r, fmt.Sprintf("%s fileManagementPolicy: unknown store %q", pfx, name))
			}
		}
	}
	if fm.MaxFileSizeInBytes < 0 {
		r = addError(r, fmt.Sprintf("%s fileManagementPolicy: maxFileSizeInBytes must be >= 0", pfx))
	}
	if fm.MaxNumberOfFiles < 0 {
		r = addError(r, fmt.Sprintf("%s fileManagementPolicy: maxNumberOfFiles must be >= 0", pfx))
	}
	return
}

//------------------------------------------------------------------------------
// route -> param

var rxParamName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

func (p *Param) validate(routePfx string) (r []ValidationResult) {
	pfx := fmt.Sprintf("%s param %q:", routePfx, p.Name)
	isint := func(v any) (ok bool) { _, ok = v.(int64); return }
	isuint := func(v any) (ok bool) { _, ok = v.(uint64); return }
	isfloat := func(v any) (ok bool) { _, ok = v.(float64); return }
	isstring := func(v any) (ok bool) { _, ok = v.(string); return }

	// Name
	if !rxParamName.MatchString(p.Name) {
		r = addError(r, fmt.Sprintf("%s invalid name", pfx))
	}
	// Type
	if p.Type != "integer" && p.Type != "number" && p.Type != "string" &&
		p.Type != "boolean" && p.Type != "array" {
		r = addError(r, fmt.Sprintf("%s invalid type %q", pfx, p.Type))
	}
	// Enum
	if len(p.Enum) > 0 {
		if p.Type != "integer" && p.Type != "number" && p.Type != "string" {
			r = addError(r,
				fmt.Sprintf("%s enum cannot be specified for parameter of type %q",
					pfx, p.Type))
		}
		for _, v := range p.Enum {
			switch p.Type {
			case "string":
				if !isstring(v) {
					r = addError(r, fmt.Sprintf("%s enum entry '%v': invalid string",
						pfx, v))
				}
			case "integer":
				if isstring(v) {
					if _, err := strconv.ParseInt(v.(string), 10, 64); err != nil {
						r = addError(r, fmt.Sprintf("%s enum entry %q: not a valid integer",
							pfx, v.(string)))
					}
				} else if isfloat(v) {
					if _, ok := float2int(v.(float64)); !ok {
						r = addError(r, fmt.Sprintf("%s enum entry '%v': not a valid integer (has fractional part)",
							pfx, v))
					}
				} else if isuint(v) {
					if v.(uint64) > math.MaxInt64 {
						r = addError(r, fmt.Sprintf("%s enum entry '%v': not a valid integer (value too large)",
							pfx, v))
					}
				} else if !isint(v) {
					r = addError(r, fmt.Sprintf("%s enum entry '%v': not a valid integer",
						pfx, v))
				}
			case "number":
				if isstring(v) {
					if _, err := strconv.ParseFloat(v.(string), 64); err != nil {
						r = addError(r, fmt.Sprintf("%s enum entry %q: not a valid number",
							pfx, v.(string)))
					}
				} else if !isuint(v) && !isint(v) && !isfloat(v) {
					r = addError(r, fmt.Sprintf("%s enum entry '%v': not a valid number",
						pfx, v))
				}
			}
		}
	}
	// Minimum
	if p.Minimum != nil {
		if p.Type != "integer" && p.Type != "number" {
			r = addError(r, fmt.Sprintf("%s minimum can be specified only for params of type integer or number",
				pfx))
		}
		if p.Type == "integer" {
			if _, ok := float2int(*p.Minimum); !ok {
				r = addError(r, fmt.Sprintf("%s minimum %v not a valid integer (has fractional part)",
					pfx, *p.Minimum))
			}
		}
	}
	// Maximum
	if p.Maximum != nil {
		if p.Type != "integer" && p.Type != "number" {
			r = addError(r, fmt.Sprintf("%s maximum can be specified only for params of type integer or number",
				pfx))
		}
		if p.Type == "integer" {
			if _, ok := float2int(*p.Maximum); !ok {
				r = addError(r, fmt.Sprintf("%s maximum %v not a valid integer (has fractional part)",
					pfx, *p.Maximum))
			}
		}
		if p.Minimum != nil {
			if *p.Maximum < *p.Minimum {
				r = addError(r, fmt.Sprintf("%s maximum %v is less than minimum %v",
					pfx, *p.Maximum, *p.Minimum))
			}
		}
	}
	// MaxLength
	if p.MaxLength != nil {
		if p.Type != "string" {
			r = addError(r, fmt.Sprintf("%s maxLength can be specified only for params of type string",
				pfx))
		}
		if *p.MaxLength < 0 {
			r = addError(r, fmt.Sprintf("%s maxLength %d should be >= 0", pfx, *p.MaxLength))
		}
	}
	// Pattern
	if len(p.Pattern) > 0 {
		if p.Type != "string" {
			r = addError(r, fmt.Sprintf("%s pattern can be specified only for params of type string",
				pfx))
		}
		if _, err := regexp.Compile("^" + p.Pattern + "$"); err != nil {
			r = addError(r, fmt.Sprintf("%s pattern is not a valid unanchored regex", pfx))
		}
	}
	// MinItems
	if p.MinItems != nil {
		if p.Type != "array" {
			r = addError(r, fmt.Sprintf("%s minItems can be specified only for params of type array",
				pfx))
		}
		if *p.MinItems < 0 {
			r = addError(r, fmt.Sprintf("%s minItems %d should be >= 0", pfx, *p.MinItems))
		}
	}
	// MaxItems
	if p.MaxItems != nil {
		if p.Type != "array" {
			r = addError(r, fmt.Sprintf("%s maxItems can be specified only for params of type array",
				pfx))
		}
		if *p.MaxItems < 0 {
			r = addError(r, fmt.Sprintf("%s maxItems %d should be >= 0", pfx, *p.MaxItems))
		}
		if p.MinItems != nil {
			if *p.MaxItems < *p.MinItems {
				r = addError(r, fmt.Sprintf("%s maxItems %v is less than minItems %v",
					pfx, *p.MaxItems, *p.MinItems))
			}
		}
	}
	// ElemType
	if len(p.ElemType) > 0 && p.Type != "array" {
		r = addError(r, fmt.Sprintf("%s elemType can be specified only for params of type array",
			pfx))
	}
	if len(p.ElemType) == 0 && p.Type == "array" {
		r = addError(r, fmt.Sprintf("%s elemType must be specified for params of type array",
			pfx))
	}
	if len(p.ElemType) > 0 {
		if p.ElemType != "integer" && p.ElemType != "number" &&
			p.ElemType != "string" && p.ElemType != "boolean" {
			r = addError(r, fmt.Sprintf("%s elemType must be one of integer, number, string or boolean",
				pfx))
		}
	}
	return
}

//------------------------------------------------------------------------------
// datasource

var (
	rxName    = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]*(\.[A-Za-z0-9_][A-Za-z0-9_-]*)*$`)
	rxPqParam = regexp.MustCompile(`^[a-z]+(_[a-z]+)*$`)
	rxRole    = regexp.MustCompile(`^[A-Za-z\200-\377_][A-Za-z\200-\377_0-9\$]*$`)
)

var validProviders = map[string]bool{
	ProviderPostgres:  true,
	ProviderSQLServer: true,
	ProviderMySQL:     true,
	ProviderSQLite:    true,
	ProviderOracle:    true,
	ProviderDB2:       true,
}

func (d *Datasource) validate() (r []ValidationResult) {
	if !rxName.MatchString(d.Name) {
		r = addError(r, fmt.Sprintf("datasource %q: invalid name", d.Name))
	}
	if len(d.Provider) > 0 && !validProviders[d.Provider] {
		r = addError(r, fmt.Sprintf("datasource %q: invalid provider %q", d.Name, d.Provider))
	}
	if d.Provider == ProviderDB2 {
		r = addError(r, fmt.Sprintf(
			"datasource %q: provider 'db2' is a recognized schema value but no db2 driver is linked into this build",
			d.Name))
	}
	if len(d.Value) == 0 && len(d.Host) == 0 {
		r = addError(r, fmt.Sprintf("datasource %q: neither value nor host is set", d.Name))
	}
	if d.Params != nil {
		for k := range d.Params {
			if !rxPqParam.MatchString(k) {
				r = addError(r, fmt.Sprintf("datasource %q: invalid param %q",
					d.Name, k))
			}
		}
	}
	if d.Timeout != nil && *d.Timeout <= 0 {
		r = addWarn(r, fmt.Sprintf("datasource %q: timeout %g is <=0, will be ignored",
			d.Name, *d.Timeout))
	}
	if len(d.Role) > 0 && !rxRole.MatchString(d.Role) {
		r = addError(r, fmt.Sprintf("datasource %q: invalid role %q", d.Name,
			d.Role))
	}
	if len(d.SSLCert) > 0 && !fileExists(d.SSLCert) {
		r = addError(r, fmt.Sprintf("datasource %q: sslcert file %q does not exist",
			d.Name, d.SSLCert))
	}
	if len(d.SSLKey) > 0 && !fileExists(d.SSLKey) {
		r = addError(r, fmt.Sprintf("datasource %q: sslkey file %q does not exist",
			d.Name, d.SSLKey))
	}
	if len(d.SSLRootCert) > 0 && !fileExists(d.SSLRootCert) {
		r = addError(r, fmt.Sprintf("datasource %q: sslrootcert file %q does not exist",
			d.Name, d.SSLRootCert))
	}
	if d.Pool != nil {
		r = append(r, d.Pool.validate(d.Name)...)
	}
	return
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi != nil && fi.Mode().IsRegular()
}

//------------------------------------------------------------------------------
// datasource -> pool

func (p *ConnPool) validate(ds string) (r []ValidationResult) {
	if p.MinConns != nil && *p.MinConns <= 0 {
		r = addError(r, fmt.Sprintf("datasource %q: minConns for pool %d must be >0",
			ds, *p.MinConns))
	}
	if p.MaxConns != nil && *p.MaxConns <= 0 {
		r = addError(r, fmt.Sprintf("datasource %q: maxConns for pool %d must be >0",
			ds, *p.MaxConns))
	}
	if p.MaxConns != nil && p.MinConns != nil && *p.MaxConns < *p.MinConns {
		r = addError(r, fmt.Sprintf("datasource %q: maxConns for pool %d is < minConns %d",
			ds, *p.MaxConns, *p.MinConns))
	}
	if p.MaxIdleTime != nil && *p.MaxIdleTime <= 0 {
		r = addError(r, fmt.Sprintf("datasource %q: maxIdleTime for pool %g must be > 0",
			ds, *p.MaxIdleTime))
	}
	if p.MaxConnectedTime != nil && *p.MaxConnectedTime <= 0 {
		r = addError(r, fmt.Sprintf("datasource %q: maxConnected for pool %g must be > 0",
			ds, *p.MaxConnectedTime))
	}
	return
}
