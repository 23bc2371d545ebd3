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
	"strings"
)

// SchemaVersion is the semver version of the schema of the gatewayd
// configuration file. Currently this is v1.0.0.
const SchemaVersion = "1.0.0"

//------------------------------------------------------------------------------
// core

// Config is the entirety of the configuration supplied to the gateway. It is
// typically deserialized from a .json or .yaml file.
type Config struct {
	// Version indicates the version of the schema according to which the
	// other fields in this structure should be interpreted. This is in
	// the semver syntax (a trailing `.0` or `.0.0` may be omitted). This
	// field is required, and validation will fail without it.
	Version string `json:"version"`

	// Listen indicates the `IP` or `IP:port` for the server to bind to and
	// listen on. If the IP is omitted, the server will bind to all interfaces.
	// If port is omitted, it defaults to 8080.
	Listen string `json:"listen,omitempty"`

	// CommonPrefix will be prefixed to each route path. If specified, must
	// begin with a slash, and must not end with one.
	CommonPrefix string `json:"commonPrefix,omitempty"`

	// Compression enables the transparent use of gzip and deflate content
	// encoding for responses, applied to the server as a whole.
	Compression bool `json:"compression,omitempty"`

	// CORS is the default Cross-Origin Resource Sharing policy, used for
	// any route that does not configure its own. Optional.
	CORS *CORSPolicy `json:"cors,omitempty"`

	// Cache is the default response-cache policy, used for any route that
	// does not configure its own. Optional.
	Cache *CachePolicy `json:"cache,omitempty"`

	// Regex holds global overrides for the per-source parameter-binding
	// regexes (see RegexOverrides). Optional. The field is decoded but not
	// read: marker scanning always uses the built-in grammar.
	Regex *RegexOverrides `json:"regex,omitempty"`

	// Vars holds settings variables exposed to SQL text via the
	// `{s{name}}`/`{settings{name}}` source pattern.
	Vars map[string]any `json:"vars,omitempty"`

	// Datasources is a list of all databases that can be referred to by
	// routes. All datasources listed here are connected to on startup
	// (unless explicitly marked lazy).
	Datasources []Datasource `json:"datasources,omitempty"`

	// Routes maps a route identifier to its definition. The identifier is
	// opaque to request handling but participates in cache keys and in
	// log/metric labels.
	Routes map[string]*Route `json:"routes,omitempty"`

	// APIKeyCollections maps a collection name to the list of keys valid
	// within it. A route names one or more collections in
	// Route.APIKeyCollections; a caller-supplied key is accepted if it
	// appears in any of them.
	APIKeyCollections map[string][]string `json:"apiKeyCollections,omitempty"`

	// Authorize holds the named JWT/OIDC provider configurations that a
	// Route.AuthPolicy can refer to.
	Authorize *AuthorizeConfig `json:"authorize,omitempty"`

	// FileManagement holds global upload limits and the pool of
	// destination stores routes can commit staged files to.
	FileManagement *FileManagementConfig `json:"fileManagement,omitempty"`

	// GenericErrorMessage is returned to the caller in place of internal
	// diagnostic detail for unexpected (500-class) errors. Defaults to a
	// built-in generic message.
	GenericErrorMessage string `json:"genericErrorMessage,omitempty"`

	// DebugHeaderName and DebugHeaderValue gate the disclosure of internal
	// diagnostic detail: a request carrying this header set to this value
	// receives the underlying error text instead of GenericErrorMessage.
	// Diagnostic detail is never disclosed if either is empty.
	DebugHeaderName  string `json:"debugHeaderName,omitempty"`
	DebugHeaderValue string `json:"debugHeaderValue,omitempty"`
}

// AuthorizeConfig holds the named JWT/OIDC providers available to routes.
type AuthorizeConfig struct {
	Providers map[string]*AuthProvider `json:"providers,omitempty"`
}

// Validate the entire configuration. Returns a list of errors and warnings.
func (c *Config) Validate() (r []ValidationResult) {
	return c.validate()
}

// IsValid performs validation (calls Validate() internally) and returns an
// error if the validation finds at least one error. All errors are formatted
// into a single error message, and warnings are not included. For better
// formatting use the Validate() method directly.
func (c *Config) IsValid() error {
	var a []string
	for _, r := range c.Validate() {
		if !r.Warn {
			a = append(a, r.Message)
		}
	}
	if len(a) > 0 {
		return fmt.Errorf("%d errors: %s", len(a), strings.Join(a, "; "))
	}
	return nil
}

// ValidationResult holds one entry of the results of validation. The
// Validate method of Config returns a slice of these.
type ValidationResult struct {
	// Warn is true if the message is a warning, else it is an error.
	Warn bool

	// Message is the actual textual message describing the error or warning.
	Message string
}

//------------------------------------------------------------------------------
// route

// Values for Route.ServiceType.
const (
	ServiceTypeDBQuery    = "db_query"
	ServiceTypeAPIGateway = "api_gateway"
)

// Values for Route.ResponseStructure.
const (
	ResponseAuto   = "auto"
	ResponseSingle = "single"
	ResponseArray  = "array"
	ResponseFile   = "file"
)

// Route is a path backed either by a chain of parameterized SQL statements
// (ServiceType db_query) or a reverse-proxy target (ServiceType
// api_gateway).
type Route struct {
	// Path denotes the path of the route. Must start with a slash. May end
	// with a `/*` wildcard suffix, in which case it matches any path under
	// that static prefix, at strictly lower precedence than an exact
	// match for the same prefix. See also Config.CommonPrefix.
	Path string `json:"path"`

	// Methods restricts the route to the given HTTP methods. If omitted,
	// the route answers to any method.
	Methods []string `json:"methods,omitempty"`

	// ServiceType selects the terminal action of the request pipeline:
	// db_query or api_gateway. Required.
	ServiceType string `json:"serviceType"`

	// ConnectionStringName names the default datasource used by query
	// definitions that do not specify their own. Defaults to "default".
	ConnectionStringName string `json:"connectionStringName,omitempty"`

	// Params is a list of parameters accepted by this route, used for
	// type/range/pattern validation and for the Mandatory-Fields Check.
	Params []Param `json:"params,omitempty"`

	// MandatoryParameterNames lists parameter names that must resolve to
	// a non-null value from the built parameter bundle, else the request
	// fails with HTTP 400 before dispatch.
	MandatoryParameterNames []string `json:"mandatoryParameterNames,omitempty"`

	// SuccessStatusCode is returned on a successful db_query response.
	// Defaults to 200.
	SuccessStatusCode int `json:"successStatusCode,omitempty"`

	// ResponseStructure shapes the terminal query's result set: auto,
	// single, array or file. Defaults to auto. Ignored if CountQuery is set.
	ResponseStructure string `json:"responseStructure,omitempty"`

	// CountQuery, if set, runs alongside the chain and wraps the response
	// as `{count, data}`.
	CountQuery *QueryDefinition `json:"countQuery,omitempty"`

	// QueryDefinitions is the ordered chain of SQL statements executed for
	// ServiceType db_query. Required (non-empty) for that type, ignored
	// otherwise.
	QueryDefinitions []QueryDefinition `json:"queryDefinitions,omitempty"`

	// ProxyTarget describes the upstream for ServiceType api_gateway.
	// Required for that type, ignored otherwise.
	ProxyTarget *ProxyTarget `json:"proxyTarget,omitempty"`

	// CachePolicy overrides Config.Cache for this route.
	CachePolicy *CachePolicy `json:"cachePolicy,omitempty"`

	// CORSPolicy overrides Config.CORS for this route.
	CORSPolicy *CORSPolicy `json:"corsPolicy,omitempty"`

	// AuthPolicy, if set, requires a valid bearer JWT for this route.
	AuthPolicy *AuthPolicy `json:"authPolicy,omitempty"`

	// APIKeyCollections, if non-empty, requires an `x-api-key` header
	// matching a key in at least one of the named collections.
	APIKeyCollections []string `json:"apiKeyCollections,omitempty"`

	// FileManagementPolicy configures upload staging and commit for this
	// route. Optional even for db_query routes that accept file fields.
	FileManagementPolicy *FileManagementPolicy `json:"fileManagementPolicy,omitempty"`

	// RegexOverrides holds route-level regex overrides. The field is
	// decoded but not read (see RegexOverrides).
	RegexOverrides *RegexOverrides `json:"regex,omitempty"`

	// Debug enables debug logging of all invocations of this route.
	Debug bool `json:"debug,omitempty"`

	// Timeout in seconds for the query chain or proxy call. Ignored if <= 0.
	Timeout *float64 `json:"timeout,omitempty"`
}

// QueryDefinition is one statement in a db_query route's query chain.
type QueryDefinition struct {
	// Index is this statement's position in the chain. The first
	// statement is index 0, and statements execute in index order.
	Index int `json:"index"`

	// IsLastInChain flags the terminal statement. Validation rejects a
	// chain with more than one flagged statement; the HTTP response is
	// always shaped from the statement with the highest Index.
	IsLastInChain bool `json:"isLastInChain,omitempty"`

	// SQLText is the parameterized SQL statement. Parameter references use
	// the source-pattern markers described for the parameter bundle, e.g.
	// `{{name}}` (any source), `{j{name}}` (JSON body only), never raw
	// string interpolation of values.
	SQLText string `json:"sqlText"`

	// ConnectionStringName names the datasource this statement runs
	// against. Defaults to the owning Route's ConnectionStringName.
	ConnectionStringName string `json:"connectionStringName,omitempty"`

	// JSONVariableName names the bundle variable that carries the prior
	// statement's result set as a JSON array, when that statement
	// produced zero or more than one row. Defaults to "json".
	JSONVariableName string `json:"jsonVariableName,omitempty"`
}

// ProxyTarget describes a reverse-proxy terminal action for ServiceType
// api_gateway.
type ProxyTarget struct {
	// URL is the upstream target template. For a wildcard Route.Path, the
	// request's remaining path segment is appended before any `?` in this
	// template.
	URL string `json:"url"`

	// ExcludedHeaders lists request headers that are never forwarded
	// upstream. Every other caller header that HeaderOverrides does not
	// replace is copied to the forwarded request.
	ExcludedHeaders []string `json:"excludedHeaders,omitempty"`

	// HeaderOverrides are set on the forwarded request after the caller's
	// headers are copied, so they take precedence.
	HeaderOverrides map[string]string `json:"headerOverrides,omitempty"`

	// IgnoreCertificateErrors disables upstream TLS certificate
	// verification. Use with care; intended for internal/self-signed
	// upstreams only.
	IgnoreCertificateErrors bool `json:"ignoreCertificateErrors,omitempty"`

	// TimeoutSeconds bounds the upstream call. Defaults to 30. The owning
	// Route's Timeout, if set, bounds the whole request as well, so the
	// shorter of the two applies.
	TimeoutSeconds float64 `json:"timeoutSeconds,omitempty"`

	// ExcludeStatusCodesFromCache lists upstream response status codes
	// that are always streamed straight through uncached, even when the
	// route has a CachePolicy.
	ExcludeStatusCodesFromCache []int `json:"excludeStatusCodesFromCache,omitempty"`
}

// Param represents a single parameter accepted by a route. A parameter may
// be supplied via any of the five parameter-bundle sources (query string,
// route path, JSON or form body, header, or auth claim). The same field set
// as the teacher's endpoint parameters is reused; In is no longer required
// since the parameter builder resolves a name across all sources by
// precedence rather than a single fixed location.
type Param struct {
	// Name is the parameter's name, required. Must be a C-like identifier.
	Name string `json:"name"`

	// Required indicates that, if the parameter does not resolve to a
	// non-null value from any source, the server returns HTTP 400.
	Required bool `json:"required"`

	// Type of the parameter, required. One of `integer`, `number`,
	// `string`, `boolean` or `array`. If `array`, ElemType must be set.
	Type string `json:"type"`

	// Enum restricts the value to one of a fixed list, for types string,
	// integer or number. Other validations are skipped when Enum is set.
	Enum []any `json:"enum,omitempty"`

	// Minimum sets the minimum allowed value for types integer or number.
	Minimum *float64 `json:"minimum,omitempty"`

	// Maximum sets the maximum allowed value for types integer or number.
	Maximum *float64 `json:"maximum,omitempty"`

	// MaxLength sets the maximum length for values of type string.
	MaxLength *int `json:"maxLength,omitempty"`

	// Pattern is an RE2 regular expression values of type string must match.
	Pattern string `json:"pattern,omitempty"`

	// MinItems sets the minimum number of elements for arrays.
	MinItems *int `json:"minItems,omitempty"`

	// MaxItems sets the maximum number of elements for arrays.
	MaxItems *int `json:"maxItems,omitempty"`

	// ElemType specifies the element type when Type is `array`. Required
	// in that case. One of `integer`, `number`, `string` or `boolean`.
	ElemType string `json:"elemType,omitempty"`
}

//------------------------------------------------------------------------------
// cache

// CachePolicy configures response caching for a route.
type CachePolicy struct {
	// TTLSeconds is how long a cached entry remains valid. Caching is
	// disabled if <= 0.
	TTLSeconds float64 `json:"ttlSeconds,omitempty"`

	// Invalidators lists parameter-bundle names whose resolved values
	// contribute to the cache key, in addition to the route identifier,
	// HTTP method and request path.
	Invalidators []string `json:"invalidators,omitempty"`

	// MaxInvalidatorValueLength caps how much of an invalidator's value
	// participates in the cache key; longer values are truncated rather
	// than rejected. Ignored if <= 0.
	MaxInvalidatorValueLength int `json:"maxInvalidatorValueLength,omitempty"`
}

//------------------------------------------------------------------------------
// cors

// CORSPolicy specifies the Cross-Origin Resource Sharing configuration for
// a route, or the server default.
type CORSPolicy struct {
	// OriginPattern is a regular expression matched against the request's
	// Origin header. On a match, that origin is echoed back in
	// Access-Control-Allow-Origin.
	OriginPattern string `json:"originPattern,omitempty"`

	// FallbackOrigin is emitted when the request's Origin does not match
	// OriginPattern (an empty OriginPattern matches every origin). A literal `*` is only honored here when the route has no
	// AuthPolicy, since credentialed responses cannot use a wildcard
	// origin.
	FallbackOrigin string `json:"fallbackOrigin,omitempty"`

	// AllowedMethods is the list of methods advertised in preflight
	// responses. If empty, the CORS library's own default method list
	// applies; the route's Methods are not consulted.
	AllowedMethods []string `json:"allowedMethods,omitempty"`

	// AllowedHeaders is the list of non-simple headers the client is
	// allowed to use with cross-domain requests.
	AllowedHeaders []string `json:"allowedHeaders,omitempty"`

	// ExposedHeaders indicates which response headers are safe to expose.
	ExposedHeaders []string `json:"exposedHeaders,omitempty"`

	// AllowCredentials indicates whether the request may include
	// credentials (cookies, HTTP auth, client TLS certs). Forced true by
	// the CORS stage whenever the route carries an AuthPolicy.
	AllowCredentials bool `json:"allowCredentials,omitempty"`

	// MaxAge indicates how long, in seconds, a preflight response may be
	// cached by the client.
	MaxAge *int `json:"maxAge,omitempty"`

	// Debug enables logging of CORS-related decisions for this route.
	Debug bool `json:"debug,omitempty"`
}

//------------------------------------------------------------------------------
// auth

// AuthProvider holds the settings for one named OIDC/JWT provider. Pointer
// fields distinguish "not set" (fall through route -> provider -> built-in
// default) from an explicit false/zero value.
type AuthProvider struct {
	// Authority is the OIDC issuer base URL; its
	// `/.well-known/openid-configuration` document is fetched and cached
	// to discover the JWKS and userinfo endpoints.
	Authority string `json:"authority"`

	// Audience, if set, must appear in the token's `aud` claim when
	// ValidateAudience is true.
	Audience string `json:"audience,omitempty"`

	// Issuer, if set, overrides Authority as the expected `iss` claim
	// value when ValidateIssuer is true.
	Issuer string `json:"issuer,omitempty"`

	ValidateIssuer    *bool `json:"validateIssuer,omitempty"`
	ValidateAudience  *bool `json:"validateAudience,omitempty"`
	ValidateLifetime  *bool `json:"validateLifetime,omitempty"`

	// ClockSkewSeconds is the leeway applied to exp/nbf checks.
	ClockSkewSeconds *float64 `json:"clockSkewSeconds,omitempty"`

	// UserInfoFallbackClaims lists claim names that, if absent from the
	// validated token, trigger a UserInfo endpoint call to fill them in.
	UserInfoFallbackClaims []string `json:"userinfoFallbackClaims,omitempty"`

	// UserInfoCacheDurationSeconds bounds how long a UserInfo response is
	// cached; the effective TTL is min(this, token's remaining lifetime).
	// A nil or zero value are treated identically (both use token-expiry
	// as the bound, rather than disabling caching).
	UserInfoCacheDurationSeconds *float64 `json:"userinfoCacheDurationSeconds,omitempty"`

	// UserInfoTimeoutSeconds bounds the UserInfo HTTP call. Defaults to 5.
	UserInfoTimeoutSeconds *float64 `json:"userinfoTimeoutSeconds,omitempty"`

	// RequiredScopes, if non-empty, are the default scopes a token for
	// this provider must present (see AuthPolicy for route overrides).
	RequiredScopes []string `json:"requiredScopes,omitempty"`

	// RequiredRoles is the default required-roles list for this provider.
	RequiredRoles []string `json:"requiredRoles,omitempty"`
}

// AuthPolicy names the provider a route authenticates against, with
// optional route-level overrides of the provider's default scopes/roles.
type AuthPolicy struct {
	// ProviderName must name an entry in Config.Authorize.Providers.
	ProviderName string `json:"provider"`

	// RequiredScopes, if non-nil, overrides the provider's RequiredScopes
	// for this route.
	RequiredScopes []string `json:"requiredScopes,omitempty"`

	// RequiredRoles, if non-nil, overrides the provider's RequiredRoles
	// for this route.
	RequiredRoles []string `json:"requiredRoles,omitempty"`
}

//------------------------------------------------------------------------------
// file management

// FileManagementConfig holds global upload limits and the pool of
// destination stores a Route's FileManagementPolicy.Stores refers to.
type FileManagementConfig struct {
	// MaxFileSizeInBytes is the default per-file size cap. Ignored if <= 0.
	MaxFileSizeInBytes int64 `json:"maxFileSizeInBytes,omitempty"`

	// MaxNumberOfFiles is the default cap on files per request.
	MaxNumberOfFiles int `json:"maxNumberOfFiles,omitempty"`

	// OverwriteExistingFiles is the default commit behavior when the
	// destination path already exists in a store.
	OverwriteExistingFiles bool `json:"overwriteExistingFiles,omitempty"`

	// LocalStores lists destinations on the local filesystem.
	LocalStores []LocalStore `json:"localStores,omitempty"`

	// SFTPStores lists destinations reached over SFTP. Stores that share
	// (Host, Port, Username, Password) share one underlying SSH connection.
	SFTPStores []SFTPStore `json:"sftpStores,omitempty"`
}

// LocalStore is a file-management destination on the local filesystem.
type LocalStore struct {
	Name     string `json:"name"`
	BasePath string `json:"basePath"`
	Optional bool   `json:"optional,omitempty"`
}

// SFTPStore is a file-management destination reached over SFTP.
type SFTPStore struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	BasePath string `json:"basePath"`
	Optional bool   `json:"optional,omitempty"`
}

// FileManagementPolicy configures the upload stager/committer for a route.
type FileManagementPolicy struct {
	// FilesDataField names the top-level JSON or form field carrying the
	// array of files to stage. Defaults to "files".
	FilesDataField string `json:"filesDataField,omitempty"`

	// PermittedExtensions, if non-empty, restricts accepted file
	// extensions (case-insensitive, without the leading dot).
	PermittedExtensions []string `json:"permittedExtensions,omitempty"`

	// MaxFileSizeInBytes overrides FileManagementConfig.MaxFileSizeInBytes.
	MaxFileSizeInBytes int64 `json:"maxFileSizeInBytes,omitempty"`

	// MaxNumberOfFiles overrides FileManagementConfig.MaxNumberOfFiles.
	MaxNumberOfFiles int `json:"maxNumberOfFiles,omitempty"`

	// RelativePathTemplate builds each staged file's destination-relative
	// path using `{date{fmt}}`, `{{guid}}` and `{file{name}}` markers.
	// An empty template yields the bare file name.
	RelativePathTemplate string `json:"relativePathTemplate,omitempty"`

	// AllowCallerSuppliedID permits an `id` field in the caller's file
	// entry to be used in place of a generated UUID for `{{guid}}`.
	AllowCallerSuppliedID bool `json:"allowCallerSuppliedId,omitempty"`

	// Stores is the comma-separated list of store names (local and/or
	// SFTP, from FileManagementConfig) that staged files are committed to.
	Stores string `json:"stores,omitempty"`

	// OverwriteExistingFiles overrides the global default.
	OverwriteExistingFiles *bool `json:"overwriteExistingFiles,omitempty"`

	// QueryConsumptionEnabled, if true, rewrites each new file entry with a
	// backend_temp_file_path pointing at its staged temp file; if false,
	// the entry carries the file's bytes inline as base64_content.
	QueryConsumptionEnabled bool `json:"queryConsumptionEnabled,omitempty"`
}

//------------------------------------------------------------------------------
// regex overrides

// RegexOverrides lists per-source parameter-binding regex overrides. These
// fields are decoded but never read: marker scanning and SQL lowering always
// use the fixed built-in grammar (markerRx in params.go), and configuration
// validation does not check them.
type RegexOverrides struct {
	Generic     string `json:"generic,omitempty"`
	JSON        string `json:"json,omitempty"`
	Header      string `json:"header,omitempty"`
	QueryString string `json:"queryString,omitempty"`
	Route       string `json:"route,omitempty"`
	Form        string `json:"form,omitempty"`
	Auth        string `json:"auth,omitempty"`
	Settings    string `json:"settings,omitempty"`
}

//------------------------------------------------------------------------------
// datasource

// Values for Datasource.Provider.
const (
	ProviderPostgres  = "postgres"
	ProviderSQLServer = "sqlserver"
	ProviderMySQL     = "mysql"
	ProviderSQLite    = "sqlite"
	ProviderOracle    = "oracle"
	ProviderDB2       = "db2"
)

// Datasource defines the parameters to connect to a database that can be
// referred to by routes. The following environment variables are understood
// for provider "postgres": PGHOST, PGPORT, PGDATABASE, PGUSER, PGPASSWORD,
// PGPASSFILE, PGSERVICE, PGSERVICEFILE, PGSSLMODE, PGSSLCERT, PGSSLKEY,
// PGSSLROOTCERT, PGSSLPASSWORD, PGAPPNAME, PGCONNECT_TIMEOUT and
// PGTARGETSESSIONATTRS (see https://www.postgresql.org/docs/current/libpq-envars.html).
type Datasource struct {
	// Name uniquely identifies a datasource, and must be specified.
	// Examples: `prod-us-east-1`, `pgsrv03.acme.com`
	Name string `json:"name"`

	// Provider selects the driver: one of postgres, sqlserver, mysql,
	// sqlite, oracle or db2. If omitted, it is auto-detected from Value's
	// connection-string scheme where possible, defaulting to postgres.
	Provider string `json:"provider,omitempty"`

	// Value is the connection string / DSN in the native syntax of the
	// provider (e.g. `postgres://host/db?sslmode=require`, a mssql URL, a
	// MySQL DSN, or a bare file path for sqlite). Treated as an opaque,
	// already-decrypted value.
	Value string `json:"value,omitempty"`

	// Host, Database, User, Password, Passfile, SSLMode, SSLCert, SSLKey,
	// SSLRootCert, Params, PreferSimpleProtocol and Role retain their
	// postgres-specific meaning from the structured form of a postgres
	// datasource, and are used to build Value when Value itself is empty
	// and Provider is postgres (or omitted).
	Host                 string            `json:"host,omitempty"`
	Database             string            `json:"dbname,omitempty"`
	User                 string            `json:"user,omitempty"`
	Password             string            `json:"password,omitempty"`
	Passfile             string            `json:"passfile,omitempty"`
	SSLMode              string            `json:"sslmode,omitempty"`
	SSLCert              string            `json:"sslcert,omitempty"`
	SSLKey               string            `json:"sslkey,omitempty"`
	SSLRootCert          string            `json:"sslrootcert,omitempty"`
	Params               map[string]string `json:"params,omitempty"`
	PreferSimpleProtocol bool              `json:"simple,omitempty"`
	Role                 string            `json:"role,omitempty"`

	// Timeout specifies a timeout for establishing the connection, in
	// seconds. Ignored if <= 0.
	Timeout *float64 `json:"timeout,omitempty"`

	// Pool configures connection pooling: through pgxpool for postgres, and
	// through the database/sql pool limits for the other providers.
	Pool *ConnPool `json:"pool,omitempty"`
}

// ConnPool specifies the settings for pooling of connections for a single
// datasource. All settings in this struct are optional.
type ConnPool struct {
	// MinConns sets the minimum number of connections in the pool. If
	// specified, must be > 0.
	MinConns *int64 `json:"minConns,omitempty"`

	// MaxConns sets the maximum number of connections to the database that
	// will be established. Defaults to max(4, number-of-CPUs). If specified,
	// must be > 0.
	MaxConns *int64 `json:"maxConns,omitempty"`

	// MaxIdleTime in seconds is the duration after which an idle connection
	// will be automatically closed. If specified, must be > 0.
	MaxIdleTime *float64 `json:"maxIdleTime,omitempty"`

	// MaxConnectedTime in seconds is the duration since creation after which
	// a connection will be automatically closed. If specified, must be > 0.
	MaxConnectedTime *float64 `json:"maxConnectedTime,omitempty"`

	// Lazy if set means that the connections will be established only on
	// first demand and not at server startup.
	Lazy bool `json:"lazy,omitempty"`
}

//------------------------------------------------------------------------------
// results

// queryResult is the cacheable shadow of a terminal query's result set.
type queryResult struct {
	StatusCode int `json:"status_code"`
	Data       any `json:"data"`
}

// proxyResult is the cacheable shadow of a proxied upstream response.
type proxyResult struct {
	StatusCode     int                 `json:"status_code"`
	Headers        map[string][]string `json:"headers"`
	ContentHeaders map[string][]string `json:"content_headers"`
	Body           []byte              `json:"body"`
}
