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
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestEffectiveProviderExplicit(t *testing.T) {
	s := &Datasource{Provider: ProviderMySQL, Value: "postgres://x"}
	if got := effectiveProvider(s); got != ProviderMySQL {
		t.Errorf("got %q, want explicit provider to win", got)
	}
}

func TestEffectiveProviderAutoDetect(t *testing.T) {
	tests := []struct {
		value string
		want  string
	}{
		{"postgres://u:p@host/db", ProviderPostgres},
		{"postgresql://u:p@host/db", ProviderPostgres},
		{"sqlserver://u:p@host/db", ProviderSQLServer},
		{"u:p@tcp(host:3306)/db", ProviderMySQL},
		{"mysql://u:p@host/db", ProviderMySQL},
		{"/var/data/app.db", ProviderSQLite},
		{"/var/data/app.sqlite", ProviderSQLite},
		{"/var/data/app.sqlite3", ProviderSQLite},
		{"oracle://u:p@host/db", ProviderOracle},
		{"user/pass@//host/db", ProviderOracle},
		{"", ProviderPostgres},
	}
	for _, tt := range tests {
		if got := effectiveProvider(&Datasource{Value: tt.value}); got != tt.want {
			t.Errorf("effectiveProvider(%q) = %q, want %q", tt.value, got, tt.want)
		}
	}
}

func TestLowerPlaceholdersSQLServer(t *testing.T) {
	got := lowerPlaceholders(ProviderSQLServer, "select * from t where a = $1 and b = $2")
	want := "select * from t where a = @p1 and b = @p2"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestLowerPlaceholdersMySQLAndSQLite(t *testing.T) {
	in := "update t set a = $1 where id = $2"
	want := "update t set a = ? where id = ?"
	if got := lowerPlaceholders(ProviderMySQL, in); got != want {
		t.Errorf("mysql: got %q, want %q", got, want)
	}
	if got := lowerPlaceholders(ProviderSQLite, in); got != want {
		t.Errorf("sqlite: got %q, want %q", got, want)
	}
}

func TestLowerPlaceholdersOracle(t *testing.T) {
	got := lowerPlaceholders(ProviderOracle, "insert into t (a, b) values ($1, $2)")
	want := "insert into t (a, b) values (:1, :2)"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestLowerPlaceholdersPostgresPassesThrough(t *testing.T) {
	in := "select * from t where a = $1"
	if got := lowerPlaceholders(ProviderPostgres, in); got != in {
		t.Errorf("got %q, want unchanged %q", got, in)
	}
}

func TestDS2URLUsesValueVerbatim(t *testing.T) {
	s := &Datasource{Value: "postgres://u:p@h/db"}
	if got := ds2url(s); got != s.Value {
		t.Errorf("got %q, want the raw Value passed through", got)
	}
}

func TestDS2URLBuildsFromFields(t *testing.T) {
	s := &Datasource{
		Host:     "dbhost",
		User:     "alice",
		Password: "secret",
		Database: "orders",
		SSLMode:  "require",
		Params:   map[string]string{"application_name": "gatewayd"},
	}
	got := ds2url(s)
	if !strings.HasPrefix(got, "postgres://?") {
		t.Fatalf("got %q, want a postgres://? DSN-as-query-string URL", got)
	}
	q, err := url.ParseQuery(strings.TrimPrefix(got, "postgres://?"))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	for k, want := range map[string]string{
		"host":             "dbhost",
		"user":             "alice",
		"password":         "secret",
		"dbname":           "orders",
		"sslmode":          "require",
		"application_name": "gatewayd",
	} {
		if got := q.Get(k); got != want {
			t.Errorf("query param %q = %q, want %q", k, got, want)
		}
	}
}

func TestDS2URLIncludesConnectTimeout(t *testing.T) {
	timeout := 5.0
	s := &Datasource{Host: "h", Timeout: &timeout}
	got := ds2url(s)
	q, err := url.ParseQuery(strings.TrimPrefix(got, "postgres://?"))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if q.Get("connect_timeout") != "5" {
		t.Errorf("connect_timeout = %q, want 5", q.Get("connect_timeout"))
	}
}

func TestDS2CfgAppliesPoolSettings(t *testing.T) {
	minConns, maxConns := int64(2), int64(10)
	maxIdle, maxLifetime := 30.0, 3600.0
	s := &Datasource{
		Host: "dbhost",
		Pool: &ConnPool{
			MinConns:         &minConns,
			MaxConns:         &maxConns,
			MaxIdleTime:      &maxIdle,
			MaxConnectedTime: &maxLifetime,
		},
	}
	cfg, err := ds2cfg(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MinConns != 2 {
		t.Errorf("MinConns = %d, want 2", cfg.MinConns)
	}
	if cfg.MaxConns != 10 {
		t.Errorf("MaxConns = %d, want 10", cfg.MaxConns)
	}
	if cfg.MaxConnIdleTime != 30*time.Second {
		t.Errorf("MaxConnIdleTime = %v, want 30s", cfg.MaxConnIdleTime)
	}
	if cfg.MaxConnLifetime != 3600*time.Second {
		t.Errorf("MaxConnLifetime = %v, want 1h", cfg.MaxConnLifetime)
	}
}

func TestDS2CfgLazyConnect(t *testing.T) {
	s := &Datasource{Host: "dbhost", Pool: &ConnPool{Lazy: true}}
	cfg, err := ds2cfg(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.LazyConnect {
		t.Error("expected LazyConnect to be true")
	}
}

func TestDS2CfgSetsAfterConnectOnlyWhenRoleGiven(t *testing.T) {
	withRole, err := ds2cfg(&Datasource{Host: "dbhost", Role: "readonly"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if withRole.AfterConnect == nil {
		t.Error("expected AfterConnect to be set when Role is given")
	}

	withoutRole, err := ds2cfg(&Datasource{Host: "dbhost"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if withoutRole.AfterConnect != nil {
		t.Error("expected AfterConnect to be nil when Role is empty")
	}
}

func TestDS2CfgPreferSimpleProtocol(t *testing.T) {
	cfg, err := ds2cfg(&Datasource{Host: "dbhost", PreferSimpleProtocol: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.ConnConfig.PreferSimpleProtocol {
		t.Error("expected PreferSimpleProtocol to propagate to the pgx config")
	}
}

func TestDatasourcesGetUnknownName(t *testing.T) {
	d := &datasources{logger: zerolog.Nop()}
	if _, err := d.get("missing"); err == nil {
		t.Fatal("expected an error for an unregistered datasource name")
	}
}

func TestDatasourcesProviderOfUnknownName(t *testing.T) {
	d := &datasources{logger: zerolog.Nop()}
	if _, err := d.providerOf("missing"); err == nil {
		t.Fatal("expected an error for an unregistered datasource name")
	}
}

func TestDatasourcesTimeoutContextNoTimeout(t *testing.T) {
	bg := context.Background()
	d := &datasources{logger: zerolog.Nop(), bgctx: bg}
	ctx, cancel := d.timeoutContext("unknown")
	defer cancel()
	if ctx != bg {
		t.Error("expected the background context to be returned unchanged when no timeout is registered")
	}
	if _, ok := ctx.Deadline(); ok {
		t.Error("expected no deadline on the returned context")
	}
}

func TestDatasourcesTimeoutContextWithTimeout(t *testing.T) {
	d := &datasources{logger: zerolog.Nop(), bgctx: context.Background()}
	d.timeouts.Store("slow", 50*time.Millisecond)

	ctx, cancel := d.timeoutContext("slow")
	defer cancel()
	if _, ok := ctx.Deadline(); !ok {
		t.Error("expected a deadline once a per-datasource timeout is registered")
	}
}

func TestDatasourcesStopWithNoPoolsDoesNotPanic(t *testing.T) {
	d := &datasources{logger: zerolog.Nop()}
	d.stop()
}
