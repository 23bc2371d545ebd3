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
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a local port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestNewGatewayRequiresRuntimeLogger(t *testing.T) {
	cfg := minimalValidConfig()

	if _, err := NewGateway(cfg, nil); err == nil {
		t.Fatal("expected an error for a nil Runtime")
	}
	if _, err := NewGateway(cfg, &Runtime{}); err == nil {
		t.Fatal("expected an error for a Runtime with no Logger")
	}
}

func TestNewGatewayRejectsInvalidConfig(t *testing.T) {
	logger := zerolog.Nop()
	rt := &Runtime{Logger: &logger}

	if _, err := NewGateway(&Config{}, rt); err == nil {
		t.Fatal("expected an error for a config missing Version")
	}
}

func TestGatewayStartupPortConflict(t *testing.T) {
	addr := freeAddr(t)
	blocker, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("setup: failed to hold %s: %v", addr, err)
	}
	defer blocker.Close()

	cfg := minimalValidConfig()
	cfg.Listen = addr
	logger := zerolog.Nop()
	gw, err := NewGateway(cfg, &Runtime{Logger: &logger})
	if err != nil {
		t.Fatalf("unexpected NewGateway error: %v", err)
	}

	if err := gw.Start(); err == nil {
		t.Fatal("expected Start to fail on an address already in use")
	}
}

func TestGatewayStartRejectsUnreachableDatasource(t *testing.T) {
	timeout := 1.0
	cfg := minimalValidConfig()
	cfg.Listen = freeAddr(t)
	cfg.Datasources = []Datasource{
		{Name: "default", Host: "198.51.100.1", Timeout: &timeout},
	}

	logger := zerolog.Nop()
	gw, err := NewGateway(cfg, &Runtime{Logger: &logger})
	if err != nil {
		t.Fatalf("unexpected NewGateway error: %v", err)
	}

	if err := gw.Start(); err == nil {
		t.Fatal("expected Start to fail connecting to an unreachable datasource")
	}
}

// testMoviesConfig builds a db_query config exercising the query chain
// engine end to end: a multi-statement setup chain, a cached list route, a
// path-parameter route with range validation, a single-row-shaped route and
// a route whose terminal statement is a SQL syntax error.
func testMoviesConfig(listen string) *Config {
	minYear, maxYear := 1900.0, 2100.0
	return &Config{
		Version:              "1",
		Listen:               listen,
		GenericErrorMessage:  "an error occurred, please retry",
		DebugHeaderName:      "X-Gatewayd-Debug",
		DebugHeaderValue:     "1",
		Datasources: []Datasource{
			{Name: "default"},
		},
		Routes: map[string]*Route{
			"setup": {
				Path:                 "/setup",
				Methods:              []string{"POST"},
				ServiceType:          ServiceTypeDBQuery,
				ConnectionStringName: "default",
				QueryDefinitions: []QueryDefinition{
					{Index: 0, SQLText: "drop table if exists gatewayd_test_movies"},
					{Index: 1, SQLText: "create table gatewayd_test_movies (name text, year integer)"},
					{Index: 2, IsLastInChain: true, SQLText: "insert into gatewayd_test_movies (name, year) values ('The Shawshank Redemption', 1994), ('The Godfather', 1972), ('The Dark Knight', 2008)"},
				},
			},
			"movies": {
				Path:                 "/movies",
				Methods:              []string{"GET"},
				ServiceType:          ServiceTypeDBQuery,
				ConnectionStringName: "default",
				ResponseStructure:    ResponseArray,
				CachePolicy:          &CachePolicy{TTLSeconds: 60},
				QueryDefinitions: []QueryDefinition{
					{Index: 0, IsLastInChain: true, SQLText: "select name, year from gatewayd_test_movies order by year desc"},
				},
			},
			"movies-in-year": {
				Path:                 "/movies-in-year/{year}",
				Methods:              []string{"GET"},
				ServiceType:          ServiceTypeDBQuery,
				ConnectionStringName: "default",
				ResponseStructure:    ResponseArray,
				Params: []Param{
					{Name: "year", Type: "integer", Minimum: &minYear, Maximum: &maxYear},
				},
				QueryDefinitions: []QueryDefinition{
					{Index: 0, IsLastInChain: true, SQLText: "select name, year from gatewayd_test_movies where year = {{year}} order by year desc"},
				},
			},
			"movies-single": {
				Path:                 "/movies-single",
				Methods:              []string{"GET"},
				ServiceType:          ServiceTypeDBQuery,
				ConnectionStringName: "default",
				ResponseStructure:    ResponseSingle,
				QueryDefinitions: []QueryDefinition{
					{Index: 0, IsLastInChain: true, SQLText: "select name, year from gatewayd_test_movies where year = 2008"},
				},
			},
			"query-error": {
				Path:                 "/query-error",
				Methods:              []string{"GET"},
				ServiceType:          ServiceTypeDBQuery,
				ConnectionStringName: "default",
				QueryDefinitions: []QueryDefinition{
					{Index: 0, IsLastInChain: true, SQLText: "not valid sql"},
				},
			},
		},
	}
}

func TestGatewayQueryLifecycle(t *testing.T) {
	addr := freeAddr(t)
	cfg := testMoviesConfig(addr)

	logger := zerolog.Nop()
	gw, err := NewGateway(cfg, &Runtime{Logger: &logger})
	if err != nil {
		t.Fatalf("unexpected NewGateway error: %v", err)
	}
	if err := gw.Start(); err != nil {
		t.Fatalf("unexpected Start error (is a local postgres reachable via the PG* env vars?): %v", err)
	}
	defer gw.Stop(5 * time.Second)

	base := "http://" + addr

	setupResp, err := http.Post(base+"/setup", "application/json", nil)
	if err != nil {
		t.Fatalf("setup request failed: %v", err)
	}
	setupResp.Body.Close()
	if setupResp.StatusCode != 200 {
		t.Fatalf("setup status = %d, want 200", setupResp.StatusCode)
	}

	for i := 0; i < 2; i++ {
		resp, err := http.Get(base + "/movies")
		if err != nil {
			t.Fatalf("movies request failed: %v", err)
		}
		var rows []map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
			t.Fatalf("failed to decode /movies response: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != 200 {
			t.Fatalf("movies status = %d, want 200", resp.StatusCode)
		}
		if len(rows) != 3 {
			t.Fatalf("expected 3 movies, got %d: %v", len(rows), rows)
		}
		if rows[0]["year"] != float64(2008) {
			t.Errorf("expected the newest movie first, got %v", rows[0])
		}
	}

	resp, err := http.Get(base + "/movies-in-year/1972")
	if err != nil {
		t.Fatalf("movies-in-year request failed: %v", err)
	}
	var yearRows []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&yearRows); err != nil {
		t.Fatalf("failed to decode /movies-in-year response: %v", err)
	}
	resp.Body.Close()
	if len(yearRows) != 1 || yearRows[0]["name"] != "The Godfather" {
		t.Errorf("movies-in-year/1972 = %v, want a single The Godfather row", yearRows)
	}

	badResp, err := http.Get(base + "/movies-in-year/not-a-year")
	if err != nil {
		t.Fatalf("movies-in-year bad-param request failed: %v", err)
	}
	badResp.Body.Close()
	if badResp.StatusCode != 400 {
		t.Errorf("movies-in-year/not-a-year status = %d, want 400", badResp.StatusCode)
	}

	singleResp, err := http.Get(base + "/movies-single")
	if err != nil {
		t.Fatalf("movies-single request failed: %v", err)
	}
	var single map[string]any
	if err := json.NewDecoder(singleResp.Body).Decode(&single); err != nil {
		t.Fatalf("failed to decode /movies-single response: %v", err)
	}
	singleResp.Body.Close()
	if single["year"] != float64(2008) {
		t.Errorf("movies-single = %v, want year 2008", single)
	}

	errResp, err := http.Get(base + "/query-error")
	if err != nil {
		t.Fatalf("query-error request failed: %v", err)
	}
	var errBody map[string]string
	if err := json.NewDecoder(errResp.Body).Decode(&errBody); err != nil {
		t.Fatalf("failed to decode /query-error response: %v", err)
	}
	errResp.Body.Close()
	if errResp.StatusCode != 500 {
		t.Errorf("query-error status = %d, want 500", errResp.StatusCode)
	}
	if errBody["error"] != cfg.GenericErrorMessage {
		t.Errorf("query-error message = %q, want the generic error message %q", errBody["error"], cfg.GenericErrorMessage)
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/query-error", nil)
	req.Header.Set(cfg.DebugHeaderName, cfg.DebugHeaderValue)
	debugResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("debug query-error request failed: %v", err)
	}
	var debugBody map[string]string
	if err := json.NewDecoder(debugResp.Body).Decode(&debugBody); err != nil {
		t.Fatalf("failed to decode debug /query-error response: %v", err)
	}
	debugResp.Body.Close()
	if debugBody["error"] != "database query failed" {
		t.Errorf("debug query-error message = %q, want the underlying gwerr message", debugBody["error"])
	}
}

func TestGatewayNotFoundRoute(t *testing.T) {
	addr := freeAddr(t)
	cfg := minimalValidConfig()
	cfg.Listen = addr

	logger := zerolog.Nop()
	gw, err := NewGateway(cfg, &Runtime{Logger: &logger})
	if err != nil {
		t.Fatalf("unexpected NewGateway error: %v", err)
	}
	if err := gw.Start(); err != nil {
		t.Fatalf("unexpected Start error: %v", err)
	}
	defer gw.Stop(time.Second)

	resp, err := http.Get(fmt.Sprintf("http://%s/no-such-route", addr))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
