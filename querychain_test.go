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
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgconn"

	"github.com/rapidloop/gatewayd/gwerr"
)

func TestLowerAndBindGenericMarker(t *testing.T) {
	bundle := &ParamBundle{}
	bundle.set(groupQueryString, "year", int64(1972))
	r := &chainResolver{bundle: bundle, chain: map[string]any{}}

	lowered, args := lowerAndBind("select * from movies where year = {{year}}", r)
	if lowered != "select * from movies where year = $1" {
		t.Errorf("lowered = %q", lowered)
	}
	if len(args) != 1 || args[0] != int64(1972) {
		t.Errorf("args = %v", args)
	}
}

func TestLowerAndBindPrefixedMarkerScopesToOneGroup(t *testing.T) {
	bundle := &ParamBundle{}
	bundle.set(groupQueryString, "name", "from-query")
	bundle.set(groupJSON, "name", "from-json")
	r := &chainResolver{bundle: bundle, chain: map[string]any{}}

	_, args := lowerAndBind("select {j{name}}", r)
	if len(args) != 1 || args[0] != "from-json" {
		t.Errorf("args = %v, want the json-body value only", args)
	}
}

func TestLowerAndBindChainResultOutranksBundle(t *testing.T) {
	bundle := &ParamBundle{}
	bundle.set(groupQueryString, "id", "from-bundle")
	r := &chainResolver{bundle: bundle, chain: map[string]any{"id": "from-chain"}}

	_, args := lowerAndBind("select {{id}}", r)
	if len(args) != 1 || args[0] != "from-chain" {
		t.Errorf("args = %v, want the chain's accumulated value to win", args)
	}
}

func TestLowerAndBindUnresolvedMarkerBindsNull(t *testing.T) {
	r := &chainResolver{bundle: &ParamBundle{}, chain: map[string]any{}}

	_, args := lowerAndBind("select {{missing}}", r)
	if len(args) != 1 || args[0] != nil {
		t.Errorf("args = %v, want a single nil binding", args)
	}
}

func TestLowerAndBindMultipleMarkersNumberInOrder(t *testing.T) {
	bundle := &ParamBundle{}
	bundle.set(groupQueryString, "a", "A")
	bundle.set(groupQueryString, "b", "B")
	r := &chainResolver{bundle: bundle, chain: map[string]any{}}

	lowered, args := lowerAndBind("insert into t (x, y) values ({{a}}, {{b}})", r)
	if lowered != "insert into t (x, y) values ($1, $2)" {
		t.Errorf("lowered = %q", lowered)
	}
	if len(args) != 2 || args[0] != "A" || args[1] != "B" {
		t.Errorf("args = %v", args)
	}
}

func TestMergeChainParamsSingleRowExposesColumns(t *testing.T) {
	chain := map[string]any{}
	mergeChainParams(chain, []map[string]any{{"id": int64(1), "name": "alice"}}, "")
	if chain["id"] != int64(1) || chain["name"] != "alice" {
		t.Errorf("chain = %v", chain)
	}
}

func TestMergeChainParamsSingleRowDoesNotOverwriteExisting(t *testing.T) {
	chain := map[string]any{"id": "original"}
	mergeChainParams(chain, []map[string]any{{"id": int64(99)}}, "")
	if chain["id"] != "original" {
		t.Errorf("chain[id] = %v, want the earlier value preserved", chain["id"])
	}
}

func TestMergeChainParamsZeroRowsUsesJSONVariableName(t *testing.T) {
	chain := map[string]any{}
	mergeChainParams(chain, nil, "")
	v, ok := chain["json"]
	if !ok {
		t.Fatal("expected a \"json\" entry for zero rows")
	}
	rows, ok := v.([]map[string]any)
	if !ok || rows != nil {
		t.Errorf("chain[json] = %v (%T)", v, v)
	}
}

func TestMergeChainParamsManyRowsUsesCustomVariableName(t *testing.T) {
	chain := map[string]any{}
	rows := []map[string]any{{"id": int64(1)}, {"id": int64(2)}}
	mergeChainParams(chain, rows, "matches")
	v, ok := chain["matches"].([]map[string]any)
	if !ok || len(v) != 2 {
		t.Errorf("chain[matches] = %v", chain["matches"])
	}
}

func TestSortedQueryDefsOrdersByIndex(t *testing.T) {
	in := []QueryDefinition{
		{Index: 2, SQLText: "third"},
		{Index: 0, SQLText: "first"},
		{Index: 1, SQLText: "second"},
	}
	out := sortedQueryDefs(in)
	if out[0].SQLText != "first" || out[1].SQLText != "second" || out[2].SQLText != "third" {
		t.Errorf("out = %+v", out)
	}
	// the input slice must not be mutated in place.
	if in[0].SQLText != "third" {
		t.Error("sortedQueryDefs must copy, not sort in place")
	}
}

func TestDatasourceNameForPrecedence(t *testing.T) {
	route := &Route{ConnectionStringName: "route-ds"}
	if got := datasourceNameFor(route, &QueryDefinition{ConnectionStringName: "stmt-ds"}); got != "stmt-ds" {
		t.Errorf("got %q, want the statement's own datasource to win", got)
	}
	if got := datasourceNameFor(route, &QueryDefinition{}); got != "route-ds" {
		t.Errorf("got %q, want the route's datasource", got)
	}
	if got := datasourceNameFor(&Route{}, &QueryDefinition{}); got != "default" {
		t.Errorf("got %q, want the built-in default", got)
	}
}

func TestShapeResponseSingle(t *testing.T) {
	rows := []map[string]any{{"a": 1}, {"a": 2}}
	if got := shapeResponse(ResponseSingle, rows); got.(map[string]any)["a"] != 1 {
		t.Errorf("got %v, want the first row", got)
	}
	if got := shapeResponse(ResponseSingle, nil); got != nil {
		t.Errorf("got %v, want nil for zero rows", got)
	}
}

func TestShapeResponseArray(t *testing.T) {
	rows := []map[string]any{{"a": 1}}
	got, ok := shapeResponse(ResponseArray, rows).([]any)
	if !ok || len(got) != 1 {
		t.Errorf("got %v", got)
	}
}

func TestShapeResponseAuto(t *testing.T) {
	if got := shapeResponse(ResponseAuto, []map[string]any{{"a": 1}}); got.(map[string]any)["a"] != 1 {
		t.Errorf("single row should unwrap to an object, got %v", got)
	}
	got, ok := shapeResponse(ResponseAuto, []map[string]any{{"a": 1}, {"a": 2}}).([]any)
	if !ok || len(got) != 2 {
		t.Errorf("multiple rows should stay an array, got %v", got)
	}
	got, ok = shapeResponse(ResponseAuto, nil).([]any)
	if !ok || len(got) != 0 {
		t.Errorf("zero rows should be an empty array, got %v", got)
	}
}

func TestWrapDBErrorMapsConventionalSQLState(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "50404", Message: "not found"}
	err := wrapDBError(pgErr)

	var gerr *gwerr.Error
	if !errors.As(err, &gerr) {
		t.Fatalf("expected a *gwerr.Error, got %T", err)
	}
	if gerr.Status() != 404 {
		t.Errorf("status = %d, want 404 from SQLSTATE 50404", gerr.Status())
	}
}

func TestWrapDBErrorNonConventionalSQLStateIsInternal(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "42601", Message: "syntax error"}
	err := wrapDBError(pgErr)

	var gerr *gwerr.Error
	if !errors.As(err, &gerr) {
		t.Fatalf("expected a *gwerr.Error, got %T", err)
	}
	if gerr.Status() != 500 {
		t.Errorf("status = %d, want 500 for a non-conventional SQLSTATE", gerr.Status())
	}
}

func TestWrapDBErrorNonPgErrorIsInternal(t *testing.T) {
	err := wrapDBError(fmt.Errorf("boom"))

	var gerr *gwerr.Error
	if !errors.As(err, &gerr) || gerr.Status() != 500 {
		t.Fatalf("expected a 500 *gwerr.Error, got %v", err)
	}
}

func TestStatusToKind(t *testing.T) {
	tests := map[int]gwerr.Kind{
		400: gwerr.KindValidation,
		401: gwerr.KindAuth,
		403: gwerr.KindForbidden,
		404: gwerr.KindNotFound,
		409: gwerr.KindConflict,
		502: gwerr.KindUpstream,
		500: gwerr.KindInternal,
		418: gwerr.KindInternal,
	}
	for status, want := range tests {
		if got := statusToKind(status); got != want {
			t.Errorf("statusToKind(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestRowsAsArray(t *testing.T) {
	rows := []map[string]any{{"a": 1}, {"a": 2}}
	out := rowsAsArray(rows)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d", len(out))
	}
	if out[0].(map[string]any)["a"] != 1 {
		t.Errorf("out[0] = %v", out[0])
	}
}
