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
	"errors"
	"sort"
	"strconv"

	"github.com/jackc/pgconn"

	"github.com/rapidloop/gatewayd/gwerr"
)

// sqlStateOf extracts the SQLSTATE code from a pgx driver error. Returns ""
// for the non-postgres providers and for non-database errors, which fall
// through to the generic 500 mapping.
func sqlStateOf(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// chainResolver supplies marker resolution for one query chain execution:
// the request's parameter bundle, plus the accumulating named results of
// queries already run in this chain. Chain results take priority over the
// bundle's generic resolution, matching "query n>0 receives request
// parameters plus the prior query's result surface" (spec.md §3).
type chainResolver struct {
	bundle *ParamBundle
	chain  map[string]any
}

func (r *chainResolver) resolveGeneric(name string) (any, bool) {
	if v, ok := r.chain[name]; ok {
		return v, true
	}
	return r.bundle.resolveGeneric(name)
}

func (r *chainResolver) resolveGroup(group int, name string) (any, bool) {
	return r.bundle.resolveGroup(group, name)
}

// lowerAndBind scans sqlText for every source-pattern marker, replacing
// each with a canonical "$n" placeholder and returning the ordered bound
// argument list. Unresolved markers bind to nil (SQL null). The canonical
// "$n" form is always produced here; datasources.go's lowerPlaceholders
// rewrites it to the target driver's own placeholder syntax (postgres
// speaks "$n" natively and needs no rewrite).
func lowerAndBind(sqlText string, r *chainResolver) (lowered string, args []any) {
	n := 0
	lowered = markerRx.ReplaceAllStringFunc(sqlText, func(m string) string {
		sub := markerRx.FindStringSubmatch(m)
		prefix, name := sub[1], sub[2]

		var v any
		var ok bool
		if prefix == "" {
			v, ok = r.resolveGeneric(name)
		} else if group, known := prefixToGroup[prefix]; known {
			v, ok = r.resolveGroup(group, name)
		}
		if !ok {
			v = nil
		}
		n++
		args = append(args, v)
		return "$" + strconv.Itoa(n)
	})
	return lowered, args
}

// execQuery runs one statement on dsName and materializes its row-set into
// a slice of column-name -> value maps.
func execQuery(ctx context.Context, ds *datasources, dsName, sqlText string, r *chainResolver) ([]map[string]any, error) {
	lowered, args := lowerAndBind(sqlText, r)

	q, release, err := ds.acquire(ctx, dsName)
	if err != nil {
		return nil, err
	}
	defer release()

	rs, err := q.Query(ctx, lowered, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	cols, err := rs.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rs.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rs.Err()
}

// mergeChainParams implements the row-to-parameter threading rule of
// spec.md §4.9: exactly one row exposes its columns by name (without
// overwriting a name already set by an earlier query); zero or many rows
// are exposed as a JSON array under jsonVariableName.
func mergeChainParams(chain map[string]any, rows []map[string]any, jsonVariableName string) {
	if len(rows) == 1 {
		for k, v := range rows[0] {
			if _, exists := chain[k]; !exists {
				chain[k] = v
			}
		}
		return
	}
	name := jsonVariableName
	if name == "" {
		name = "json"
	}
	if _, exists := chain[name]; !exists {
		chain[name] = rows
	}
}

func datasourceNameFor(route *Route, qd *QueryDefinition) string {
	if qd != nil && qd.ConnectionStringName != "" {
		return qd.ConnectionStringName
	}
	if route.ConnectionStringName != "" {
		return route.ConnectionStringName
	}
	return "default"
}

func sortedQueryDefs(defs []QueryDefinition) []QueryDefinition {
	out := make([]QueryDefinition, len(defs))
	copy(out, defs)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// runQueryChain implements the Query Chain Stage (spec.md §4.9) in full:
// ordered execution, row-to-parameter threading, optional count_query, and
// response shaping (§4.10, except the file mode, resolved by the caller
// since it needs the configured file stores).
func runQueryChain(ctx context.Context, ds *datasources, route *Route, bundle *ParamBundle) (statusCode int, data any, err error) {
	sorted := sortedQueryDefs(route.QueryDefinitions)
	resolver := &chainResolver{bundle: bundle, chain: map[string]any{}}

	var finalRows []map[string]any
	for i := range sorted {
		qd := &sorted[i]
		rows, qerr := execQuery(ctx, ds, datasourceNameFor(route, qd), qd.SQLText, resolver)
		if qerr != nil {
			return 0, nil, wrapDBError(qerr)
		}
		finalRows = rows
		// the receiving statement (or the count query, after the last
		// statement) names the variable that carries this result set
		jsonName := ""
		if i+1 < len(sorted) {
			jsonName = sorted[i+1].JSONVariableName
		} else if route.CountQuery != nil {
			jsonName = route.CountQuery.JSONVariableName
		}
		mergeChainParams(resolver.chain, rows, jsonName)
	}

	statusCode = route.SuccessStatusCode
	if statusCode == 0 {
		statusCode = 200
	}

	if route.CountQuery != nil {
		countRows, qerr := execQuery(ctx, ds, datasourceNameFor(route, route.CountQuery), route.CountQuery.SQLText, resolver)
		if qerr != nil {
			return 0, nil, wrapDBError(qerr)
		}
		var count any
		if len(countRows) == 1 {
			for _, v := range countRows[0] {
				count = v
				break
			}
		}
		return statusCode, map[string]any{"count": count, "data": rowsAsArray(finalRows)}, nil
	}

	if route.ResponseStructure == ResponseFile {
		return statusCode, finalRows, nil // streamed by Gateway.serveQueryFile, never shaped here
	}

	return statusCode, shapeResponse(route.ResponseStructure, finalRows), nil
}

func rowsAsArray(rows []map[string]any) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}

// shapeResponse applies the auto/single/array rules of spec.md §4.10.
func shapeResponse(structure string, rows []map[string]any) any {
	switch structure {
	case ResponseSingle:
		if len(rows) == 0 {
			return nil
		}
		return rows[0]
	case ResponseArray:
		return rowsAsArray(rows)
	default: // auto
		if len(rows) == 1 {
			return rows[0]
		}
		return rowsAsArray(rows)
	}
}

// wrapDBError maps a driver error to the externally surfaced status per
// spec.md §7: a conventional "50XXX" SQLSTATE becomes that XXX as the HTTP
// status; anything else is a 500.
func wrapDBError(err error) error {
	if sqlstate := sqlStateOf(err); sqlstate != "" {
		if status := gwerr.DBStatus(sqlstate); status != 0 {
			return &gwerr.Error{Kind: statusToKind(status), Code: "db_error", Message: "database query failed", Err: err}
		}
	}
	return gwerr.Internal("db_error", err, "database query failed")
}

func statusToKind(status int) gwerr.Kind {
	switch status {
	case 400:
		return gwerr.KindValidation
	case 401:
		return gwerr.KindAuth
	case 403:
		return gwerr.KindForbidden
	case 404:
		return gwerr.KindNotFound
	case 409:
		return gwerr.KindConflict
	case 502:
		return gwerr.KindUpstream
	default:
		return gwerr.KindInternal
	}
}
