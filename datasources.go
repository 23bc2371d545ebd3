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
	"database/sql"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"

	_ "github.com/godror/godror"
)

// rowSet is the minimal surface the query chain engine needs from a result
// set, implemented by both the pgx and database/sql adapters below.
type rowSet interface {
	Next() bool
	Scan(dest ...any) error
	Columns() ([]string, error)
	Err() error
	Close()
}

// querier is the minimal surface the query chain engine needs from a
// connection, implemented for postgres (via pgx) and for the four
// database/sql-backed providers.
type querier interface {
	Exec(ctx context.Context, sqlText string, args ...any) (rowsAffected int64, err error)
	Query(ctx context.Context, sqlText string, args ...any) (rowSet, error)
}

//------------------------------------------------------------------------------
// pgx adapter (postgres)

type pgxRows struct{ pgx.Rows }

func (r pgxRows) Columns() ([]string, error) {
	fds := r.FieldDescriptions()
	out := make([]string, len(fds))
	for i, fd := range fds {
		out[i] = string(fd.Name)
	}
	return out, nil
}

func (r pgxRows) Close() { r.Rows.Close() }

type pgxQuerier struct {
	conn *pgxpool.Conn
}

func (q pgxQuerier) Exec(ctx context.Context, sqlText string, args ...any) (int64, error) {
	tag, err := q.conn.Exec(ctx, sqlText, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q pgxQuerier) Query(ctx context.Context, sqlText string, args ...any) (rowSet, error) {
	rows, err := q.conn.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	return pgxRows{rows}, nil
}

//------------------------------------------------------------------------------
// database/sql adapter (sqlserver, mysql, sqlite, oracle)

type sqlRows struct{ *sql.Rows }

func (r sqlRows) Close() { _ = r.Rows.Close() }

type sqlQuerier struct {
	conn     *sql.Conn
	provider string
}

func (q sqlQuerier) Exec(ctx context.Context, sqlText string, args ...any) (int64, error) {
	res, err := q.conn.ExecContext(ctx, lowerPlaceholders(q.provider, sqlText), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q sqlQuerier) Query(ctx context.Context, sqlText string, args ...any) (rowSet, error) {
	rows, err := q.conn.QueryContext(ctx, lowerPlaceholders(q.provider, sqlText), args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

// dollarParamRx matches the $1, $2, ... placeholders the query chain engine
// always emits when lowering markers, regardless of target provider.
var dollarParamRx = regexp.MustCompile(`\$[0-9]+`)

// lowerPlaceholders rewrites already-bound-parameter SQL (where every
// argument is referenced positionally as `$1`, `$2`, ... by the query chain
// engine's marker lowering) into the placeholder syntax the driver expects.
// Postgres already speaks `$n` natively and never reaches this function.
func lowerPlaceholders(provider, sqlText string) string {
	switch provider {
	case ProviderSQLServer:
		n := 0
		return dollarParamRx.ReplaceAllStringFunc(sqlText, func(string) string {
			n++
			return "@p" + strconv.Itoa(n)
		})
	case ProviderMySQL, ProviderSQLite:
		return dollarParamRx.ReplaceAllString(sqlText, "?")
	case ProviderOracle:
		n := 0
		return dollarParamRx.ReplaceAllStringFunc(sqlText, func(string) string {
			n++
			return ":" + strconv.Itoa(n)
		})
	}
	return sqlText
}

//------------------------------------------------------------------------------
// datasource pool management

type pooledDatasource struct {
	provider string
	pgxPool  *pgxpool.Pool
	sqlDB    *sql.DB
}

type datasources struct {
	logger   zerolog.Logger
	pools    sync.Map // name -> *pooledDatasource
	timeouts sync.Map // name -> time.Duration
	bgctx    context.Context
}

func (d *datasources) start(bgctx context.Context, sources []Datasource) error {
	d.bgctx = bgctx
	for i := range sources {
		s := &sources[i]
		provider := effectiveProvider(s)
		if provider == ProviderDB2 {
			err := fmt.Errorf("datasource %q: provider 'db2' has no linked driver in this build", s.Name)
			d.logger.Error().Str("datasource", s.Name).Err(err).Msg("failed to connect to datasource")
			d.stop()
			return err
		}
		pd, err := dsconnect(bgctx, provider, s)
		if err != nil {
			d.logger.Error().Str("datasource", s.Name).Str("provider", provider).Err(err).
				Msg("failed to connect to datasource")
			d.stop()
			return err
		}
		d.logger.Info().Str("datasource", s.Name).Str("provider", provider).
			Msg("successfully connected to datasource")
		d.pools.Store(s.Name, pd)
		if s.Timeout != nil && *s.Timeout > 0 {
			d.timeouts.Store(s.Name, time.Duration(*s.Timeout*float64(time.Second)))
		}
	}
	return nil
}

// effectiveProvider returns s.Provider if set, else auto-detects it from
// s.Value's connection-string scheme, defaulting to postgres when neither
// gives an answer (matching the teacher's postgres-only heritage).
func effectiveProvider(s *Datasource) string {
	if s.Provider != "" {
		return s.Provider
	}
	v := s.Value
	switch {
	case strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://"):
		return ProviderPostgres
	case strings.HasPrefix(v, "sqlserver://"):
		return ProviderSQLServer
	case strings.Contains(v, "@tcp(") || strings.HasPrefix(v, "mysql://"):
		return ProviderMySQL
	case strings.HasSuffix(v, ".db") || strings.HasSuffix(v, ".sqlite") || strings.HasSuffix(v, ".sqlite3"):
		return ProviderSQLite
	case strings.HasPrefix(v, "oracle://") || strings.Contains(v, "/@") || strings.Contains(v, "@//"):
		return ProviderOracle
	default:
		return ProviderPostgres
	}
}

func dsconnect(ctx context.Context, provider string, s *Datasource) (*pooledDatasource, error) {
	if s.Timeout != nil && *s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*s.Timeout*float64(time.Second)))
		defer cancel()
	}

	if provider == ProviderPostgres {
		cfg, err := ds2cfg(s)
		if err != nil {
			return nil, err
		}
		pool, err := pgxpool.ConnectConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &pooledDatasource{provider: provider, pgxPool: pool}, nil
	}

	dsn := s.Value
	if dsn == "" {
		return nil, fmt.Errorf("datasource %q: provider %q requires a connection string value", s.Name, provider)
	}
	driverName := map[string]string{
		ProviderSQLServer: "sqlserver",
		ProviderMySQL:     "mysql",
		ProviderSQLite:    "sqlite3",
		ProviderOracle:    "godror",
	}[provider]
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if p := s.Pool; p != nil {
		if p.MaxConns != nil && *p.MaxConns > 0 {
			db.SetMaxOpenConns(int(*p.MaxConns))
		}
		if p.MinConns != nil && *p.MinConns > 0 {
			db.SetMaxIdleConns(int(*p.MinConns))
		}
		if p.MaxConnectedTime != nil && *p.MaxConnectedTime > 0 {
			db.SetConnMaxLifetime(time.Duration(*p.MaxConnectedTime * float64(time.Second)))
		}
		if p.MaxIdleTime != nil && *p.MaxIdleTime > 0 {
			db.SetConnMaxIdleTime(time.Duration(*p.MaxIdleTime * float64(time.Second)))
		}
		if !p.Lazy {
			if err := db.PingContext(ctx); err != nil {
				db.Close()
				return nil, err
			}
		}
	} else if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &pooledDatasource{provider: provider, sqlDB: db}, nil
}

func ds2cfg(s *Datasource) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(ds2url(s))
	if err != nil {
		return nil, err
	}
	if s.PreferSimpleProtocol {
		cfg.ConnConfig.PreferSimpleProtocol = true
	}
	if p := s.Pool; p != nil {
		if p.MinConns != nil && *p.MinConns > 0 && *p.MinConns <= math.MaxInt32 {
			cfg.MinConns = int32(*p.MinConns)
		}
		if p.MaxConns != nil && *p.MaxConns > 0 && *p.MaxConns <= math.MaxInt32 {
			cfg.MaxConns = int32(*p.MaxConns)
		}
		if p.MaxIdleTime != nil && *p.MaxIdleTime > 0 {
			cfg.MaxConnIdleTime = time.Duration(*p.MaxIdleTime * float64(time.Second))
		}
		if p.MaxConnectedTime != nil && *p.MaxConnectedTime > 0 {
			cfg.MaxConnLifetime = time.Duration(*p.MaxConnectedTime * float64(time.Second))
		}
		if p.Lazy {
			cfg.LazyConnect = true
		}
	}
	if len(s.Role) > 0 {
		// SET ROLE does not take a bind parameter; s.Role is validated
		// against rxRole before this point, so it cannot carry SQL syntax.
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			if _, err := conn.Exec(ctx, "SET ROLE "+s.Role); err != nil {
				return fmt.Errorf("failed to set role %q: %w", s.Role, err)
			}
			return nil
		}
	}
	return cfg, nil
}

func ds2url(s *Datasource) string {
	if s.Value != "" {
		return s.Value
	}
	params := make(url.Values)
	set := func(v, kw string) {
		if len(v) > 0 {
			params.Set(kw, v)
		}
	}
	set(s.Host, "host")
	set(s.User, "user")
	set(s.Password, "password")
	set(s.Database, "dbname")
	set(s.Passfile, "passfile")
	set(s.SSLMode, "sslmode")
	set(s.SSLCert, "sslcert")
	set(s.SSLKey, "sslkey")
	set(s.SSLRootCert, "sslrootcert")
	for k, v := range s.Params {
		params.Set(k, v)
	}
	if s.Timeout != nil && *s.Timeout > 0 {
		params.Set("connect_timeout", strconv.Itoa(int(math.Round(*s.Timeout))))
	}
	return "postgres://?" + params.Encode()
}

func (d *datasources) get(name string) (*pooledDatasource, error) {
	v, ok := d.pools.Load(name)
	if !ok || v == nil {
		return nil, fmt.Errorf("datasource %q not found", name)
	}
	return v.(*pooledDatasource), nil
}

func (d *datasources) timeoutContext(name string) (context.Context, context.CancelFunc) {
	ctx := d.bgctx
	if t, ok := d.timeouts.Load(name); ok {
		return context.WithTimeout(ctx, t.(time.Duration))
	}
	return ctx, func() {}
}

// acquire returns a querier bound to one connection for name, and a release
// function that must be called (typically deferred) once the caller is
// done with it. This is the per-query connection scope spec.md §4.9 calls
// for: every connection is created fresh, used, and released.
func (d *datasources) acquire(ctx context.Context, name string) (querier, func(), error) {
	pd, err := d.get(name)
	if err != nil {
		return nil, nil, err
	}
	if pd.pgxPool != nil {
		conn, err := pd.pgxPool.Acquire(ctx)
		if err != nil {
			return nil, nil, err
		}
		return pgxQuerier{conn: conn}, func() { conn.Release() }, nil
	}
	conn, err := pd.sqlDB.Conn(ctx)
	if err != nil {
		return nil, nil, err
	}
	return sqlQuerier{conn: conn, provider: pd.provider}, func() { _ = conn.Close() }, nil
}

// providerOf reports the driver provider backing a datasource, used by the
// query chain engine to select the right placeholder lowering.
func (d *datasources) providerOf(name string) (string, error) {
	pd, err := d.get(name)
	if err != nil {
		return "", err
	}
	return pd.provider, nil
}

func (d *datasources) stop() {
	d.pools.Range(func(k, v any) bool {
		name, _ := k.(string)
		pd := v.(*pooledDatasource)
		if pd.pgxPool != nil {
			pd.pgxPool.Close()
		} else if pd.sqlDB != nil {
			_ = pd.sqlDB.Close()
		}
		d.logger.Info().Str("datasource", name).Msg("datasource connection pool closed")
		return true
	})
}
