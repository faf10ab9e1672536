package kvstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// tracingConnector opens sqlite3 connections whose statements are logged at
// debug level as "sql" records with op, sql and args attributes.
type tracingConnector struct {
	dsn    string
	logger *slog.Logger
}

func newTracingConnector(dsn string, logger *slog.Logger) driver.Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &tracingConnector{dsn: dsn, logger: logger}
}

func (c *tracingConnector) Connect(_ context.Context) (driver.Conn, error) {
	conn, err := (&sqlite3.SQLiteDriver{}).Open(c.dsn)
	if err != nil {
		return nil, err
	}
	return &tracingConn{Conn: conn, logger: c.logger}, nil
}

func (c *tracingConnector) Driver() driver.Driver { return tracingDriver{} }

type tracingDriver struct{}

func (tracingDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("sqlite3-trace: open through sql.OpenDB(connector)")
}

type tracingConn struct {
	driver.Conn
	logger *slog.Logger
}

func (c *tracingConn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *tracingConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	var (
		stmt driver.Stmt
		err  error
	)
	if p, ok := c.Conn.(driver.ConnPrepareContext); ok {
		stmt, err = p.PrepareContext(ctx, query)
	} else {
		stmt, err = c.Conn.Prepare(query)
	}
	if err != nil {
		return nil, err
	}
	return &tracingStmt{Stmt: stmt, query: query, logger: c.logger}, nil
}

func (c *tracingConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if b, ok := c.Conn.(driver.ConnBeginTx); ok {
		return b.BeginTx(ctx, opts)
	}
	//nolint:staticcheck // SA1019: fallback for conns without BeginTx
	return c.Conn.Begin()
}

type tracingStmt struct {
	driver.Stmt
	query  string
	logger *slog.Logger
}

func (s *tracingStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	s.trace("exec", args)
	if e, ok := s.Stmt.(driver.StmtExecContext); ok {
		return e.ExecContext(ctx, args)
	}
	//nolint:staticcheck // SA1019: fallback for stmts without ExecContext
	return s.Stmt.Exec(plainValues(args))
}

func (s *tracingStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	s.trace("query", args)
	if q, ok := s.Stmt.(driver.StmtQueryContext); ok {
		return q.QueryContext(ctx, args)
	}
	//nolint:staticcheck // SA1019: fallback for stmts without QueryContext
	return s.Stmt.Query(plainValues(args))
}

func (s *tracingStmt) trace(op string, args []driver.NamedValue) {
	shown := make([]string, len(args))
	for i, a := range args {
		switch v := a.Value.(type) {
		case nil:
			shown[i] = "NULL"
		case []byte:
			// Slot payloads are binary; their size is what matters in a trace.
			shown[i] = fmt.Sprintf("<%d bytes>", len(v))
		default:
			shown[i] = fmt.Sprint(v)
		}
	}
	s.logger.Debug("sql", "op", op, "sql", s.query, "args", shown)
}

func plainValues(args []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(args))
	for i := range args {
		out[i] = args[i].Value
	}
	return out
}
