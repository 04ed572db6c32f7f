package dbexec

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"toolgate/pkg/types"
)

func postgresSpec() TypeSpec {
	return TypeSpec{
		Type:        "postgresql",
		Description: "PostgreSQL database",
		Fields: []CredentialField{
			{Name: "host", Description: "Server hostname", Required: true},
			{Name: "port", Description: "Server port", Default: "5432"},
			{Name: "database", Description: "Database name", Required: true},
			{Name: "user", Description: "Login role", Required: true},
			{Name: "password", Secret: true, Required: true},
			{Name: "sslmode", Description: "SSL mode (disable, require, verify-full)", Default: "require"},
		},
	}
}

func mysqlSpec() TypeSpec {
	return TypeSpec{
		Type:        "mysql",
		Description: "MySQL or MariaDB database",
		Fields: []CredentialField{
			{Name: "host", Description: "Server hostname", Required: true},
			{Name: "port", Description: "Server port", Default: "3306"},
			{Name: "database", Description: "Schema name", Required: true},
			{Name: "user", Description: "Login user", Required: true},
			{Name: "password", Secret: true, Required: true},
		},
	}
}

func postgresDSN(creds Credentials) string {
	spec := postgresSpec()
	return fmt.Sprintf("host=%s port=%s dbname=%s user=%s password=%s sslmode=%s connect_timeout=%d",
		creds.Get("host", spec), creds.Get("port", spec),
		creds.Get("database", spec), creds.Get("user", spec),
		quotePGValue(creds["password"]), creds.Get("sslmode", spec),
		int(ConnectTimeout.Seconds()),
	)
}

// quotePGValue escapes a value for keyword/value DSN form.
func quotePGValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// mysqlDSN builds the DSN through the driver's own formatter, which escapes
// credential values the raw user:pass@tcp(...) form would corrupt.
func mysqlDSN(creds Credentials) string {
	spec := mysqlSpec()
	cfg := mysql.NewConfig()
	cfg.User = creds.Get("user", spec)
	cfg.Passwd = creds["password"]
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(creds.Get("host", spec), creds.Get("port", spec))
	cfg.DBName = creds.Get("database", spec)
	cfg.Timeout = ConnectTimeout
	return cfg.FormatDSN()
}

// sqlExecutor runs queries through database/sql with a transient connection.
type sqlExecutor struct {
	driver string
	dsn    func(Credentials) string
}

func (e *sqlExecutor) open(creds Credentials) (*sql.DB, error) {
	db, err := sql.Open(e.driver, e.dsn(creds))
	if err != nil {
		return nil, types.ErrConnectFailed(e.driver, "invalid connection parameters")
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func (e *sqlExecutor) Test(ctx context.Context, creds Credentials) error {
	db, err := e.open(creds)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return classify(e.driver, err)
	}
	return nil
}

func (e *sqlExecutor) Execute(ctx context.Context, creds Credentials, query string) (json.RawMessage, error) {
	db, err := e.open(creds)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()

	if isRowQuery(query) {
		return e.queryRows(ctx, db, query)
	}

	res, err := db.ExecContext(ctx, query)
	if err != nil {
		return nil, classify(e.driver, err)
	}
	affected, _ := res.RowsAffected()
	return json.Marshal(map[string]int64{"rows_affected": affected})
}

// isRowQuery decides whether to expect a result set. Statements the check
// misses still work: drivers return empty result sets for non-row statements.
func isRowQuery(query string) bool {
	head := strings.ToUpper(strings.TrimSpace(query))
	for _, prefix := range []string{"SELECT", "SHOW", "WITH", "EXPLAIN", "DESCRIBE", "VALUES"} {
		if strings.HasPrefix(head, prefix) {
			return true
		}
	}
	return false
}

const maxResultRows = 1000

func (e *sqlExecutor) queryRows(ctx context.Context, db *sql.DB, query string) (json.RawMessage, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(e.driver, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, classify(e.driver, err)
	}

	out := make([]map[string]any, 0)
	truncated := false
	for rows.Next() {
		if len(out) >= maxResultRows {
			truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classify(e.driver, err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(e.driver, err)
	}

	return json.Marshal(map[string]any{
		"rows":      out,
		"row_count": len(out),
		"truncated": truncated,
	})
}
