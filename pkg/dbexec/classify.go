package dbexec

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"toolgate/pkg/types"
)

// mysql error numbers for credential problems.
const (
	mysqlAccessDenied   = 1045
	mysqlDBAccessDenied = 1044
	mysqlAuthPlugin     = 1698
)

// classify maps a driver error onto the taxonomy. Driver messages can leak
// connection details, so only the classification and a generic description
// survive.
func classify(driver string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrTimeout(driver + " operation")
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 28 is invalid authorization (bad password, unknown role).
		if strings.HasPrefix(string(pqErr.Code), "28") {
			return types.ErrAuthFailed(driver)
		}
		// 3D000 is unknown database, which reads as a setup problem.
		if pqErr.Code == "3D000" {
			return types.ErrConnectFailed(driver, "database does not exist")
		}
		return types.ErrQueryFailed(pqErr.Message)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlAccessDenied, mysqlDBAccessDenied, mysqlAuthPlugin:
			return types.ErrAuthFailed(driver)
		}
		return types.ErrQueryFailed(myErr.Message)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return types.ErrTimeout(driver + " connection")
		}
		return types.ErrConnectFailed(driver, "host unreachable")
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "connection reset"):
		return types.ErrConnectFailed(driver, "host unreachable")
	case strings.Contains(strings.ToLower(msg), "access denied"),
		strings.Contains(strings.ToLower(msg), "authentication failed"),
		strings.Contains(strings.ToLower(msg), "wrongpass"),
		strings.Contains(strings.ToLower(msg), "noauth"):
		return types.ErrAuthFailed(driver)
	}
	return types.ErrQueryFailed(msg)
}
