package dbexec

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"toolgate/pkg/types"
)

func redisSpec() TypeSpec {
	return TypeSpec{
		Type:        "redis",
		Description: "Redis key-value store",
		Fields: []CredentialField{
			{Name: "host", Description: "Server hostname", Required: true},
			{Name: "port", Description: "Server port", Default: "6379"},
			{Name: "password", Secret: true},
			{Name: "db", Description: "Database number", Default: "0"},
		},
	}
}

// redisExecutor runs commands against a user's Redis instance. The query is
// one command line, e.g. "GET session:42" or "LRANGE queue 0 -1".
type redisExecutor struct{}

func (e *redisExecutor) client(creds Credentials) *redis.Client {
	spec := redisSpec()
	db, _ := strconv.Atoi(creds.Get("db", spec))
	return redis.NewClient(&redis.Options{
		Addr:         creds.Get("host", spec) + ":" + creds.Get("port", spec),
		Password:     creds["password"],
		DB:           db,
		DialTimeout:  ConnectTimeout,
		ReadTimeout:  QueryTimeout,
		WriteTimeout: QueryTimeout,
	})
}

func (e *redisExecutor) Test(ctx context.Context, creds Credentials) error {
	c := e.client(creds)
	defer c.Close()

	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return classify("redis", err)
	}
	return nil
}

func (e *redisExecutor) Execute(ctx context.Context, creds Credentials, query string) (json.RawMessage, error) {
	args := splitCommand(query)
	if len(args) == 0 {
		return nil, types.ErrQueryFailed("empty command")
	}

	c := e.client(creds)
	defer c.Close()

	ctx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()

	res, err := c.Do(ctx, args...).Result()
	if err == redis.Nil {
		return json.Marshal(map[string]any{"result": nil})
	}
	if err != nil {
		return nil, classify("redis", err)
	}
	return json.Marshal(map[string]any{"result": res})
}

// splitCommand tokenizes a command line, honoring double quotes so values
// with spaces survive (SET greeting "hello world").
func splitCommand(query string) []any {
	var args []any
	var cur strings.Builder
	inQuote := false
	for _, r := range strings.TrimSpace(query) {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			if cur.Len() > 0 {
				args = append(args, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		args = append(args, cur.String())
	}
	return args
}
