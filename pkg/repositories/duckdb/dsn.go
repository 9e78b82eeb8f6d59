package duckdb

import (
	"net/url"
	"strings"
)

const redacted = "*****"

// redactDSN hides credentials in a catalog DSN before it is logged. Catalog
// databases reached through an extension carry tokens in the query string,
// e.g. "md:catalog?motherduck_token=...".
func redactDSN(dsn string) string {
	if dsn == "" || dsn == ":memory:" {
		return dsn
	}

	path, query, hasQuery := strings.Cut(dsn, "?")
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), redacted)
		}
		path, query, hasQuery = strings.Cut(u.String(), "?")
	}
	if !hasQuery {
		return path
	}

	params, err := url.ParseQuery(query)
	if err != nil {
		return path + "?" + redacted
	}
	for k := range params {
		if sensitiveParam(k) {
			params.Set(k, redacted)
		}
	}
	return path + "?" + params.Encode()
}

func sensitiveParam(key string) bool {
	key = strings.ToLower(key)
	return strings.Contains(key, "pass") ||
		strings.Contains(key, "token") ||
		strings.Contains(key, "secret") ||
		strings.HasSuffix(key, "key")
}

// normalizeMotherDuckDSN rewrites motherduck:db to the md:db form DuckDB
// understands.
func normalizeMotherDuckDSN(dsn string) string {
	if rest, ok := strings.CutPrefix(dsn, "motherduck:"); ok {
		return "md:" + strings.TrimPrefix(rest, "//")
	}
	return dsn
}

func isMotherDuckDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "md:")
}

// withMotherDuckToken sets motherduck_token on md: DSNs that lack one.
func withMotherDuckToken(dsn, token string) string {
	if token == "" || !isMotherDuckDSN(dsn) {
		return dsn
	}
	path, query, _ := strings.Cut(dsn, "?")
	params, err := url.ParseQuery(query)
	if err != nil {
		return dsn
	}
	if params.Get("motherduck_token") != "" {
		return dsn
	}
	params.Set("motherduck_token", token)
	return path + "?" + params.Encode()
}
