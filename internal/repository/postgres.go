package repository

import (
	"cmp"
	"net"
	"net/url"
	"strconv"

	_ "github.com/lib/pq"

	"github.com/opensource-finance/atelier/internal/domain"
)

// postgresDSN returns a lib/pq connection URL. Credentials are escaped,
// so passwords may contain any character.
func postgresDSN(cfg domain.RepositoryConfig) string {
	q := url.Values{}
	q.Set("sslmode", cmp.Or(cfg.PostgresSSLMode, "disable"))
	q.Set("application_name", "atelier")
	q.Set("connect_timeout", "10")

	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(cmp.Or(cfg.PostgresHost, "localhost"), strconv.Itoa(cmp.Or(cfg.PostgresPort, 5432))),
		Path:     "/" + cmp.Or(cfg.PostgresDB, "atelier"),
		RawQuery: q.Encode(),
	}
	if cfg.PostgresUser != "" {
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	}
	return u.String()
}
