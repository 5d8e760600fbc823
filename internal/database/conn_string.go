package database

import (
	"net/url"
	"strconv"

	"github.com/rickgao/chatlink/internal/config"
)

// ApplicationName is reported to the server for every pooled connection.
const ApplicationName = "chatlink"

// BuildConnString builds a PostgreSQL connection URL from config.
// User and password are escaped by url.URL.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}

	port := cfg.Port
	if port == 0 {
		port = config.DefaultDBPort
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", ApplicationName)

	u := url.URL{
		Scheme:   "postgres",
		Host:     cfg.Host + ":" + strconv.Itoa(port),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	if cfg.Password != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	} else {
		u.User = url.User(cfg.User)
	}

	return u.String()
}
