package config

import "net/url"

// dbDSNFromEnv returns DATABASE_URL when set, otherwise a postgres URL
// assembled from the DB_* variables with local development defaults.
func dbDSNFromEnv(getenv func(string) string) string {
	if v := getenv("DATABASE_URL"); v != "" {
		return v
	}

	host := getenvDefault(getenv, "DB_HOST", "127.0.0.1")
	port := getenvDefault(getenv, "DB_PORT", "5438")
	user := getenvDefault(getenv, "DB_USER", "app")
	pass := getenvDefault(getenv, "DB_PASSWORD", "app")
	name := getenvDefault(getenv, "DB_NAME", "member_sync")
	sslmode := getenvDefault(getenv, "DB_SSLMODE", "disable")

	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, pass),
		Host:   host + ":" + port,
		Path:   "/" + name,
	}
	q := u.Query()
	q.Set("sslmode", sslmode)
	u.RawQuery = q.Encode()
	return u.String()
}

func getenvDefault(getenv func(string) string, key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}
