package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// LoadEnv loads a .env file into the process environment when one exists.
// Variables already set win.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

// DatabaseURL resolves the Postgres connection string: the explicit flag,
// then SOFTTEACHER_DB, then the POSTGRES_* variables, then a local default.
func DatabaseURL(flag string) string {
	if flag != "" {
		return flag
	}
	if url := os.Getenv("SOFTTEACHER_DB"); url != "" {
		return url
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	// Fallback to local default if no env vars are present
	return "postgres://localhost:5432/softteacher"
}
