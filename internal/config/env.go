package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadEnvFiles loads .env files from the working directory and the user's
// config directory. Variables already set in the environment win.
func LoadEnvFiles() error {
	envPaths := []string{
		"./.env",
	}

	if home, err := os.UserHomeDir(); err == nil {
		envPaths = append(envPaths,
			filepath.Join(home, ".preventx", ".env"),
			filepath.Join(home, ".config", "preventx", ".env"),
		)
	}

	for _, path := range envPaths {
		if _, err := os.Stat(path); err == nil {
			if err := loadEnvFile(path); err != nil {
				return err
			}
		}
	}

	return nil
}

func loadEnvFile(path string) error {
	return godotenv.Load(path)
}

func GetEnvWithFallback(keys ...string) string {
	for _, key := range keys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	return ""
}
