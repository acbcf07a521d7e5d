// Package server is the reference jarvis backend: HTTP auth endpoints, the
// streaming chat websocket, and the admin surface, wired over the sqlite
// store and the watermill event bus.
package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Settings is the server configuration, loaded from JARVIS_* environment
// variables with working defaults for local development.
type Settings struct {
	Addr          string
	DBPath        string
	SessionID     string
	MaxToolSteps  int
	JWTSecret     string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
	AdminUsername string
	AdminEmail    string
	AdminPassword string
}

// DefaultSettings returns the built-in defaults without consulting the
// environment.
func DefaultSettings() Settings {
	return Settings{
		Addr:          ":8000",
		DBPath:        ".jarvis.db",
		SessionID:     "default",
		MaxToolSteps:  5,
		JWTSecret:     "change-me-in-production",
		AccessExpiry:  30 * time.Minute,
		RefreshExpiry: 7 * 24 * time.Hour,
		AdminUsername: "admin",
		AdminEmail:    "admin@jarvis.local",
		AdminPassword: "admin",
	}
}

// LoadSettings reads JARVIS_* environment variables over the defaults.
func LoadSettings() (Settings, error) {
	s := DefaultSettings()

	if v := os.Getenv("JARVIS_ADDR"); v != "" {
		s.Addr = v
	}
	if v := os.Getenv("JARVIS_DB_PATH"); v != "" {
		s.DBPath = v
	}
	if v := os.Getenv("JARVIS_SESSION_ID"); v != "" {
		s.SessionID = v
	}
	if v := os.Getenv("JARVIS_JWT_SECRET"); v != "" {
		s.JWTSecret = v
	}
	if v := os.Getenv("JARVIS_ADMIN_USERNAME"); v != "" {
		s.AdminUsername = v
	}
	if v := os.Getenv("JARVIS_ADMIN_EMAIL"); v != "" {
		s.AdminEmail = v
	}
	if v := os.Getenv("JARVIS_ADMIN_PASSWORD"); v != "" {
		s.AdminPassword = v
	}

	maxToolSteps, err := readNonNegativeInt("JARVIS_MAX_TOOL_STEPS", s.MaxToolSteps)
	if err != nil {
		return Settings{}, err
	}
	s.MaxToolSteps = maxToolSteps

	accessMinutes, err := readNonNegativeInt("JARVIS_JWT_ACCESS_EXPIRY_MINUTES", 30)
	if err != nil {
		return Settings{}, err
	}
	s.AccessExpiry = time.Duration(accessMinutes) * time.Minute

	refreshDays, err := readNonNegativeInt("JARVIS_JWT_REFRESH_EXPIRY_DAYS", 7)
	if err != nil {
		return Settings{}, err
	}
	s.RefreshExpiry = time.Duration(refreshDays) * 24 * time.Hour

	return s, nil
}

func readNonNegativeInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "%s must be an integer", key)
	}
	if value < 0 {
		return 0, errors.Errorf("%s must not be negative", key)
	}
	return value, nil
}
