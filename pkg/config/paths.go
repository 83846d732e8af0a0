package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	envHome             = "CHATRELAY_HOME"
	defaultProfileLabel = "default"
)

var profilePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Paths are the on-disk locations owned by one profile.
type Paths struct {
	Home           string
	Profile        string
	Label          string
	CredentialsDir string
	StateDir       string
	MediaDir       string
	LogDir         string
	LogFile        string
	SessionStore   string
}

// DefaultHome returns CHATRELAY_HOME or ~/.chatrelay.
func DefaultHome() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envHome)); value != "" {
		return value, nil
	}

	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	return filepath.Join(userHome, ".chatrelay"), nil
}

// NormalizeProfile trims and validates a profile name. Empty means the default profile.
func NormalizeProfile(profile string) (string, error) {
	trimmed := strings.TrimSpace(profile)
	if trimmed == "" {
		return "", nil
	}
	if !profilePattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: profile %q must match [a-z0-9_-]+", ErrInvalid, trimmed)
	}

	return trimmed, nil
}

// ResolvePaths lays out the per-profile directories under home.
//
// The default profile keeps state directly in home; named profiles get their own
// subdirectories so two profiles never share a session store or media cache.
func ResolvePaths(home string, profile string) (Paths, error) {
	profile, err := NormalizeProfile(profile)
	if err != nil {
		return Paths{}, err
	}

	if strings.TrimSpace(home) == "" {
		home, err = DefaultHome()
		if err != nil {
			return Paths{}, err
		}
	}

	paths := Paths{
		Home:           home,
		Profile:        profile,
		Label:          defaultProfileLabel,
		CredentialsDir: filepath.Join(home, "credentials"),
		StateDir:       home,
		MediaDir:       filepath.Join(home, "media"),
		LogDir:         filepath.Join(os.TempDir(), "chatrelay"),
	}

	if profile != "" {
		paths.Label = profile
		paths.CredentialsDir = filepath.Join(home, "credentials", profile)
		paths.StateDir = filepath.Join(home, "state", profile)
		paths.MediaDir = filepath.Join(home, "media", profile)
		paths.LogDir = filepath.Join(os.TempDir(), "chatrelay", profile)
	}

	paths.LogFile = filepath.Join(paths.LogDir, "chatrelay.log")
	paths.SessionStore = filepath.Join(paths.StateDir, "sessions.json")

	return paths, nil
}

// WithSessionStore applies a configured store path override.
func (p Paths) WithSessionStore(store string) Paths {
	store = strings.TrimSpace(store)
	if store == "" {
		return p
	}

	if strings.HasPrefix(store, "~/") {
		if userHome, err := os.UserHomeDir(); err == nil {
			store = filepath.Join(userHome, store[2:])
		}
	}

	p.SessionStore = store
	return p
}

// ProfilePort offsets basePort by a stable hash of the profile so several
// profiles can run side by side. The default profile keeps basePort.
func ProfilePort(basePort int, profile string) int {
	profile = strings.TrimSpace(profile)
	if profile == "" {
		return basePort
	}

	hash := 0
	for _, ch := range profile {
		hash = (hash*31 + int(ch)) % 1000
	}

	offset := hash%1000 + 1
	if candidate := basePort + offset; candidate <= 65535 {
		return candidate
	}

	room := max(1, 65535-basePort)
	return basePort + offset%room
}
