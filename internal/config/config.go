package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Duration is a time.Duration that reads from a JSON string like "30s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the settings shared by the server, device agent and admin
// console. Each binary reads the subset it needs.
type Config struct {
	ServerURL  string `json:"serverUrl"`
	ListenAddr string `json:"listenAddr"`
	DataDir    string `json:"dataDir"`
	LogFile    string `json:"logFile"`
	LogLevel   string `json:"logLevel"`

	// AdminPasswordHash is a bcrypt hash. AdminPassword is accepted for
	// local setups and hashed at startup.
	AdminPasswordHash string   `json:"adminPasswordHash"`
	AdminPassword     string   `json:"adminPassword"`
	TokenTTL          Duration `json:"tokenTtl"`

	PermissionInitialDelay Duration `json:"permissionInitialDelay"`
	PermissionPeriod       Duration `json:"permissionPeriod"`
	PollPeriod             Duration `json:"pollPeriod"`
	PollJitter             Duration `json:"pollJitter"`
	ReconnectDelay         Duration `json:"reconnectDelay"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ServerURL:              "http://localhost:8080",
		ListenAddr:             ":8080",
		LogLevel:               "info",
		TokenTTL:               Duration(12 * time.Hour),
		PermissionInitialDelay: Duration(5 * time.Second),
		PermissionPeriod:       Duration(time.Second),
		PollPeriod:             Duration(30 * time.Second),
		ReconnectDelay:         Duration(3 * time.Second),
	}
}

// Load reads path over the defaults, then applies FLEETSYNC_* environment
// overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("open config: %w", err)
		default:
			defer f.Close()
			if err := json.NewDecoder(f).Decode(&cfg); err != nil {
				return cfg, fmt.Errorf("decode config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"FLEETSYNC_SERVER_URL":          &c.ServerURL,
		"FLEETSYNC_LISTEN_ADDR":         &c.ListenAddr,
		"FLEETSYNC_DATA_DIR":            &c.DataDir,
		"FLEETSYNC_LOG_FILE":            &c.LogFile,
		"FLEETSYNC_LOG_LEVEL":           &c.LogLevel,
		"FLEETSYNC_ADMIN_PASSWORD":      &c.AdminPassword,
		"FLEETSYNC_ADMIN_PASSWORD_HASH": &c.AdminPasswordHash,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	durs := map[string]*Duration{
		"FLEETSYNC_TOKEN_TTL":                &c.TokenTTL,
		"FLEETSYNC_PERMISSION_INITIAL_DELAY": &c.PermissionInitialDelay,
		"FLEETSYNC_PERMISSION_PERIOD":        &c.PermissionPeriod,
		"FLEETSYNC_POLL_PERIOD":              &c.PollPeriod,
		"FLEETSYNC_POLL_JITTER":              &c.PollJitter,
		"FLEETSYNC_RECONNECT_DELAY":          &c.ReconnectDelay,
	}
	for key, dst := range durs {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = Duration(d)
	}
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	return nil
}

// Validate rejects periods the timers cannot run with.
func (c Config) Validate() error {
	if c.PermissionPeriod <= 0 {
		return errors.New("permissionPeriod must be positive")
	}
	if c.PollPeriod <= 0 {
		return errors.New("pollPeriod must be positive")
	}
	if c.PermissionInitialDelay < 0 || c.PollJitter < 0 || c.ReconnectDelay < 0 {
		return errors.New("delays must not be negative")
	}
	if c.TokenTTL <= 0 {
		return errors.New("tokenTtl must be positive")
	}
	return nil
}
