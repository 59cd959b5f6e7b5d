// Package config loads the site configuration file. The file is a plain
// KEY=VALUE dotenv, historically written by the provisioning tooling at
// /mnt/data/K3_config_settings.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultPath is where provisioning leaves the settings file.
const DefaultPath = "/mnt/data/K3_config_settings"

const (
	defaultRingThreshold  = 2
	defaultMaxRings       = 8
	defaultConnectTimeout = 30 * time.Second
)

// Config holds the validated site settings.
type Config struct {
	// Whitelist is the set of callers eligible for auto-answer, normalized
	// to +E.164.
	Whitelist []string
	// RingThreshold is how many rings a whitelisted caller waits before
	// auto-answer.
	RingThreshold int
	// MaxRings is when an unanswered inbound call is rejected.
	MaxRings int
	// AutoAnswer enables answering whitelisted callers automatically.
	AutoAnswer bool
	// AccountCode is delivered after an outbound call connects, subject to
	// the dial prefix.
	AccountCode string
	// ConnectTimeout bounds the wait for an outbound call to connect.
	ConnectTimeout time.Duration
}

// Load reads and validates the settings file at path.
func Load(path string) (*Config, error) {
	env, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return parse(env)
}

func parse(env map[string]string) (*Config, error) {
	cfg := &Config{
		RingThreshold:  defaultRingThreshold,
		MaxRings:       defaultMaxRings,
		AutoAnswer:     true,
		ConnectTimeout: defaultConnectTimeout,
	}

	for _, raw := range strings.Split(env["WHITELIST"], ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		cfg.Whitelist = append(cfg.Whitelist, NormalizeNumber(raw))
	}

	var err error
	if cfg.RingThreshold, err = intKey(env, "RING_THRESHOLD", defaultRingThreshold); err != nil {
		return nil, err
	}
	if cfg.MaxRings, err = intKey(env, "MAX_RINGS", defaultMaxRings); err != nil {
		return nil, err
	}
	if v, ok := env["AUTO_ANSWER"]; ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("config: AUTO_ANSWER: %q is not a bool", v)
		}
		cfg.AutoAnswer = b
	}
	cfg.AccountCode = strings.TrimSpace(env["ACCOUNT_CODE"])
	secs, err := intKey(env, "CONNECT_TIMEOUT_SECONDS", int(defaultConnectTimeout/time.Second))
	if err != nil {
		return nil, err
	}
	cfg.ConnectTimeout = time.Duration(secs) * time.Second

	if cfg.RingThreshold < 1 {
		return nil, fmt.Errorf("config: RING_THRESHOLD must be at least 1, got %d", cfg.RingThreshold)
	}
	if cfg.MaxRings < cfg.RingThreshold {
		return nil, fmt.Errorf("config: MAX_RINGS (%d) must be at least RING_THRESHOLD (%d)",
			cfg.MaxRings, cfg.RingThreshold)
	}
	if cfg.ConnectTimeout <= 0 {
		return nil, fmt.Errorf("config: CONNECT_TIMEOUT_SECONDS must be positive, got %d", secs)
	}
	return cfg, nil
}

func intKey(env map[string]string, key string, def int) (int, error) {
	v, ok := env[key]
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("config: %s: %q is not an integer", key, v)
	}
	return n, nil
}

// NormalizeNumber maps a dialable number to +E.164. Numbers already carrying
// a country code are kept; bare national numbers get the +1 prefix the sites
// operate under.
func NormalizeNumber(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "+") {
		return s
	}
	return "+1" + s
}

// Whitelisted reports whether number matches a whitelist entry after
// normalization.
func (c *Config) Whitelisted(number string) bool {
	number = NormalizeNumber(number)
	for _, w := range c.Whitelist {
		if w == number {
			return true
		}
	}
	return false
}
