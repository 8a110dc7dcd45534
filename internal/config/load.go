package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"taskpulse/internal/domain"
)

const envPrefix = "TASKPULSE_"

// Resolved holds the parsed form of the string-typed settings.
type Resolved struct {
	Location     *time.Location
	BusyTimeout  time.Duration
	Tick         time.Duration
	MaxExecution time.Duration
	ClaimTimeout time.Duration
	Reconcile    time.Duration
	MinPriority  domain.Priority
}

// Parse reads a JSON or YAML file on top of Default. Unknown fields are errors.
func Parse(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, err := toJSON(path, b)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("%s: invalid config: trailing data", path)
		}
		return nil, err
	}
	return cfg, nil
}

// Load parses path (or starts from Default when empty), applies TASKPULSE_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = Parse(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if _, err := cfg.Resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(envPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = n
		return nil
	}

	str("ADDR", &c.Server.Addr)
	str("DB", &c.Storage.Path)
	str("TIMEZONE", &c.Timezone)
	str("TICK", &c.Dispatcher.Tick)
	str("MAX_EXECUTION", &c.Dispatcher.MaxExecution)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_FILE", &c.Logging.File)
	str("TELEGRAM_TOKEN", &c.Notifier.Telegram.Token)
	if err := num("WORKERS", &c.Dispatcher.Workers); err != nil {
		return err
	}
	if v, ok := lookup(envPrefix + "TELEGRAM_CHAT_ID"); ok {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("%sTELEGRAM_CHAT_ID: %w", envPrefix, err)
		}
		c.Notifier.Telegram.ChatID = id
		c.Notifier.Telegram.Enabled = true
	}
	return nil
}

// Resolve parses durations, the timezone and the telegram priority floor.
func (c *Config) Resolve() (Resolved, error) {
	var (
		r   Resolved
		err error
	)
	if r.Location, err = time.LoadLocation(strings.TrimSpace(c.Timezone)); err != nil {
		return r, fmt.Errorf("timezone: %w", err)
	}
	if r.BusyTimeout, err = ParseDurationOrDefault("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second); err != nil {
		return r, err
	}
	if r.Tick, err = ParseDurationOrDefault("dispatcher.tick", c.Dispatcher.Tick, 5*time.Second); err != nil {
		return r, err
	}
	if r.MaxExecution, err = ParseDurationOrDefault("dispatcher.max_execution", c.Dispatcher.MaxExecution, 30*time.Minute); err != nil {
		return r, err
	}
	if r.ClaimTimeout, err = ParseDurationField("dispatcher.claim_timeout", c.Dispatcher.ClaimTimeout); err != nil {
		return r, err
	}
	if r.ClaimTimeout > 0 && r.ClaimTimeout <= r.MaxExecution {
		return r, errors.New("dispatcher.claim_timeout must exceed dispatcher.max_execution")
	}
	if r.Reconcile, err = ParseDurationOrDefault("notifier.reconcile_interval", c.Notifier.ReconcileInterval, 5*time.Minute); err != nil {
		return r, err
	}
	if c.Dispatcher.Workers < 0 {
		return r, errors.New("dispatcher.workers must be >= 0")
	}
	r.MinPriority = domain.Priority(strings.ToUpper(strings.TrimSpace(c.Notifier.Telegram.MinPriority)))
	if r.MinPriority == "" {
		r.MinPriority = domain.PriorityHigh
	}
	if r.MinPriority.Rank() == 0 {
		return r, fmt.Errorf("notifier.telegram.min_priority: unknown priority %q", c.Notifier.Telegram.MinPriority)
	}
	if c.Notifier.Telegram.Enabled && (c.Notifier.Telegram.Token == "" || c.Notifier.Telegram.ChatID == 0) {
		return r, errors.New("notifier.telegram: token and chat_id are required when enabled")
	}
	return r, nil
}
