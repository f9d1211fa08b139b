// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package config reads the key=value configuration file of the genqueue
// binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/olivere/genqueue"
)

// ErrCreated is returned by Load when the configuration file did not exist
// and a template was written in its place.
var ErrCreated = errors.New("config: created configuration template")

// EnvPrefix is the prefix of environment variables overriding a key,
// e.g. GENQUEUE_BRIDGE_URL for bridge_url.
const EnvPrefix = "GENQUEUE_"

// placeholder marks values the operator still has to fill in.
const placeholder = "YOUR_BRIDGE_URL"

// Template is written by Load when the configuration file is missing.
const Template = `# Chat bridge
bridge_url=` + placeholder + `
bot_name=@syntxaibot

# Files and directories
downloads_path=downloaded_videos
prompts_file=prompt.txt
table_file=prompts_table.csv
markers_file=

# Job store: csv, sqlite, mysql, mongodb or memory
store=csv
store_url=

# Generation
model_number=1
parallel_requests=1
category_cap=2
wait_time_minutes=20
confirm_timeout_seconds=30
timeout_retries=1
retry_attempts=3
reconcile_wait_minutes=0

# Operator UI and logging
ui_addr=127.0.0.1:12345
log_file=bot.log

# Models:
# 1 = 🌙 SORA
# 2 = ➕ Hailuo MiniMax
# 3 = 📦 RunWay: Gen-3
# 4 = 🎬 Kling 1.6
# 5 = 🎯 Pika 2.0
# 6 = 👁 Act-One (Аватары 2.0)
# 7 = 🌫 Luma: DM
# 8 = 🦋 RW: Стилизатор
`

// Config is the configuration of a run.
type Config struct {
	BridgeURL      string
	BotName        string
	DownloadsPath  string
	PromptsFile    string
	TableFile      string
	MarkersFile    string
	Store          string
	StoreURL       string
	ModelNumber    int
	Parallel       int
	CategoryCap    int
	WaitTime       time.Duration
	ConfirmTimeout time.Duration
	TimeoutRetries int
	RetryAttempts  int
	ReconcileWait  time.Duration
	UIAddr         string
	LogFile        string
}

// Default returns the configuration used for missing keys.
func Default() *Config {
	return &Config{
		BotName:        "@syntxaibot",
		DownloadsPath:  "downloaded_videos",
		PromptsFile:    "prompt.txt",
		TableFile:      "prompts_table.csv",
		Store:          "csv",
		ModelNumber:    1,
		Parallel:       1,
		CategoryCap:    2,
		WaitTime:       20 * time.Minute,
		ConfirmTimeout: 30 * time.Second,
		TimeoutRetries: 1,
		RetryAttempts:  3,
		UIAddr:         "127.0.0.1:12345",
		LogFile:        "bot.log",
	}
}

// Load reads the configuration file at path. If the file does not exist,
// Load writes Template to path and returns ErrCreated.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte(Template), 0o644); err != nil {
			return nil, err
		}
		return nil, ErrCreated
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	for key := range values {
		if v, ok := os.LookupEnv(EnvPrefix + strings.ToUpper(key)); ok {
			values[key] = v
		}
	}
	cfg, err := Parse(values)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse builds a configuration from key/value pairs and validates it.
// Unknown keys are ignored.
func Parse(values map[string]string) (*Config, error) {
	cfg := Default()
	strs := map[string]*string{
		"bridge_url":     &cfg.BridgeURL,
		"bot_name":       &cfg.BotName,
		"downloads_path": &cfg.DownloadsPath,
		"prompts_file":   &cfg.PromptsFile,
		"table_file":     &cfg.TableFile,
		"markers_file":   &cfg.MarkersFile,
		"store":          &cfg.Store,
		"store_url":      &cfg.StoreURL,
		"ui_addr":        &cfg.UIAddr,
		"log_file":       &cfg.LogFile,
	}
	for key, dst := range strs {
		if v, ok := values[key]; ok {
			*dst = strings.TrimSpace(v)
		}
	}
	ints := map[string]*int{
		"model_number":      &cfg.ModelNumber,
		"parallel_requests": &cfg.Parallel,
		"category_cap":      &cfg.CategoryCap,
		"timeout_retries":   &cfg.TimeoutRetries,
		"retry_attempts":    &cfg.RetryAttempts,
	}
	for key, dst := range ints {
		v, ok := values[key]
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}
	durations := []struct {
		key  string
		unit time.Duration
		dst  *time.Duration
	}{
		{"wait_time_minutes", time.Minute, &cfg.WaitTime},
		{"confirm_timeout_seconds", time.Second, &cfg.ConfirmTimeout},
		{"reconcile_wait_minutes", time.Minute, &cfg.ReconcileWait},
	}
	for _, d := range durations {
		v, ok := values[d.key]
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = time.Duration(f * float64(d.unit))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch {
	case c.BridgeURL == "" || c.BridgeURL == placeholder:
		return errors.New("please fill in bridge_url")
	case c.Parallel < 1 || c.Parallel > 2:
		return fmt.Errorf("parallel_requests must be 1 or 2, have %d", c.Parallel)
	case c.CategoryCap < 1:
		return fmt.Errorf("category_cap must be at least 1, have %d", c.CategoryCap)
	case c.RetryAttempts < 1:
		return fmt.Errorf("retry_attempts must be at least 1, have %d", c.RetryAttempts)
	case c.TimeoutRetries < 0:
		return fmt.Errorf("timeout_retries must not be negative, have %d", c.TimeoutRetries)
	case c.WaitTime <= 0:
		return errors.New("wait_time_minutes must be positive")
	case c.ConfirmTimeout <= 0:
		return errors.New("confirm_timeout_seconds must be positive")
	case c.ReconcileWait < 0:
		return errors.New("reconcile_wait_minutes must not be negative")
	}
	switch c.Store {
	case "csv", "sqlite", "memory":
	case "mysql", "mongodb":
		if c.StoreURL == "" {
			return fmt.Errorf("store %s needs store_url", c.Store)
		}
	default:
		return fmt.Errorf("unsupported store %q", c.Store)
	}
	return nil
}

// Category returns the name of the category selected by model_number.
func (c *Config) Category(reg *genqueue.Registry) (string, error) {
	cat, ok := reg.CategoryBySelector(c.ModelNumber)
	if !ok {
		return "", fmt.Errorf("config: unknown model_number %d", c.ModelNumber)
	}
	return cat.Name, nil
}

// Options returns the manager options derived from the configuration.
func (c *Config) Options() []genqueue.ManagerOption {
	return []genqueue.ManagerOption{
		genqueue.SetRecipient(c.BotName),
		genqueue.SetSlots(c.Parallel),
		genqueue.SetCategoryCap(c.CategoryCap),
		genqueue.SetWaitTimeout(c.WaitTime),
		genqueue.SetConfirmTimeout(c.ConfirmTimeout),
		genqueue.SetTimeoutRetries(c.TimeoutRetries),
		genqueue.SetSendAttempts(c.RetryAttempts),
		genqueue.SetDownloadDir(c.DownloadsPath),
		genqueue.SetReconcileWait(c.ReconcileWait),
	}
}
