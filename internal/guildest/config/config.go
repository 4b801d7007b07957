// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the service configuration.
//
// Precedence, lowest to highest: built-in defaults, YAML file, .env file,
// GUILDEST_* environment variables, command-line flags. Keys are dotted
// (tracker.spam_window); the matching variable replaces dots with
// underscores (GUILDEST_TRACKER_SPAM_WINDOW).
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"guildest/pkg/activity"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "GUILDEST"

type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Tracker     TrackerConfig     `mapstructure:"tracker"`
	Janitor     JanitorConfig     `mapstructure:"janitor"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error off disabled"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

type HTTPConfig struct {
	Addr              string        `mapstructure:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" validate:"gte=0"`
}

// TrackerConfig mirrors activity.Config plus the ingestion command prefix.
type TrackerConfig struct {
	SpamWindow       time.Duration `mapstructure:"spam_window" validate:"gt=0"`
	SpamThreshold    int           `mapstructure:"spam_threshold" validate:"gt=0"`
	ChatWindow       time.Duration `mapstructure:"chat_window" validate:"gt=0"`
	ChatActiveWindow time.Duration `mapstructure:"chat_active_window" validate:"gt=0,ltefield=ChatWindow"`
	ChatMinMessages  int           `mapstructure:"chat_min_messages" validate:"gte=1"`
	ChatMinUsers     int           `mapstructure:"chat_min_users" validate:"gte=1"`
	ChatCooldown     time.Duration `mapstructure:"chat_cooldown" validate:"gte=0"`
	TriggerChance    float64       `mapstructure:"trigger_chance" validate:"gte=0,lte=1"`
	Shards           int           `mapstructure:"shards" validate:"gte=0"`
	CommandPrefix    string        `mapstructure:"command_prefix"`
}

// JanitorConfig controls idle-key eviction. An interval of zero disables it.
type JanitorConfig struct {
	EvictionAge      time.Duration `mapstructure:"eviction_age" validate:"gte=0"`
	EvictionInterval time.Duration `mapstructure:"eviction_interval" validate:"gte=0"`
}

type QueueConfig struct {
	FlushPollInterval time.Duration `mapstructure:"flush_poll_interval" validate:"gt=0"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type PersistenceConfig struct {
	Adapter        string        `mapstructure:"adapter" validate:"oneof=mock sqlite postgres redis kafka file"`
	SQLitePath     string        `mapstructure:"sqlite_path"`
	FilePath       string        `mapstructure:"file_path"`
	PostgresDSN    string        `mapstructure:"postgres_dsn" validate:"required_if=Adapter postgres"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisMarkerTTL time.Duration `mapstructure:"redis_marker_ttl" validate:"gte=0"`
	KafkaTopic     string        `mapstructure:"kafka_topic"`
	AllowTables    []string      `mapstructure:"allow_tables" validate:"dive,required"`
}

type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Activity converts the tracker section to an activity.Config.
func (c TrackerConfig) Activity() activity.Config {
	return activity.Config{
		SpamWindow:       c.SpamWindow,
		SpamThreshold:    c.SpamThreshold,
		ChatWindow:       c.ChatWindow,
		ChatActiveWindow: c.ChatActiveWindow,
		ChatMinMessages:  c.ChatMinMessages,
		ChatMinUsers:     c.ChatMinUsers,
		ChatCooldown:     c.ChatCooldown,
		TriggerChance:    c.TriggerChance,
		Shards:           c.Shards,
	}
}

func setDefaults(v *viper.Viper) {
	d := activity.DefaultConfig()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_header_timeout", 5*time.Second)

	v.SetDefault("tracker.spam_window", d.SpamWindow)
	v.SetDefault("tracker.spam_threshold", d.SpamThreshold)
	v.SetDefault("tracker.chat_window", d.ChatWindow)
	v.SetDefault("tracker.chat_active_window", d.ChatActiveWindow)
	v.SetDefault("tracker.chat_min_messages", d.ChatMinMessages)
	v.SetDefault("tracker.chat_min_users", d.ChatMinUsers)
	v.SetDefault("tracker.chat_cooldown", d.ChatCooldown)
	v.SetDefault("tracker.trigger_chance", d.TriggerChance)
	v.SetDefault("tracker.shards", 0)
	v.SetDefault("tracker.command_prefix", "!")

	v.SetDefault("janitor.eviction_age", time.Hour)
	v.SetDefault("janitor.eviction_interval", time.Duration(0))

	v.SetDefault("queue.flush_poll_interval", 10*time.Millisecond)
	v.SetDefault("queue.shutdown_timeout", 30*time.Second)

	v.SetDefault("persistence.adapter", "mock")
	v.SetDefault("persistence.sqlite_path", "guildest.db")
	v.SetDefault("persistence.file_path", "guildest-writes.jsonl")
	v.SetDefault("persistence.postgres_dsn", "")
	v.SetDefault("persistence.redis_addr", "")
	v.SetDefault("persistence.redis_marker_ttl", 24*time.Hour)
	v.SetDefault("persistence.kafka_topic", "guildest-writes")
	v.SetDefault("persistence.allow_tables", []string{})

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.metrics_addr", "")
}

// LoadOptions selects the inputs of Load.
type LoadOptions struct {
	// File is an optional YAML config file. A missing file is an error.
	File string
	// DotEnv lists .env files to load; missing ones are skipped.
	DotEnv []string
	// Flags are bound by name: a flag named "http.addr" overrides that key.
	Flags *pflag.FlagSet
}

// Load builds and validates the configuration.
func Load(opts LoadOptions) (*Config, error) {
	if err := LoadDotEnv(opts.DotEnv...); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.File, err)
		}
	}

	if opts.Flags != nil {
		known := make(map[string]struct{})
		for _, k := range v.AllKeys() {
			known[k] = struct{}{}
		}
		var bindErr error
		opts.Flags.VisitAll(func(f *pflag.Flag) {
			if _, ok := known[f.Name]; ok && bindErr == nil {
				bindErr = v.BindPFlag(f.Name, f)
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv loads each existing file into the process environment. Variables
// already set are not overridden.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report config keys, not Go field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if tag := fld.Tag.Get("mapstructure"); tag != "" && tag != "-" {
			return tag
		}
		return fld.Name
	})
	return v
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
