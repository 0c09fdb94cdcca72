// Copyright 2024-2026 Aiku AI

// Package config loads and validates the bridge configuration file.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/dbutil"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the root of the bridge configuration.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	AppService AppServiceConfig `yaml:"appservice"`
	Mattermost MattermostConfig `yaml:"mattermost"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Database   dbutil.Config    `yaml:"database"`
	Cache      CacheConfig      `yaml:"cache"`
	Import     ImportConfig     `yaml:"import"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

type AppServiceConfig struct {
	Registration   string `yaml:"registration"`
	Address        string `yaml:"address"`
	Hostname       string `yaml:"hostname"`
	Port           uint16 `yaml:"port"`
	BotUsername    string `yaml:"bot_username"`
	BotDisplayname string `yaml:"bot_displayname"`
	GhostPrefix    string `yaml:"ghost_prefix"`
}

type MattermostConfig struct {
	ServerURL string `yaml:"server_url"`
	BotToken  string `yaml:"bot_token"`
	TeamID    string `yaml:"team_id"`
	// DisplaynameTemplate renders ghost display names from DisplaynameParams.
	DisplaynameTemplate string `yaml:"displayname_template"`
	// BotPrefix marks bridge-managed Mattermost usernames for echo prevention.
	BotPrefix string `yaml:"bot_prefix"`

	displaynameTemplate *template.Template `yaml:"-"`
}

type BridgeConfig struct {
	AllowedChannels       []string      `yaml:"allowed_channels"`
	AllowedChannelsFile   string        `yaml:"allowed_channels_file"`
	EditWindow            time.Duration `yaml:"edit_window"`
	EventAcceptanceWindow time.Duration `yaml:"event_acceptance_window"`
	AdminAPIAddr          string        `yaml:"admin_api_addr"`
}

type CacheConfig struct {
	Size int64         `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

type ImportConfig struct {
	Lanes              int           `yaml:"lanes"`
	BatchSize          int           `yaml:"batch_size"`
	RoomDelay          time.Duration `yaml:"room_delay"`
	CheckpointPath     string        `yaml:"checkpoint_path"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	LaneStatusPath     string        `yaml:"lane_status_path"`
	BulkInsert         bool          `yaml:"bulk_insert"`
	RoomFilter         string        `yaml:"room_filter"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	Username  string
	Nickname  string
	FirstName string
	LastName  string
}

const DefaultEventAcceptanceWindow = 30 * time.Minute

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")

	helper.Copy(up.Str, "appservice", "registration")
	helper.Copy(up.Str, "appservice", "address")
	helper.Copy(up.Str, "appservice", "hostname")
	helper.Copy(up.Int, "appservice", "port")
	helper.Copy(up.Str, "appservice", "bot_username")
	helper.Copy(up.Str, "appservice", "bot_displayname")
	helper.Copy(up.Str, "appservice", "ghost_prefix")

	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "mattermost", "bot_token")
	helper.Copy(up.Str, "mattermost", "team_id")
	helper.Copy(up.Str, "mattermost", "displayname_template")
	helper.Copy(up.Str, "mattermost", "bot_prefix")

	helper.Copy(up.List, "bridge", "allowed_channels")
	helper.Copy(up.Str, "bridge", "allowed_channels_file")
	helper.Copy(up.Str, "bridge", "edit_window")
	helper.Copy(up.Str, "bridge", "event_acceptance_window")
	helper.Copy(up.Str, "bridge", "admin_api_addr")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")
	helper.Copy(up.Str|up.Null, "database", "max_conn_idle_time")
	helper.Copy(up.Str|up.Null, "database", "max_conn_lifetime")

	helper.Copy(up.Int, "cache", "size")
	helper.Copy(up.Str, "cache", "ttl")

	helper.Copy(up.Int, "import", "lanes")
	helper.Copy(up.Int, "import", "batch_size")
	helper.Copy(up.Str, "import", "room_delay")
	helper.Copy(up.Str, "import", "checkpoint_path")
	helper.Copy(up.Str, "import", "checkpoint_interval")
	helper.Copy(up.Str, "import", "lane_status_path")
	helper.Copy(up.Bool, "import", "bulk_insert")
	helper.Copy(up.Str, "import", "room_filter")

	helper.Copy(up.Str, "logging", "level")
	helper.Copy(up.Bool, "logging", "pretty")
}

// Upgrader returns the upgrader that merges a user config onto ExampleConfig.
func Upgrader() up.BaseUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Base:           ExampleConfig,
	}
}

// Load reads the config at path, adds any keys missing from it and, if save
// is set, writes the upgraded file back. The result is post-processed and
// validated.
func Load(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, Upgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return Parse(data)
}

// Parse decodes, post-processes and validates raw YAML.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess fills defaults and compiles templates.
func (c *Config) PostProcess() error {
	if c.Mattermost.BotToken == "" {
		c.Mattermost.BotToken = os.Getenv("MATTERMOST_BOT_TOKEN")
	}
	c.Mattermost.ServerURL = strings.TrimRight(c.Mattermost.ServerURL, "/")
	if c.Bridge.EventAcceptanceWindow <= 0 {
		c.Bridge.EventAcceptanceWindow = DefaultEventAcceptanceWindow
	}
	if c.Import.Lanes <= 0 {
		c.Import.Lanes = 1
	}
	if c.Import.BatchSize <= 0 {
		c.Import.BatchSize = 100
	}
	if c.Import.CheckpointInterval <= 0 {
		c.Import.CheckpointInterval = 30 * time.Second
	}
	var err error
	c.Mattermost.displaynameTemplate, err = template.New("displayname").Parse(c.Mattermost.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("%w: displayname_template: %w", ErrInvalid, err)
	}
	return nil
}

// Validate checks the settings the bridge cannot start without.
func (c *Config) Validate() error {
	var missing []string
	require := func(val, key string) {
		if strings.TrimSpace(val) == "" {
			missing = append(missing, key)
		}
	}
	require(c.Homeserver.Address, "homeserver.address")
	require(c.Homeserver.Domain, "homeserver.domain")
	require(c.AppService.Registration, "appservice.registration")
	require(c.AppService.BotUsername, "appservice.bot_username")
	require(c.AppService.GhostPrefix, "appservice.ghost_prefix")
	require(c.Mattermost.ServerURL, "mattermost.server_url")
	require(c.Mattermost.BotToken, "mattermost.bot_token")
	require(c.Database.Type, "database.type")
	require(c.Database.URI, "database.uri")
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalid, strings.Join(missing, ", "))
	}
	if c.Bridge.EditWindow < 0 {
		return fmt.Errorf("%w: bridge.edit_window must not be negative", ErrInvalid)
	}
	if c.Cache.Size <= 0 || c.Cache.TTL <= 0 {
		return fmt.Errorf("%w: cache.size and cache.ttl must be positive", ErrInvalid)
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging.level: %w", ErrInvalid, err)
	}
	return nil
}

// BotUserID is the full Matrix ID of the appservice bot.
func (c *Config) BotUserID() id.UserID {
	return id.NewUserID(c.AppService.BotUsername, c.Homeserver.Domain)
}

// GhostUserID derives the Matrix ghost for a Mattermost user ID.
func (c *Config) GhostUserID(mmUserID string) id.UserID {
	return id.NewUserID(c.AppService.GhostPrefix+strings.ToLower(mmUserID), c.Homeserver.Domain)
}

// FormatDisplayname renders the ghost display name, falling back to the
// username when the template is unset or fails.
func (c *MattermostConfig) FormatDisplayname(params DisplaynameParams) string {
	if c.displaynameTemplate == nil {
		return params.Username
	}
	var sb strings.Builder
	if err := c.displaynameTemplate.Execute(&sb, params); err != nil {
		return params.Username
	}
	if strings.TrimSpace(sb.String()) == "" {
		return params.Username
	}
	return sb.String()
}

// Logger builds the root logger from the logging section.
func (c *LoggingConfig) Logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if c.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}
