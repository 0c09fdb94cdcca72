// Copyright 2024-2026 Aiku AI

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

func exampleWithToken() []byte {
	return []byte(strings.Replace(ExampleConfig, `bot_token: ""`, `bot_token: "secret"`, 1))
}

func TestParseExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := Parse(exampleWithToken())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Homeserver.Domain != "example.com" {
		t.Errorf("Homeserver.Domain: got %q", cfg.Homeserver.Domain)
	}
	if cfg.Bridge.EditWindow != 24*time.Hour {
		t.Errorf("EditWindow: got %s, want 24h", cfg.Bridge.EditWindow)
	}
	if cfg.Bridge.EventAcceptanceWindow != 30*time.Minute {
		t.Errorf("EventAcceptanceWindow: got %s, want 30m", cfg.Bridge.EventAcceptanceWindow)
	}
	if cfg.Cache.Size != 10000 || cfg.Cache.TTL != time.Hour {
		t.Errorf("Cache: got %+v", cfg.Cache)
	}
	if cfg.Import.Lanes != 4 || cfg.Import.BatchSize != 100 || cfg.Import.RoomDelay != 2*time.Second {
		t.Errorf("Import: got %+v", cfg.Import)
	}
	if cfg.Database.Type != "sqlite3" {
		t.Errorf("Database.Type: got %q", cfg.Database.Type)
	}
	if got := cfg.BotUserID(); got != "@mattermostbot:example.com" {
		t.Errorf("BotUserID: got %q", got)
	}
	if got := cfg.GhostUserID("abc123"); got != "@mattermost_abc123:example.com" {
		t.Errorf("GhostUserID: got %q", got)
	}
}

func TestValidateMissingFields(t *testing.T) {
	t.Parallel()
	input := `
homeserver:
    address: http://hs
appservice:
    bot_username: bot
mattermost:
    server_url: http://mm
    bot_token: t
cache:
    size: 1
    ttl: 1m
`
	_, err := Parse([]byte(input))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	for _, key := range []string{"homeserver.domain", "appservice.registration", "appservice.ghost_prefix", "database.type"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		replace [2]string
	}{
		{"negative edit window", [2]string{"edit_window: 24h", "edit_window: -1h"}},
		{"zero cache size", [2]string{"size: 10000", "size: 0"}},
		{"bad log level", [2]string{"level: info", "level: loud"}},
		{"bad template", [2]string{`displayname_template: "{{or .Nickname .Username}} (Mattermost)"`, `displayname_template: "{{.Bad"`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data := strings.Replace(string(exampleWithToken()), tt.replace[0], tt.replace[1], 1)
			if _, err := Parse([]byte(data)); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestPostProcessDefaults(t *testing.T) {
	t.Parallel()
	cfg := &Config{Mattermost: MattermostConfig{ServerURL: "http://mm.local:8065/", BotToken: "x"}}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	if cfg.Mattermost.ServerURL != "http://mm.local:8065" {
		t.Errorf("trailing slash not trimmed: %q", cfg.Mattermost.ServerURL)
	}
	if cfg.Bridge.EventAcceptanceWindow != DefaultEventAcceptanceWindow {
		t.Errorf("EventAcceptanceWindow default: got %s", cfg.Bridge.EventAcceptanceWindow)
	}
	if cfg.Import.Lanes != 1 || cfg.Import.BatchSize != 100 {
		t.Errorf("import defaults: got %+v", cfg.Import)
	}
}

func TestFormatDisplayname(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		tmpl   string
		params DisplaynameParams
		want   string
	}{
		{"nickname only", "{{.Nickname}} (MM)", DisplaynameParams{Nickname: "JohnD"}, "JohnD (MM)"},
		{"full name", "{{.FirstName}} {{.LastName}}", DisplaynameParams{FirstName: "John", LastName: "Doe"}, "John Doe"},
		{"or fallback", "{{or .Nickname .Username}}", DisplaynameParams{Username: "johnd"}, "johnd"},
		{"blank render falls back", "{{.Nickname}}", DisplaynameParams{Username: "johnd"}, "johnd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{Mattermost: MattermostConfig{DisplaynameTemplate: tt.tmpl}}
			if err := cfg.PostProcess(); err != nil {
				t.Fatalf("PostProcess: %v", err)
			}
			if got := cfg.Mattermost.FormatDisplayname(tt.params); got != tt.want {
				t.Errorf("FormatDisplayname: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatDisplaynameNilTemplate(t *testing.T) {
	t.Parallel()
	var mc MattermostConfig
	if got := mc.FormatDisplayname(DisplaynameParams{Username: "fallback_user"}); got != "fallback_user" {
		t.Errorf("nil template should fall back to Username: got %q", got)
	}
}

func TestUpgradeConfig(t *testing.T) {
	t.Parallel()
	var baseNode yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &baseNode); err != nil {
		t.Fatalf("failed to parse base config: %v", err)
	}
	userCfg := `
homeserver:
    domain: matrix.custom
mattermost:
    server_url: http://custom:8065
bridge:
    allowed_channels: [chan1, chan2]
    edit_window: 1h
`
	var cfgNode yaml.Node
	if err := yaml.Unmarshal([]byte(userCfg), &cfgNode); err != nil {
		t.Fatalf("failed to parse user config: %v", err)
	}

	helper := up.NewHelper(&baseNode, &cfgNode)
	upgradeConfig(helper)

	if val, ok := helper.Get(up.Str, "homeserver", "domain"); !ok || val != "matrix.custom" {
		t.Errorf("homeserver.domain after upgrade: got %q, ok=%v", val, ok)
	}
	if val, ok := helper.Get(up.Str, "mattermost", "server_url"); !ok || val != "http://custom:8065" {
		t.Errorf("mattermost.server_url after upgrade: got %q, ok=%v", val, ok)
	}
	if val, ok := helper.Get(up.Str, "bridge", "edit_window"); !ok || val != "1h" {
		t.Errorf("bridge.edit_window after upgrade: got %q, ok=%v", val, ok)
	}
	// Keys absent from the user config keep the example value.
	if val, ok := helper.Get(up.Str, "import", "checkpoint_path"); !ok || val != "import-checkpoint.json" {
		t.Errorf("import.checkpoint_path after upgrade: got %q, ok=%v", val, ok)
	}
}

func TestLoadAddsMissingKeys(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	userCfg := `
homeserver:
    address: http://hs:8008
    domain: hs.local
mattermost:
    server_url: http://mm:8065
    bot_token: abc
`
	if err := os.WriteFile(path, []byte(userCfg), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Homeserver.Domain != "hs.local" || cfg.Mattermost.BotToken != "abc" {
		t.Errorf("user values lost: %+v", cfg)
	}
	if cfg.Import.Lanes != 4 {
		t.Errorf("Import.Lanes should come from the example config, got %d", cfg.Import.Lanes)
	}
	saved, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(saved), "checkpoint_interval") {
		t.Error("upgraded config was not written back")
	}
}

func TestExampleConfigNotEmpty(t *testing.T) {
	t.Parallel()
	if ExampleConfig == "" {
		t.Error("ExampleConfig should not be empty (embedded from example-config.yaml)")
	}
}
