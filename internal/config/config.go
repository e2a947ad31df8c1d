package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/scriptvisor/internal/hotkey"
	"github.com/loykin/scriptvisor/internal/logger"
	"github.com/loykin/scriptvisor/internal/output"
	"github.com/loykin/scriptvisor/internal/registry"
	"github.com/loykin/scriptvisor/internal/runner"
	"github.com/loykin/scriptvisor/internal/sink"
)

// EnvPrefix prefixes environment overrides: multiOutput -> SCRIPTVISOR_MULTIOUTPUT,
// hotkey.stateDB -> SCRIPTVISOR_HOTKEY_STATEDB.
const EnvPrefix = "SCRIPTVISOR"

// Commands named in keybindings.
const (
	CmdKillScript    = "killScript"
	CmdRestartScript = "restartScript"
)

// Config is the editor-facing configuration plus the ambient settings of
// the daemon. Keys are case-insensitive.
type Config struct {
	AIPath                     string            `mapstructure:"aiPath"`
	WrapperPath                string            `mapstructure:"wrapperPath"`
	ConsoleParams              string            `mapstructure:"consoleParams"`
	MultiOutput                bool              `mapstructure:"multiOutput"`
	MultiOutputReuseOutput     bool              `mapstructure:"multiOutputReuseOutput"`
	MultiOutputShowProcessID   string            `mapstructure:"multiOutputShowProcessId"`
	MultiOutputFinishedTimeout int               `mapstructure:"multiOutputFinishedTimeout"` // seconds
	MultiOutputMaxFinished     int               `mapstructure:"multiOutputMaxFinished"`
	ClearOutput                bool              `mapstructure:"clearOutput"`
	OutputCodePage             string            `mapstructure:"outputCodePage"`
	OutputShowTime             string            `mapstructure:"outputShowTime"`
	OutputMaxHistoryLines      int               `mapstructure:"outputMaxHistoryLines"`
	Keybindings                map[string]string `mapstructure:"keybindings"`

	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"envFiles"`

	Hotkey hotkey.Options `mapstructure:"hotkey"`
	Sink   SinkConfig     `mapstructure:"sink"`
	Log    logger.Config  `mapstructure:"log"`
	Server ServerConfig   `mapstructure:"server"`
}

type SinkConfig struct {
	Kind string `mapstructure:"kind"` // console, memory, file
	Dir  string `mapstructure:"dir"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// SetDefaults registers every key so env overrides apply during Unmarshal.
func SetDefaults(v *viper.Viper) {
	hk := hotkey.DefaultOptions()
	v.SetDefault("aiPath", "")
	v.SetDefault("wrapperPath", "")
	v.SetDefault("consoleParams", "")
	v.SetDefault("multiOutput", false)
	v.SetDefault("multiOutputReuseOutput", true)
	v.SetDefault("multiOutputShowProcessId", "Multi")
	v.SetDefault("multiOutputFinishedTimeout", 0)
	v.SetDefault("multiOutputMaxFinished", 20)
	v.SetDefault("clearOutput", true)
	v.SetDefault("outputCodePage", "")
	v.SetDefault("outputShowTime", "None")
	v.SetDefault("outputMaxHistoryLines", 0)
	v.SetDefault("keybindings", map[string]string{CmdKillScript: "Ctrl+Break", CmdRestartScript: "Ctrl+Alt+Break"})
	v.SetDefault("env", []string{})
	v.SetDefault("envFiles", []string{})

	v.SetDefault("hotkey.path", "")
	v.SetDefault("hotkey.file", hk.FileName)
	v.SetDefault("hotkey.section", hk.Section)
	v.SetDefault("hotkey.keys", hk.Keys)
	v.SetDefault("hotkey.userDirEnv", hk.UserDirEnv)
	v.SetDefault("hotkey.sharedDirEnv", hk.SharedDirEnv)
	v.SetDefault("hotkey.safetyTimeout", hk.SafetyTimeout)
	v.SetDefault("hotkey.lockDir", "")
	v.SetDefault("hotkey.stateDB", "")

	v.SetDefault("sink.kind", string(sink.KindConsole))
	v.SetDefault("sink.dir", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("server.addr", "127.0.0.1:8089")
}

// Load reads path (TOML, YAML or JSON by extension; empty for none) and
// applies SCRIPTVISOR_* environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.MultiOutputFinishedTimeout < 0 {
		errs = append(errs, fmt.Errorf("multiOutputFinishedTimeout must be >= 0, got %d", c.MultiOutputFinishedTimeout))
	}
	if c.OutputMaxHistoryLines < 0 {
		errs = append(errs, fmt.Errorf("outputMaxHistoryLines must be >= 0, got %d", c.OutputMaxHistoryLines))
	}
	if _, err := sink.ParseKind(c.Sink.Kind); err != nil {
		errs = append(errs, err)
	}
	if c.Sink.Kind == string(sink.KindFile) && c.Sink.Dir == "" {
		errs = append(errs, errors.New("sink.dir is required for file sinks"))
	}
	if c.Hotkey.SafetyTimeout < 0 {
		errs = append(errs, fmt.Errorf("hotkey.safetyTimeout must be >= 0, got %s", c.Hotkey.SafetyTimeout))
	}
	return errors.Join(errs...)
}

// KeyBindings returns keybindings with command names in canonical case;
// the config layer lower-cases map keys.
func (c *Config) KeyBindings() map[string]string {
	out := make(map[string]string, len(c.Keybindings))
	for k, v := range c.Keybindings {
		switch {
		case strings.EqualFold(k, CmdKillScript):
			k = CmdKillScript
		case strings.EqualFold(k, CmdRestartScript):
			k = CmdRestartScript
		}
		out[k] = v
	}
	return out
}

func (c *Config) FormatterOptions() output.Options {
	keys := c.KeyBindings()
	return output.Options{
		ShowTime:      output.ParseShowTime(c.OutputShowTime),
		ShowProcessID: output.ParseProcessIDMode(c.MultiOutputShowProcessID),
		Keybindings:   func() map[string]string { return keys },
	}
}

func (c *Config) RegistryOptions() registry.Options {
	return registry.Options{
		MaxFinished:     c.MultiOutputMaxFinished,
		FinishedTimeout: time.Duration(c.MultiOutputFinishedTimeout) * time.Second,
	}
}

func (c *Config) RunnerOptions() runner.Options {
	kind, _ := sink.ParseKind(c.Sink.Kind)
	return runner.Options{
		MultiOutput: c.MultiOutput,
		ClearOutput: c.ClearOutput,
		CodePage:    c.OutputCodePage,
		SinkKind:    kind,
	}
}

// HotkeyOptions returns the guard options; the wrapper's directory is the
// last place the hotkey file is looked for.
func (c *Config) HotkeyOptions() hotkey.Options {
	o := c.Hotkey
	o.ExecutablePath = c.WrapperPath
	return o
}

func (c *Config) SinkFactory() sink.Factory {
	fc := c.Log.File
	fc.Path = ""
	fc.Dir = c.Sink.Dir
	return sink.Factory{File: fc, MaxHistoryLines: c.OutputMaxHistoryLines}
}

// RunEnv composes the extra environment of interpreter runs: env files in
// order, then the env list. Later entries override earlier ones.
func (c *Config) RunEnv() ([]string, error) {
	m := make(map[string]string)
	var order []string
	set := func(k, v string) {
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = v
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for _, kv := range pairs {
			set(kv[0], kv[1])
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			set(kv[:i], kv[i+1:])
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) ([][2]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, [2]string{strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:])})
		}
	}
	return out, nil
}
