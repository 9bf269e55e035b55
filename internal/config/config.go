package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Mode selects which engine a monitoring run drives.
type Mode string

const (
	ModeWatch Mode = "watch"
	ModeSwap  Mode = "swap"
)

type Config struct {
	Mode        Mode              `yaml:"mode"`
	Term        string            `yaml:"term"`
	StateDir    string            `yaml:"state_dir"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Endpoints   EndpointsConfig   `yaml:"endpoints"`
	Session     SessionConfig     `yaml:"session"`
	Watch       WatchConfig       `yaml:"watch"`
	Swap        SwapConfig        `yaml:"swap"`
	Notify      NotifyConfig      `yaml:"notify"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Status      StatusConfig      `yaml:"status"`
}

type CredentialsConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Cookie seeds the session. It is replaced by the login collaborator
	// whenever the backend reports it expired.
	Cookie string `yaml:"cookie"`
}

type EndpointsConfig struct {
	Howdy     string `yaml:"howdy"`
	Scheduler string `yaml:"scheduler"`
	Socket    string `yaml:"socket"`
}

type SessionConfig struct {
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`
	// LoginCommand is run to obtain a fresh cookie. It must print the
	// cookie on stdout.
	LoginCommand []string `yaml:"login_command"`
	// CachePassphraseEnv names the environment variable holding the
	// passphrase for the encrypted session cache. Empty disables the cache.
	CachePassphraseEnv string `yaml:"cache_passphrase_env"`
}

type WatchConfig struct {
	Targets          []TargetConfig `yaml:"targets"`
	PollInterval     time.Duration  `yaml:"poll_interval"`
	FailureThreshold int            `yaml:"failure_threshold"`
}

type TargetConfig struct {
	Course string   `yaml:"course"`
	CRNs   []string `yaml:"crns"`
}

type SwapConfig struct {
	From            string        `yaml:"from"`
	To              string        `yaml:"to"`
	Subdomain       string        `yaml:"subdomain"`
	ReceiveTimeout  time.Duration `yaml:"receive_timeout"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	MinSendInterval time.Duration `yaml:"min_send_interval"`
	MaxAttempts     int           `yaml:"max_attempts"` // 0 = unlimited
}

type NotifyConfig struct {
	Kind      string        `yaml:"kind"` // discord, matrix, log
	Timeout   time.Duration `yaml:"timeout"`
	MentionID string        `yaml:"mention_id"`
	Discord   DiscordConfig `yaml:"discord"`
	Matrix    MatrixConfig  `yaml:"matrix"`
}

type DiscordConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"` // channel name or numeric id
	APIBase string `yaml:"api_base"`
}

type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver"`
	AccessToken string `yaml:"access_token"`
	RoomID      string `yaml:"room_id"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	Encoding    string `yaml:"encoding"`
}

type MetricsConfig struct {
	Prefix         string        `yaml:"prefix"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type StatusConfig struct {
	Listen string `yaml:"listen"`
	Token  string `yaml:"token"`
}

// Default returns a Config populated with the values used for any field
// the config file leaves unset.
func Default() *Config {
	return &Config{
		Mode: ModeWatch,
		Endpoints: EndpointsConfig{
			Howdy:     "https://howdy.tamu.edu",
			Scheduler: "https://tamu.collegescheduler.com",
			Socket:    "wss://api.collegescheduler.com/socket.io/?EIO=3&transport=websocket",
		},
		Session: SessionConfig{
			RefreshTimeout: 15 * time.Minute,
		},
		Watch: WatchConfig{
			PollInterval:     5 * time.Second,
			FailureThreshold: 5,
		},
		Swap: SwapConfig{
			Subdomain:       "tamu",
			ReceiveTimeout:  10 * time.Second,
			RetryDelay:      time.Second,
			MinSendInterval: 500 * time.Millisecond,
		},
		Notify: NotifyConfig{
			Kind:    "log",
			Timeout: 10 * time.Second,
			Discord: DiscordConfig{APIBase: "https://discord.com/api/v10"},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "console",
		},
		Metrics: MetricsConfig{
			Prefix:         "classswap",
			ReportInterval: time.Minute,
		},
	}
}

// Load reads a config file. YAML is the native format; .json and .jsonc
// files written by the original desktop tool are accepted as well.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := loadLegacy(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	cfg.expandSecrets()
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir()
	}
	return cfg, nil
}

// expandSecrets resolves ${VAR} references so secrets can live in the
// environment instead of the config file.
func (c *Config) expandSecrets() {
	for _, s := range []*string{
		&c.Credentials.Username,
		&c.Credentials.Password,
		&c.Credentials.Cookie,
		&c.Notify.Discord.Token,
		&c.Notify.Matrix.AccessToken,
		&c.Status.Token,
	} {
		*s = os.ExpandEnv(*s)
	}
}

// Validate reports the first configuration problem that would make a run
// meaningless.
func (c *Config) Validate() error {
	if c.Term == "" {
		return errors.New("config: term is required")
	}
	switch c.Mode {
	case ModeWatch:
		if len(c.WatchedCRNs()) == 0 {
			return errors.New("config: watch mode needs at least one target CRN")
		}
		if c.Watch.PollInterval <= 0 {
			return fmt.Errorf("config: watch.poll_interval must be positive, got %v", c.Watch.PollInterval)
		}
	case ModeSwap:
		if c.Swap.From == "" || c.Swap.To == "" {
			return errors.New("config: swap mode needs both swap.from and swap.to")
		}
		if c.Swap.From == c.Swap.To {
			return fmt.Errorf("config: swap.from and swap.to are both %s", c.Swap.From)
		}
		if c.Swap.ReceiveTimeout <= 0 {
			return fmt.Errorf("config: swap.receive_timeout must be positive, got %v", c.Swap.ReceiveTimeout)
		}
		if c.Swap.MaxAttempts < 0 {
			return fmt.Errorf("config: swap.max_attempts must be >= 0, got %d", c.Swap.MaxAttempts)
		}
	default:
		return fmt.Errorf("config: unknown mode %q (want watch or swap)", c.Mode)
	}
	switch c.Notify.Kind {
	case "", "log", "discord", "matrix":
	default:
		return fmt.Errorf("config: unknown notify.kind %q", c.Notify.Kind)
	}
	return nil
}

// WatchedCRNs returns every target CRN once, in config order.
func (c *Config) WatchedCRNs() []string {
	seen := make(map[string]bool)
	var crns []string
	for _, t := range c.Watch.Targets {
		for _, crn := range t.CRNs {
			crn = strings.TrimSpace(crn)
			if crn == "" || seen[crn] {
				continue
			}
			seen[crn] = true
			crns = append(crns, crn)
		}
	}
	return crns
}

// Mention returns the alert suffix that pings the configured account, or
// the empty string.
func (c *Config) Mention() string {
	if c.Notify.MentionID == "" {
		return ""
	}
	return " <@" + c.Notify.MentionID + ">"
}

// legacyConfig is the flat JSON written by the original desktop tool.
type legacyConfig struct {
	Type             string        `json:"type"`
	Username         string        `json:"username"`
	Password         string        `json:"password"`
	Cookie           string        `json:"cookie"`
	TermName         string        `json:"term_name"`
	CRNsToWatch      []json.Number `json:"crns_to_watch"`
	SwapFrom         string        `json:"swap_from"`
	SwapTo           string        `json:"swap_to"`
	DiscordToken     string        `json:"discord_token"`
	ChannelName      string        `json:"channel_name"`
	DiscordAccountID string        `json:"discord_account_id"`
}

func loadLegacy(data []byte, cfg *Config) error {
	var lc legacyConfig
	dec := json.NewDecoder(strings.NewReader(string(jsonc.ToJSON(data))))
	dec.UseNumber()
	if err := dec.Decode(&lc); err != nil {
		return err
	}

	if lc.Type != "" {
		cfg.Mode = Mode(lc.Type)
	}
	cfg.Term = lc.TermName
	cfg.Credentials = CredentialsConfig{
		Username: lc.Username,
		Password: lc.Password,
		Cookie:   lc.Cookie,
	}
	if len(lc.CRNsToWatch) > 0 {
		target := TargetConfig{Course: "watchlist"}
		for _, n := range lc.CRNsToWatch {
			target.CRNs = append(target.CRNs, n.String())
		}
		cfg.Watch.Targets = []TargetConfig{target}
	}
	cfg.Swap.From = lc.SwapFrom
	cfg.Swap.To = lc.SwapTo
	if lc.DiscordToken != "" {
		cfg.Notify.Kind = "discord"
		cfg.Notify.Discord.Token = lc.DiscordToken
		cfg.Notify.Discord.Channel = lc.ChannelName
	}
	cfg.Notify.MentionID = lc.DiscordAccountID
	return nil
}

const appDirName = "classswap"

// DefaultStateDir returns ~/.local/state/classswap, respecting
// XDG_STATE_HOME if set.
func DefaultStateDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
