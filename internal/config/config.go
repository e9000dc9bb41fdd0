package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/hay-kot/criterio"
)

const (
	ChatModeEndpoint = "endpoint"
	ChatModeModel    = "model"

	StateMemory = "memory"
	StateRedis  = "redis"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Endpoints   EndpointsConfig           `json:"endpoints"`
	Chat        ChatConfig                `json:"chat"`
	Providers   map[string]ProviderConfig `json:"providers"`
	State       StateConfig               `json:"state"`
	Redis       RedisConfig               `json:"redis"`
	Journal     JournalConfig             `json:"journal"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	FileBaseDir   string `json:"file_base_dir"`
	// minutes
	AttachmentTTL  int    `json:"attachment_ttl"`
	CleanInterval  int    `json:"clean_interval"`
	MaxUploadBytes int64  `json:"max_upload_bytes"`
	LogLevel       string `json:"log_level"`
	LogFile        string `json:"log_file"`
	HighlightStyle string `json:"highlight_style"`
	SecureCookies  bool   `json:"secure_cookies"`
	ReleaseMode    bool   `json:"release_mode"`
}

// EndpointsConfig points at the external collaborators.
type EndpointsConfig struct {
	ConvertURL string `json:"convert_url"`
	ChatURL    string `json:"chat_url"`
	// seconds, 0 keeps the transport default
	Timeout int `json:"timeout"`
}

// ChatConfig selects how chat messages are answered: relayed to the chat
// endpoint, or sent straight to a language model.
type ChatConfig struct {
	Mode         string `json:"mode"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
	WebSearch    bool   `json:"web_search"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type StateConfig struct {
	Backend string `json:"backend"`
	// minutes
	WorkspaceTTL int `json:"workspace_ttl"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// JournalConfig enables the outbound request journal. An empty driver turns it off.
type JournalConfig struct {
	Driver     string `json:"driver"`
	DSN        string `json:"dsn"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	DBName     string `json:"db_name"`
	Params     string `json:"params"`
	// bearer token for GET /api/journal; empty keeps the route off
	AdminToken string `json:"admin_token"`
}

const journalTokenEnv = "TEXCHAT_JOURNAL_TOKEN"

// providerKeyEnv maps provider names to the environment variable holding their API key.
var providerKeyEnv = map[string]string{
	"openai": "OPENAI_API_KEY",
	"claude": "ANTHROPIC_API_KEY",
	"gemini": "GEMINI_API_KEY",
}

// Default returns a Config with every optional value filled in.
func Default() Config {
	return Config{
		BasicConfig: BasicConfig{
			ServerAddress:  ":8090",
			FileBaseDir:    "./data/uploads",
			AttachmentTTL:  60,
			CleanInterval:  10,
			MaxUploadBytes: 10 << 20,
			LogLevel:       "info",
			HighlightStyle: "monokai",
		},
		Endpoints: EndpointsConfig{
			ConvertURL: "http://localhost:5001/api/latex-to-pdf",
			ChatURL:    "http://localhost:5001/api/chat",
		},
		Chat: ChatConfig{
			Mode:     ChatModeEndpoint,
			Provider: "openai",
		},
		Providers: map[string]ProviderConfig{},
		State: StateConfig{
			Backend:      StateMemory,
			WorkspaceTTL: 120,
		},
	}
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := Default()
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		if cfg.BasicConfig.FileBaseDir != "" && !filepath.IsAbs(cfg.BasicConfig.FileBaseDir) {
			cfg.BasicConfig.FileBaseDir = filepath.Join(filepath.Dir(absPath), cfg.BasicConfig.FileBaseDir)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = d.BasicConfig.ServerAddress
	}
	if c.BasicConfig.FileBaseDir == "" {
		c.BasicConfig.FileBaseDir = d.BasicConfig.FileBaseDir
	}
	if c.BasicConfig.AttachmentTTL <= 0 {
		c.BasicConfig.AttachmentTTL = d.BasicConfig.AttachmentTTL
	}
	if c.BasicConfig.CleanInterval <= 0 {
		c.BasicConfig.CleanInterval = d.BasicConfig.CleanInterval
	}
	if c.BasicConfig.MaxUploadBytes <= 0 {
		c.BasicConfig.MaxUploadBytes = d.BasicConfig.MaxUploadBytes
	}
	if c.BasicConfig.LogLevel == "" {
		c.BasicConfig.LogLevel = d.BasicConfig.LogLevel
	}
	if c.BasicConfig.HighlightStyle == "" {
		c.BasicConfig.HighlightStyle = d.BasicConfig.HighlightStyle
	}
	if c.Chat.Mode == "" {
		c.Chat.Mode = d.Chat.Mode
	}
	if c.Chat.Provider == "" {
		c.Chat.Provider = d.Chat.Provider
	}
	if c.State.Backend == "" {
		c.State.Backend = d.State.Backend
	}
	if c.State.WorkspaceTTL <= 0 {
		c.State.WorkspaceTTL = d.State.WorkspaceTTL
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
}

// applyEnv fills provider API keys from the environment when the file leaves them empty.
func (c *Config) applyEnv() {
	for name, envKey := range providerKeyEnv {
		key := strings.TrimSpace(os.Getenv(envKey))
		if key == "" {
			continue
		}
		prov := c.Providers[name]
		if prov.APIKey == "" {
			prov.APIKey = key
			c.Providers[name] = prov
		}
	}
	if c.Journal.AdminToken == "" {
		c.Journal.AdminToken = strings.TrimSpace(os.Getenv(journalTokenEnv))
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	return criterio.ValidateStruct(
		criterio.Run("endpoints.convert_url", c.Endpoints.ConvertURL, httpURL),
		c.validateChat(),
		c.validateState(),
		c.validateJournal(),
	)
}

func (c *Config) validateChat() error {
	var errs criterio.FieldErrorsBuilder
	switch c.Chat.Mode {
	case ChatModeEndpoint:
		if err := httpURL(c.Endpoints.ChatURL); err != nil {
			errs = errs.Append("endpoints.chat_url", err)
		}
	case ChatModeModel:
		prov, ok := c.Providers[c.Chat.Provider]
		if !ok {
			errs = errs.Append("chat.provider", fmt.Errorf("provider %q not configured", c.Chat.Provider))
			break
		}
		if prov.APIKey == "" {
			errs = errs.Append(fmt.Sprintf("providers[%q].api_key", c.Chat.Provider), errors.New("api key is required"))
		}
		if prov.Model == "" && c.Chat.Model == "" {
			errs = errs.Append("chat.model", errors.New("model is required"))
		}
	default:
		errs = errs.Append("chat.mode", fmt.Errorf("must be %q or %q", ChatModeEndpoint, ChatModeModel))
	}
	return errs.ToError()
}

func (c *Config) validateState() error {
	var errs criterio.FieldErrorsBuilder
	switch c.State.Backend {
	case StateMemory:
	case StateRedis:
		if c.Redis.Port < 0 || c.Redis.Port > 65535 {
			errs = errs.Append("redis.port", fmt.Errorf("invalid port %d", c.Redis.Port))
		}
	default:
		errs = errs.Append("state.backend", fmt.Errorf("unsupported backend %q", c.State.Backend))
	}
	return errs.ToError()
}

func (c *Config) validateJournal() error {
	var errs criterio.FieldErrorsBuilder
	switch strings.ToLower(c.Journal.Driver) {
	case "":
	case "sqlite", "sqlite3":
		if c.Journal.DSN == "" {
			errs = errs.Append("journal.dsn", errors.New("sqlite dsn must be provided"))
		}
	case "mysql":
		if c.Journal.Host == "" || c.Journal.DBName == "" {
			errs = errs.Append("journal.host", errors.New("mysql host and db_name must be provided"))
		}
	default:
		errs = errs.Append("journal.driver", fmt.Errorf("unsupported driver %q", c.Journal.Driver))
	}
	return errs.ToError()
}

func httpURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url host is required")
	}
	return nil
}

// Provider returns the provider entry the chat model mode should use, with the
// chat-level model override applied.
func (c *Config) Provider() ProviderConfig {
	prov := c.Providers[c.Chat.Provider]
	if c.Chat.Model != "" {
		prov.Model = c.Chat.Model
	}
	return prov
}
