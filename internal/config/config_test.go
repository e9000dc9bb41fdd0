package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.BasicConfig.ServerAddress)
	assert.Equal(t, ChatModeEndpoint, cfg.Chat.Mode)
	assert.Equal(t, StateMemory, cfg.State.Backend)
	assert.Equal(t, "http://localhost:5001/api/latex-to-pdf", cfg.Endpoints.ConvertURL)
	assert.EqualValues(t, 10<<20, cfg.BasicConfig.MaxUploadBytes)
}

func TestLoadResolvesRelativeUploadDir(t *testing.T) {
	path := writeConfig(t, `{"basic_config": {"file_base_dir": "uploads"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "uploads"), cfg.BasicConfig.FileBaseDir)
}

func TestLoadModelModeTakesKeyFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	path := writeConfig(t, `{
		"chat": {"mode": "model", "provider": "openai"},
		"providers": {"openai": {"model": "gpt-4o-mini"}}
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-env", cfg.Provider().APIKey)
	assert.Equal(t, "gpt-4o-mini", cfg.Provider().Model)
}

func TestLoadFileKeyWinsOverEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	path := writeConfig(t, `{
		"chat": {"mode": "model", "provider": "openai", "model": "gpt-5-nano"},
		"providers": {"openai": {"api_key": "sk-file", "model": "gpt-4o-mini"}}
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-file", cfg.Provider().APIKey)
	assert.Equal(t, "gpt-5-nano", cfg.Provider().Model)
}

func TestLoadJournalTokenFromEnv(t *testing.T) {
	t.Setenv("TEXCHAT_JOURNAL_TOKEN", "ops-secret")
	path := writeConfig(t, `{"journal": {"driver": "sqlite3", "dsn": ":memory:"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ops-secret", cfg.Journal.AdminToken)

	path = writeConfig(t, `{"journal": {"driver": "sqlite3", "dsn": ":memory:", "admin_token": "from-file"}}`)
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Journal.AdminToken)
}

func TestValidate(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "bad convert url",
			body:    `{"endpoints": {"convert_url": "ftp://example.com/pdf"}}`,
			wantErr: "endpoints.convert_url",
		},
		{
			name:    "unknown chat mode",
			body:    `{"chat": {"mode": "carrier-pigeon"}}`,
			wantErr: "chat.mode",
		},
		{
			name:    "model mode without provider",
			body:    `{"chat": {"mode": "model", "provider": "claude"}}`,
			wantErr: "chat.provider",
		},
		{
			name:    "model mode without key",
			body:    `{"chat": {"mode": "model", "provider": "claude"}, "providers": {"claude": {"model": "claude-3-5-haiku"}}}`,
			wantErr: "api_key",
		},
		{
			name:    "unknown state backend",
			body:    `{"state": {"backend": "etcd"}}`,
			wantErr: "state.backend",
		},
		{
			name:    "sqlite journal without dsn",
			body:    `{"journal": {"driver": "sqlite3"}}`,
			wantErr: "journal.dsn",
		},
		{
			name: "valid redis and mysql",
			body: `{"state": {"backend": "redis"}, "redis": {"host": "127.0.0.1", "port": 6379},
				"journal": {"driver": "mysql", "host": "db", "port": 3306, "db_name": "texchat"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
