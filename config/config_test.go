package config_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/skosovsky/conduit"
	"github.com/skosovsky/conduit/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFiles_Defaults(t *testing.T) {
	t.Setenv("CONDUIT_API_KEY", "sk-env")
	cfg, err := config.LoadFiles("", "")
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Provider)
	assert.Equal(t, 2, cfg.MaxToolTurns)
	assert.Equal(t, 10, cfg.MaxConcurrency)
	assert.True(t, cfg.AutoFinalize)
	assert.True(t, cfg.Strict)
	assert.Equal(t, 5*time.Second, cfg.ToolTimeout)
	assert.Nil(t, cfg.Temperature)
	assert.Equal(t, "sk-env", cfg.APIKey)
}

func TestLoadFiles_Layering(t *testing.T) {
	path := writeFile(t, "conduit.yaml", `
provider: anthropic
model: claude-test
api_key: from-yaml
temperature: 0.3
max_tool_turns: 4
tool_timeout: 3s
strict: false
`)
	t.Setenv("CONDUIT_MODEL", "claude-env")
	t.Setenv("CONDUIT_MAX_CONCURRENCY", "3")

	cfg, err := config.LoadFiles(path, "")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, "claude-env", cfg.Model)
	assert.Equal(t, "from-yaml", cfg.APIKey)
	require.NotNil(t, cfg.Temperature)
	assert.InDelta(t, 0.3, *cfg.Temperature, 1e-9)
	assert.Equal(t, 4, cfg.MaxToolTurns)
	assert.Equal(t, 3, cfg.MaxConcurrency)
	assert.Equal(t, 3*time.Second, cfg.ToolTimeout)
	assert.False(t, cfg.Strict)
	assert.True(t, cfg.AutoFinalize)
}

func TestLoadFiles_DotEnv(t *testing.T) {
	envFile := writeFile(t, ".env", "CONDUIT_PROVIDER=ollama\nCONDUIT_MODEL=llama3\n")
	t.Cleanup(func() {
		_ = os.Unsetenv("CONDUIT_PROVIDER")
		_ = os.Unsetenv("CONDUIT_MODEL")
	})

	cfg, err := config.LoadFiles("", envFile)
	require.NoError(t, err)
	assert.Equal(t, "ollama", cfg.Provider)
	assert.Equal(t, "llama3", cfg.Model)
}

func TestLoadFiles_MissingDotEnvIsSkipped(t *testing.T) {
	t.Setenv("CONDUIT_PROVIDER", "chat")
	_, err := config.LoadFiles("", filepath.Join(t.TempDir(), ".env"))
	require.NoError(t, err)
}

func TestLoadFiles_Errors(t *testing.T) {
	_, err := config.LoadFiles(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.Error(t, err)

	bad := writeFile(t, "bad.yaml", "provider: [")
	_, err = config.LoadFiles(bad, "")
	require.Error(t, err)

	t.Setenv("CONDUIT_MAX_TOOL_TURNS", "many")
	_, err = config.LoadFiles("", "")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	neg := -0.5
	tests := []struct {
		name   string
		mutate func(*config.Config)
		reason string
	}{
		{"unknown provider", func(c *config.Config) { c.Provider = "bard" }, `unknown provider "bard"`},
		{"missing key", func(c *config.Config) { c.APIKey = "" }, "openai requires an API key"},
		{"gemini key", func(c *config.Config) { c.Provider, c.APIKey = "gemini", "" }, "gemini requires an API key"},
		{"ollama model", func(c *config.Config) { c.Provider, c.APIKey = "ollama", "" }, "ollama requires a model"},
		{"negative turns", func(c *config.Config) { c.MaxToolTurns = -1 }, "max_tool_turns must not be negative"},
		{"zero concurrency", func(c *config.Config) { c.MaxConcurrency = 0 }, "max_concurrency must be at least 1"},
		{"zero timeout", func(c *config.Config) { c.ToolTimeout = 0 }, "tool_timeout must be positive"},
		{"temperature", func(c *config.Config) { c.Temperature = &neg }, "temperature -0.5 out of range [0, 2]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.APIKey = "k"
			tt.mutate(&cfg)
			err := cfg.Validate()
			var ce *conduit.ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.reason, ce.Reason)
		})
	}

	cfg := config.Default()
	cfg.Provider = "chat"
	assert.NoError(t, cfg.Validate())
}

func TestNewTransport_Providers(t *testing.T) {
	for provider, want := range map[string]string{
		"openai":    "openai",
		"anthropic": "anthropic",
		"deepseek":  "deepseek",
		"gemini":    "gemini",
		"chat":      "chat",
		"ollama":    "ollama",
	} {
		cfg := config.Default()
		cfg.Provider = provider
		cfg.APIKey = "k"
		cfg.Model = "m"
		tr, err := config.NewTransport(&cfg)
		require.NoError(t, err, provider)
		assert.Equal(t, want, tr.Name())
		assert.True(t, tr.SupportsStreamingTools())
	}

	cfg := config.Default()
	_, err := config.NewTransport(&cfg)
	var ce *conduit.ConfigurationError
	assert.ErrorAs(t, err, &ce)
}

func TestNewOrchestrator_AppliesRunSettings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"","tool_calls":[{"id":"c1","type":"function","function":{"name":"ping","arguments":"{}"}}]}}]}`)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Provider = "chat"
	cfg.BaseURL = srv.URL
	cfg.MaxToolTurns = 0
	orch, err := config.NewOrchestrator(&cfg)
	require.NoError(t, err)
	assert.Equal(t, "chat", orch.Transport().Name())

	ping, err := conduit.NewDynamicTool("ping", "ping", map[string]any{"type": "object"},
		func(context.Context, []byte) ([]byte, error) { return []byte(`"pong"`), nil })
	require.NoError(t, err)

	_, err = orch.Run(context.Background(), conduit.RunRequest{Prompt: "ping", Tools: []conduit.Tool{ping}})
	var limit *conduit.ToolLoopLimitExceeded
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, 0, limit.MaxTurns)
	assert.Equal(t, 1, limit.TurnsTaken)
}
