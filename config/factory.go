package config

import (
	"github.com/skosovsky/conduit"
	"github.com/skosovsky/conduit/provider/anthropic"
	"github.com/skosovsky/conduit/provider/chatcompat"
	"github.com/skosovsky/conduit/provider/openai"
)

// NewTransport builds the transport named by c.Provider.
func NewTransport(c *Config) (conduit.StreamTransport, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Provider {
	case "openai":
		opts := []openai.Option{}
		if c.Model != "" {
			opts = append(opts, openai.WithModel(c.Model))
		}
		if c.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(c.BaseURL))
		}
		if c.Temperature != nil {
			opts = append(opts, openai.WithTemperature(*c.Temperature))
		}
		if c.MaxTokens > 0 {
			opts = append(opts, openai.WithMaxTokens(c.MaxTokens))
		}
		return openai.New(c.APIKey, opts...), nil
	case "anthropic":
		opts := []anthropic.Option{anthropic.WithMaxTokens(c.MaxTokens)}
		if c.Model != "" {
			opts = append(opts, anthropic.WithModel(c.Model))
		}
		if c.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(c.BaseURL))
		}
		if c.Temperature != nil {
			opts = append(opts, anthropic.WithTemperature(*c.Temperature))
		}
		return anthropic.New(c.APIKey, opts...), nil
	default:
		return newChatTransport(c), nil
	}
}

func newChatTransport(c *Config) *chatcompat.Transport {
	var opts []chatcompat.Option
	if c.BaseURL != "" {
		opts = append(opts, chatcompat.WithBaseURL(c.BaseURL))
	}
	if c.Model != "" {
		opts = append(opts, chatcompat.WithModel(c.Model))
	}
	if c.Temperature != nil {
		opts = append(opts, chatcompat.WithTemperature(*c.Temperature))
	}
	if c.MaxTokens > 0 {
		opts = append(opts, chatcompat.WithMaxTokens(c.MaxTokens))
	}
	switch c.Provider {
	case "ollama":
		return chatcompat.NewOllama(c.Model, opts...)
	case "deepseek":
		return chatcompat.NewDeepSeek(c.APIKey, opts...)
	case "gemini":
		return chatcompat.NewGemini(c.APIKey, opts...)
	default:
		return chatcompat.New(c.APIKey, opts...)
	}
}

// NewOrchestrator builds the configured transport and an Orchestrator over it.
// opts are applied after the options derived from c.
func NewOrchestrator(c *Config, opts ...conduit.Option) (*conduit.Orchestrator, error) {
	tr, err := NewTransport(c)
	if err != nil {
		return nil, err
	}
	return conduit.New(tr, append(c.Options(), opts...)...), nil
}
