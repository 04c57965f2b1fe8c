package providers

import (
	"fmt"
	"os"
	"strings"

	"github.com/wubox3/microclaw/pkg/config"
)

// NewProvider picks a backend from configuration. An explicit
// provider name wins; otherwise the first configured API key decides.
func NewProvider(cfg *config.Config) (LLMProvider, error) {
	defaultModel := cfg.Agents.Defaults.Model

	// Environment variables fill in keys the file leaves empty.
	keyOr := func(cfgVal, envKey string) string {
		if cfgVal != "" {
			return cfgVal
		}
		return os.Getenv(envKey)
	}

	type backend struct {
		name        string
		key         string
		base        string
		defaultBase string
	}
	backends := []backend{
		{"openrouter", keyOr(cfg.Providers.OpenRouter.APIKey, "OPENROUTER_API_KEY"), cfg.Providers.OpenRouter.APIBase, "https://openrouter.ai/api/v1"},
		{"deepseek", keyOr(cfg.Providers.DeepSeek.APIKey, "DEEPSEEK_API_KEY"), cfg.Providers.DeepSeek.APIBase, "https://api.deepseek.com"},
		{"openai", keyOr(cfg.Providers.OpenAI.APIKey, "OPENAI_API_KEY"), cfg.Providers.OpenAI.APIBase, ""},
		{"vllm", keyOr(cfg.Providers.VLLM.APIKey, "VLLM_API_KEY"), cfg.Providers.VLLM.APIBase, ""},
		{"gemini", keyOr(cfg.Providers.Gemini.APIKey, "GEMINI_API_KEY"), cfg.Providers.Gemini.APIBase, "https://generativelanguage.googleapis.com/v1beta/openai/"},
		{"zhipu", keyOr(cfg.Providers.Zhipu.APIKey, "ZHIPU_API_KEY"), cfg.Providers.Zhipu.APIBase, "https://open.bigmodel.cn/api/paas/v4/"},
		{"groq", keyOr(cfg.Providers.Groq.APIKey, "GROQ_API_KEY"), cfg.Providers.Groq.APIBase, "https://api.groq.com/openai/v1"},
	}

	build := func(b backend) LLMProvider {
		base := b.base
		if base == "" {
			base = b.defaultBase
		}
		return NewOpenAIProvider(b.key, base, defaultModel)
	}

	if explicit := strings.ToLower(cfg.Agents.Defaults.Provider); explicit != "" {
		for _, b := range backends {
			if b.name == explicit {
				return build(b), nil
			}
		}
		return nil, fmt.Errorf("unknown provider: %s", explicit)
	}

	for _, b := range backends {
		if b.key != "" {
			return build(b), nil
		}
	}
	return nil, fmt.Errorf("no API key configured for any provider")
}
