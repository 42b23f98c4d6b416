package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
)

type LLMProvider string

const (
	ProviderOpenAI LLMProvider = "openai"
	ProviderYandex LLMProvider = "yandex"
)

type Config struct {
	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN,required"`
	RedisURL         string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	Env              string `env:"ENV" envDefault:"development"`
	OpsAddr          string `env:"OPS_ADDR" envDefault:":8081"`

	// Chunking
	DebounceInterval time.Duration `env:"DEBOUNCE_INTERVAL" envDefault:"1500ms"`
	ClaimTTL         time.Duration `env:"CLAIM_TTL" envDefault:"30s"`

	// Context window
	WindowSpan  time.Duration `env:"WINDOW_SPAN" envDefault:"6h"`
	WindowFloor int           `env:"WINDOW_FLOOR" envDefault:"100"`

	// Reply pacing
	SendCPS             float64 `env:"SEND_CPS" envDefault:"8.5"`
	SendJitter          float64 `env:"SEND_JITTER" envDefault:"0.6"`
	MaxDeliveryFailures int     `env:"MAX_DELIVERY_FAILURES" envDefault:"3"`

	// Housekeeping
	IdleRetireAfter   time.Duration `env:"IDLE_RETIRE_AFTER" envDefault:"1h"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"10"`

	// LLM settings
	LLMProvider      LLMProvider `env:"LLM_PROVIDER" envDefault:"openai"`
	OpenAIAPIKey     string      `env:"OPENAI_API_KEY"`
	OpenAIBaseURL    string      `env:"OPENAI_BASE_URL"`
	OpenAIModel      string      `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	YandexOAuthToken string      `env:"YANDEX_OAUTH_TOKEN"`
	YandexFolderID   string      `env:"YANDEX_FOLDER_ID"`

	// OpenRouter (optional)
	OpenRouterReferrer string `env:"OPENROUTER_REFERRER"`
	OpenRouterTitle    string `env:"OPENROUTER_TITLE"`

	// Prompts
	SystemPromptPath string `env:"SYSTEM_PROMPT_PATH" envDefault:"prompts/system_prompt.txt"`
	FallbackReply    string `env:"FALLBACK_REPLY" envDefault:"Sorry, something went wrong. Give me a moment and try again."`
}

func New() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.SendCPS <= 0 {
		return nil, fmt.Errorf("SEND_CPS must be positive, got %v", cfg.SendCPS)
	}
	if cfg.SendJitter < 0 || cfg.SendJitter >= 1 {
		return nil, fmt.Errorf("SEND_JITTER must be in [0,1), got %v", cfg.SendJitter)
	}
	return cfg, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
