package openaiapi

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultAPIKeyEnv = "OPENAI_API_KEY"
	defaultTimeout   = 120 * time.Second
)

// Config is OpenAI API client configuration.
type Config struct {
	Model     string
	BaseURL   string
	APIKey    string
	APIKeyEnv string
	Timeout   time.Duration
	// MaxRetries is the SDK level retry count. Zero leaves retries to the
	// pipeline's own retry decorator.
	MaxRetries int
}

// resolve fills defaults and reads the API key from the environment.
func (c Config) resolve() (Config, error) {
	c.Model = strings.TrimSpace(c.Model)
	if c.Model == "" {
		return Config{}, fmt.Errorf("openai model is required")
	}

	c.APIKey = strings.TrimSpace(c.APIKey)
	if c.APIKey == "" {
		env := strings.TrimSpace(c.APIKeyEnv)
		if env == "" {
			env = defaultAPIKeyEnv
		}
		c.APIKey = strings.TrimSpace(os.Getenv(env))
		if c.APIKey == "" {
			return Config{}, fmt.Errorf("openai api key is required (set %s or api_key_env)", env)
		}
	}

	c.BaseURL = strings.TrimSpace(c.BaseURL)
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c, nil
}
