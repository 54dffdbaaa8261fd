package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the application configuration
type Config struct {
	Matrix struct {
		Homeserver  string `koanf:"homeserver"`
		UserID      string `koanf:"user_id"`
		AccessToken string `koanf:"access_token"`
		Password    string `koanf:"password"`
		StateFile   string `koanf:"state_file"`
	} `koanf:"matrix"`

	Ollama struct {
		URL            string  `koanf:"url"`
		Model          string  `koanf:"model"`
		APIKey         string  `koanf:"api_key"`
		Temperature    float64 `koanf:"temperature"`
		MaxTokens      int     `koanf:"max_tokens"`
		TimeoutSeconds int     `koanf:"timeout_seconds"`
	} `koanf:"ollama"`

	History struct {
		// MaxTurns caps per-room history; oldest turns are dropped first.
		// Zero or negative disables the cap.
		MaxTurns int `koanf:"max_turns"`
	} `koanf:"history"`

	Bot struct {
		// TargetUser, when set, makes the bot open (or reuse) a DM room with
		// this user on startup.
		TargetUser string `koanf:"target_user"`
		Typing     bool   `koanf:"typing"`
	} `koanf:"bot"`
}

// LoadConfig loads the configuration from a file
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	// Set up default configuration
	k.Load(confmap.Provider(map[string]interface{}{
		"ollama.url":             "http://localhost:11434",
		"ollama.model":           "qwen2.5-coder:7b",
		"ollama.timeout_seconds": 120,
		"history.max_turns":      40,
		"bot.typing":             true,
		"matrix.state_file":      "./crdata/state.json",
	}, "."), nil)

	// Load from TOML file if it exists
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		// Try to load from default locations - prioritize crdata directory for containerized environments
		defaultPaths := []string{"./crdata/chatrelay.toml", "./chatrelay.toml", "$HOME/.chatrelay.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	// Load from environment variables with prefix CHATRELAY_
	k.Load(env.Provider("CHATRELAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "CHATRELAY_")), "__", ".", -1)
	}), nil)

	// Unmarshal into Config struct
	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &config, nil
}

// InitConfig initializes a new configuration file
func InitConfig(configPath string) error {
	// Check if file already exists
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	// Create sample configuration
	sampleConfig := `# ChatRelay Configuration

[matrix]
homeserver = "https://matrix.example.org"
user_id = "@relay:example.org"
# Either a long-lived access token or a password. The token wins when both
# are set.
access_token = ""
password = "your-matrix-password"
state_file = "./crdata/state.json"

[ollama]
url = "http://localhost:11434"
model = "qwen2.5-coder:7b"
# api_key is only needed when the Ollama server sits behind an
# authenticating proxy.
api_key = ""
temperature = 0.7
timeout_seconds = 120

[history]
# Per-room history cap; oldest turns are evicted first. 0 disables the cap.
max_turns = 40

[bot]
# Optional: open a DM with this user on startup.
target_user = ""
typing = true
`

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}

// Validate validates the configuration
func Validate(config *Config) error {
	if config.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix homeserver is required")
	}

	if config.Matrix.UserID == "" {
		return fmt.Errorf("matrix user_id is required")
	}

	if config.Matrix.AccessToken == "" && config.Matrix.Password == "" {
		return fmt.Errorf("matrix access_token or password is required")
	}

	if config.Ollama.URL == "" {
		return fmt.Errorf("ollama url is required")
	}

	if config.Ollama.Model == "" {
		return fmt.Errorf("ollama model is required")
	}

	if config.Ollama.TimeoutSeconds < 0 {
		return fmt.Errorf("ollama timeout_seconds cannot be negative")
	}

	return nil
}
