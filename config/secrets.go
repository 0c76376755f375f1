// Copyright (c) 2025 BVK Chaitanya

package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/bvk/bidbot/notify"
)

// MarketplaceSecrets holds the marketplace API credentials.
type MarketplaceSecrets struct {
	Key string `json:"key"`
}

// Secrets holds credentials for all external services. Individual services
// are optional; a nil field disables that service.
type Secrets struct {
	Marketplace *MarketplaceSecrets `json:"marketplace"`

	Telegram *notify.Secrets `json:"telegram"`
}

// SecretsFromFile loads secrets from a JSON file. When the file does not
// exist, secrets are assembled from the environment instead (after loading a
// .env file if one is present).
func SecretsFromFile(path string) (*Secrets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return secretsFromEnv()
		}
		return nil, fmt.Errorf("could not read secrets file %q: %w", path, err)
	}
	s := new(Secrets)
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("could not parse secrets file %q: %w", path, err)
	}
	if err := s.Check(); err != nil {
		return nil, err
	}
	return s, nil
}

func secretsFromEnv() (*Secrets, error) {
	_ = godotenv.Load()

	s := new(Secrets)
	if key := os.Getenv("MARKETPLACE_API_KEY"); key != "" {
		s.Marketplace = &MarketplaceSecrets{Key: key}
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		s.Telegram = &notify.Secrets{
			Token:  token,
			ChatID: os.Getenv("TELEGRAM_CHAT_ID"),
		}
	}
	if err := s.Check(); err != nil {
		return nil, err
	}
	return s, nil
}

// Check validates the secrets.
func (s *Secrets) Check() error {
	if s.Marketplace == nil || s.Marketplace.Key == "" {
		return fmt.Errorf("marketplace api key is required: %w", os.ErrInvalid)
	}
	if s.Telegram != nil {
		if err := s.Telegram.Check(); err != nil {
			return err
		}
	}
	return nil
}
