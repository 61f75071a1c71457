// Package config provides configuration management for the cargabot service.
// It handles loading and parsing YAML configuration files, applying environment
// variable overrides for credentials, and provides structured access to
// application settings covering the charger network API, the identity provider,
// payment, MFA mailbox and notification channels.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Port is the network port on which the local status server will listen.
	Port int `yaml:"port"`

	// DataDir is the directory where the bolt database and logs are stored.
	DataDir string `yaml:"data-dir"`

	// Debug enables or disables debug-level logging.
	Debug bool `yaml:"debug"`

	// LoggingToFile redirects logs to rotating files under DataDir/logs.
	LoggingToFile bool `yaml:"logging-to-file"`

	// ProxyURL is the URL of an optional proxy server for outbound requests.
	ProxyURL string `yaml:"proxy-url"`

	// Username and Password are the charger-network account credentials.
	// Overridden by CARGABOT_USER / CARGABOT_PASS when set.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// ChargerIDs lists the cuprIds monitored and eligible for reservation.
	ChargerIDs []int `yaml:"charger-ids"`

	// Latitude and Longitude are sent as numLat/numLon headers on API calls.
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`

	// PollIntervalSeconds is the charger-status poll cadence. Mutable at
	// runtime; the persisted value in the store wins over this default.
	PollIntervalSeconds int `yaml:"poll-interval-seconds"`

	// Provider groups the identity-provider and mobile-API settings.
	Provider Provider `yaml:"provider"`

	// Telegram configures the outbound notification channel.
	Telegram Telegram `yaml:"telegram"`

	// IMAP configures the mailbox the MFA codes are read from.
	IMAP IMAP `yaml:"imap"`

	// Payment configures the reservation pre-authorization payment.
	Payment Payment `yaml:"payment"`
}

// Provider holds the endpoints and identifiers of the charger network and its
// Auth0-hosted login. The auth-failure-status-codes set captures a provider
// quirk: this backend answers 500 to stale tokens, so it is treated as an
// authentication signal alongside 401 and 403.
type Provider struct {
	AuthBaseURL string `yaml:"auth-base-url"`
	APIBaseURL  string `yaml:"api-base-url"`
	ClientID    string `yaml:"client-id"`
	RedirectURI string `yaml:"redirect-uri"`
	Audience    string `yaml:"audience"`

	// AppVersion is sent as the versionApp header on every API call.
	AppVersion string `yaml:"app-version"`

	// DeviceID identifies this installation to the mobile API. Generated
	// at startup when absent.
	DeviceID string `yaml:"device-id"`

	AuthFailureStatusCodes []int `yaml:"auth-failure-status-codes"`
}

// Telegram holds the Bot API token and target chat for notifications.
type Telegram struct {
	BotToken string `yaml:"bot-token"`
	ChatID   string `yaml:"chat-id"`
}

// IMAP holds the mailbox settings used to fetch MFA codes automatically.
// Overridden by CARGABOT_IMAP_USER / CARGABOT_IMAP_PASS when set.
type IMAP struct {
	Server   string `yaml:"server"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Sender and SubjectFilter narrow the search for the verification mail.
	Sender        string `yaml:"sender"`
	SubjectFilter string `yaml:"subject-filter"`
}

// Payment holds the Redsys virtual-payment settings for the reservation
// pre-authorization.
type Payment struct {
	// License is the mobile-app signing license used for request signatures.
	License string `yaml:"license"`

	// AmountCents is the reservation pre-authorization amount (100 = 1 EUR).
	AmountCents int `yaml:"amount-cents"`

	// TimeoutSeconds bounds the 3-D Secure approval wait.
	TimeoutSeconds int `yaml:"timeout-seconds"`
}

// LoadConfig reads a YAML configuration file from the given path, unmarshals
// it into a Config struct, applies environment variable overrides and
// defaults, and returns it.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnvOverrides()
	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("CARGABOT_USER")); v != "" {
		c.Username = v
	}
	if v := strings.TrimSpace(os.Getenv("CARGABOT_PASS")); v != "" {
		c.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("CARGABOT_IMAP_USER")); v != "" {
		c.IMAP.Username = v
	}
	if v := strings.TrimSpace(os.Getenv("CARGABOT_IMAP_PASS")); v != "" {
		c.IMAP.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("CARGABOT_TELEGRAM_TOKEN")); v != "" {
		c.Telegram.BotToken = v
	}
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8317
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.PollIntervalSeconds == 0 {
		c.PollIntervalSeconds = 60
	}
	if c.Provider.DeviceID == "" {
		c.Provider.DeviceID = uuid.NewString()
	}
	if c.Provider.AppVersion == "" {
		c.Provider.AppVersion = "ANDROID-4.35.0"
	}
	if len(c.Provider.AuthFailureStatusCodes) == 0 {
		c.Provider.AuthFailureStatusCodes = []int{401, 403, 500}
	}
	if c.Payment.AmountCents == 0 {
		c.Payment.AmountCents = 100
	}
	if c.Payment.TimeoutSeconds == 0 {
		c.Payment.TimeoutSeconds = 120
	}
	if c.IMAP.Server == "" {
		c.IMAP.Server = "imap.gmail.com:993"
	}
}
