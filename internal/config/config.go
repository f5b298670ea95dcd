package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string `mapstructure:"PORT"`
	Env                string `mapstructure:"ENV"`
	DatabaseURL        string `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32  `mapstructure:"DB_MIN_CONNS"`
	JWTSecret          string `mapstructure:"JWT_SECRET"`
	TokenEncryptionKey string `mapstructure:"TOKEN_ENCRYPTION_KEY"`
	EpicClientID       string `mapstructure:"EPIC_CLIENT_ID"`
	EpicAuthorizeURL   string `mapstructure:"EPIC_AUTHORIZE_URL"`
	EpicTokenURL       string `mapstructure:"EPIC_TOKEN_URL"`
	EpicFHIRBaseURL    string `mapstructure:"EPIC_FHIR_BASE_URL"`
	EpicRedirectURI    string `mapstructure:"EPIC_REDIRECT_URI"`
	EpicScopes         string `mapstructure:"EPIC_SCOPES"`
	DemoMode           bool   `mapstructure:"DEMO_MODE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("EPIC_AUTHORIZE_URL", "https://fhir.epic.com/interconnect-fhir-oauth/oauth2/authorize")
	v.SetDefault("EPIC_TOKEN_URL", "https://fhir.epic.com/interconnect-fhir-oauth/oauth2/token")
	v.SetDefault("EPIC_FHIR_BASE_URL", "https://fhir.epic.com/interconnect-fhir-oauth/api/FHIR/R4")
	v.SetDefault("EPIC_SCOPES", "launch/patient patient/Patient.read patient/Condition.read patient/MedicationRequest.read patient/DocumentReference.read patient/Observation.read offline_access")
	v.SetDefault("DEMO_MODE", false)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("JWT_SECRET")
	v.BindEnv("TOKEN_ENCRYPTION_KEY")
	v.BindEnv("EPIC_CLIENT_ID")
	v.BindEnv("EPIC_AUTHORIZE_URL")
	v.BindEnv("EPIC_TOKEN_URL")
	v.BindEnv("EPIC_FHIR_BASE_URL")
	v.BindEnv("EPIC_REDIRECT_URI")
	v.BindEnv("EPIC_SCOPES")
	v.BindEnv("DEMO_MODE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.TokenEncryptionKey == "" {
		log.Println("WARNING: TOKEN_ENCRYPTION_KEY not set; Epic credentials will use the reversible dev encoding.")
		log.Println("WARNING: Do NOT use this configuration in production.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// EncryptionKey decodes TOKEN_ENCRYPTION_KEY into raw bytes. Returns nil
// when no key is configured.
func (c *Config) EncryptionKey() ([]byte, error) {
	if c.TokenEncryptionKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.TokenEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	return key, nil
}

// ScopeList returns the configured SMART scopes as a slice.
func (c *Config) ScopeList() []string {
	return strings.Fields(c.EpicScopes)
}

// Validate checks that the configuration is safe to run. In production the
// token encryption key is required and must decode to 32 bytes, and the Epic
// OAuth client must be fully configured unless global demo mode is active.
func (c *Config) Validate() error {
	if c.IsProduction() && c.TokenEncryptionKey == "" {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY is required in production")
	}
	if c.TokenEncryptionKey != "" {
		key, err := hex.DecodeString(c.TokenEncryptionKey)
		if err != nil {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(key))
		}
	}

	if c.IsProduction() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}

	if c.IsProduction() && !c.DemoMode {
		if c.EpicClientID == "" {
			return fmt.Errorf("EPIC_CLIENT_ID is required unless DEMO_MODE is enabled")
		}
		if c.EpicRedirectURI == "" {
			return fmt.Errorf("EPIC_REDIRECT_URI is required unless DEMO_MODE is enabled")
		}
	}

	return nil
}
