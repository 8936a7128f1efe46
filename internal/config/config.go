package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	AuthMode       string   `mapstructure:"AUTH_MODE"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	JWTSigningKey  string   `mapstructure:"JWT_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	// Knowledge base and log locations.
	KBPath           string `mapstructure:"KB_PATH"`
	AuditPath        string `mapstructure:"AUDIT_PATH"`
	ErrorReportsPath string `mapstructure:"ERROR_REPORTS_PATH"`

	// Clinical safety switches. REFUSE_ON_NO_REGIMEN must stay true in
	// production deployments; Validate enforces that.
	ConservativeAllergyDefault bool `mapstructure:"CONSERVATIVE_ALLERGY_DEFAULT"`
	RefuseOnNoRegimen          bool `mapstructure:"REFUSE_ON_NO_REGIMEN"`

	// CGRoundCreatinine floors serum creatinine at 1.0 mg/dL in the
	// Cockcroft-Gault estimate when set.
	CGRoundCreatinine bool `mapstructure:"CG_ROUND_CREATININE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "")
	v.SetDefault("AUDIT_PATH", "logs")
	v.SetDefault("ERROR_REPORTS_PATH", "logs/error_reports")
	v.SetDefault("CONSERVATIVE_ALLERGY_DEFAULT", true)
	v.SetDefault("REFUSE_ON_NO_REGIMEN", true)
	v.SetDefault("CG_ROUND_CREATININE", false)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("AUTH_MODE")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("JWT_SIGNING_KEY")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("KB_PATH")
	v.BindEnv("AUDIT_PATH")
	v.BindEnv("ERROR_REPORTS_PATH")
	v.BindEnv("CONSERVATIVE_ALLERGY_DEFAULT")
	v.BindEnv("REFUSE_ON_NO_REGIMEN")
	v.BindEnv("CG_ROUND_CREATININE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.KBPath == "" {
		return nil, fmt.Errorf("KB_PATH is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active: all requests get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
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

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise, the mode is inferred:
//   - ENV=development → "development" (no auth, all requests get admin)
//   - AUTH_ISSUER set → "external" (Keycloak, Auth0, etc.)
//   - Otherwise       → "static" (HS256 signing key)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	if c.AuthIssuer != "" {
		return "external"
	}
	return "static"
}

// Validate checks that the configuration is safe to run. In non-development
// modes some form of real authentication must be configured, and production
// deployments may not disable the no-regimen refusal: returning an empty
// recommendation instead of ERR_NO_REGIMEN is a test-bench behavior only.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	switch mode {
	case "development":
	case "external":
		if c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_ISSUER must be set when AUTH_MODE is \"external\" (current ENV=%q)", c.Env)
		}
	case "static":
		if c.JWTSigningKey == "" {
			return fmt.Errorf("JWT_SIGNING_KEY must be set when AUTH_MODE is \"static\". " +
				"Refusing to start without authentication configuration")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\", \"static\", or \"external\", got %q", mode)
	}

	if c.IsProduction() && !c.RefuseOnNoRegimen {
		return fmt.Errorf("REFUSE_ON_NO_REGIMEN must remain true in production")
	}

	return nil
}
