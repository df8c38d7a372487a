package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	CORS     CORSConfig
	Log      LogConfig

	Audit       AuditConfig
	Consent     ConsentConfig
	Retention   RetentionConfig
	Encryption  EncryptionConfig
	Erasure     ErasureConfig
	Portability PortabilityConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// AuditConfig governs the audit trail feature.
type AuditConfig struct {
	Enabled bool
	// MaskedFields maps an entity type to the field names whose values are
	// replaced with the mask sentinel before an event is persisted.
	MaskedFields map[string][]string
}

// ConsentTypeDef describes one entry of the consent-type catalog.
type ConsentTypeDef struct {
	Key      string
	Purpose  string
	Required bool
}

// ConsentConfig governs the consent ledger feature.
type ConsentConfig struct {
	Enabled bool
	Types   []ConsentTypeDef
}

// RetentionConfig governs the retention engine.
type RetentionConfig struct {
	Enabled           bool
	AutoDeleteEnabled bool
}

// EncryptionConfig governs transparent field-level encryption.
type EncryptionConfig struct {
	Enabled         bool
	Key             string
	Algorithm       string
	KeyRotationDays int
	// EncryptedFields maps an entity type to the field names stored encrypted.
	EncryptedFields map[string][]string
}

// ErasureConfig governs the subject erasure workflow.
type ErasureConfig struct {
	Enabled              bool
	AnonymizationEnabled bool
	ErasableEntityTypes  []string
	ReviewerEmails       []string
}

// PortabilityConfig governs subject data exports.
type PortabilityConfig struct {
	Enabled       bool
	DefaultFormat string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Audit = AuditConfig{
		Enabled:      v.GetBool("GOVERNANCE_AUDIT_ENABLED"),
		MaskedFields: parseFieldMap(v.GetString("GOVERNANCE_MASKED_FIELDS")),
	}

	cfg.Consent = ConsentConfig{
		Enabled: v.GetBool("GOVERNANCE_CONSENT_ENABLED"),
		Types:   parseConsentTypes(v.GetString("GOVERNANCE_CONSENT_TYPES")),
	}

	cfg.Retention = RetentionConfig{
		Enabled:           v.GetBool("GOVERNANCE_RETENTION_ENABLED"),
		AutoDeleteEnabled: v.GetBool("GOVERNANCE_RETENTION_AUTO_DELETE"),
	}

	cfg.Encryption = EncryptionConfig{
		Enabled:         v.GetBool("GOVERNANCE_ENCRYPTION_ENABLED"),
		Key:             v.GetString("GOVERNANCE_ENCRYPTION_KEY"),
		Algorithm:       v.GetString("GOVERNANCE_ENCRYPTION_ALGORITHM"),
		KeyRotationDays: v.GetInt("GOVERNANCE_KEY_ROTATION_DAYS"),
		EncryptedFields: parseFieldMap(v.GetString("GOVERNANCE_ENCRYPTED_FIELDS")),
	}

	cfg.Erasure = ErasureConfig{
		Enabled:              v.GetBool("GOVERNANCE_ERASURE_ENABLED"),
		AnonymizationEnabled: v.GetBool("GOVERNANCE_ANONYMIZATION_ENABLED"),
		ErasableEntityTypes:  splitAndTrim(v.GetString("GOVERNANCE_ERASABLE_ENTITIES")),
		ReviewerEmails:       splitAndTrim(v.GetString("GOVERNANCE_REVIEWER_EMAILS")),
	}

	cfg.Portability = PortabilityConfig{
		Enabled:       v.GetBool("GOVERNANCE_PORTABILITY_ENABLED"),
		DefaultFormat: v.GetString("GOVERNANCE_PORTABILITY_FORMAT"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "crm_governance")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("GOVERNANCE_AUDIT_ENABLED", true)
	v.SetDefault("GOVERNANCE_MASKED_FIELDS", "User:password|password_hash|remember_token;Ticket:card_number")

	v.SetDefault("GOVERNANCE_CONSENT_ENABLED", true)
	v.SetDefault("GOVERNANCE_CONSENT_TYPES", "terms_and_conditions:required,privacy_policy:required,marketing,analytics")

	v.SetDefault("GOVERNANCE_RETENTION_ENABLED", true)
	v.SetDefault("GOVERNANCE_RETENTION_AUTO_DELETE", false)

	v.SetDefault("GOVERNANCE_ENCRYPTION_ENABLED", false)
	v.SetDefault("GOVERNANCE_ENCRYPTION_KEY", "")
	v.SetDefault("GOVERNANCE_ENCRYPTION_ALGORITHM", "AES-256-GCM")
	v.SetDefault("GOVERNANCE_KEY_ROTATION_DAYS", 90)
	v.SetDefault("GOVERNANCE_ENCRYPTED_FIELDS", "")

	v.SetDefault("GOVERNANCE_ERASURE_ENABLED", true)
	v.SetDefault("GOVERNANCE_ANONYMIZATION_ENABLED", true)
	v.SetDefault("GOVERNANCE_ERASABLE_ENTITIES", "ConsentRecord,Ticket,User")
	v.SetDefault("GOVERNANCE_REVIEWER_EMAILS", "")

	v.SetDefault("GOVERNANCE_PORTABILITY_ENABLED", true)
	v.SetDefault("GOVERNANCE_PORTABILITY_FORMAT", "json")
}

// RequiredConsentTypes returns the keys of catalog entries marked required.
func (c ConsentConfig) RequiredConsentTypes() []string {
	var keys []string
	for _, def := range c.Types {
		if def.Required {
			keys = append(keys, def.Key)
		}
	}
	return keys
}

// ConsentType looks up a catalog entry by key.
func (c ConsentConfig) ConsentType(key string) (ConsentTypeDef, bool) {
	for _, def := range c.Types {
		if def.Key == key {
			return def, true
		}
	}
	return ConsentTypeDef{}, false
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// parseFieldMap decodes "Entity:field|field;Entity:field" into a lookup map.
func parseFieldMap(raw string) map[string][]string {
	result := make(map[string][]string)
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		entity, fields, found := strings.Cut(entry, ":")
		if !found {
			continue
		}
		entity = strings.TrimSpace(entity)
		var names []string
		for _, field := range strings.Split(fields, "|") {
			field = strings.TrimSpace(field)
			if field != "" {
				names = append(names, field)
			}
		}
		if entity != "" && len(names) > 0 {
			result[entity] = names
		}
	}
	return result
}

// parseConsentTypes decodes "key:required:purpose,key" into catalog entries.
func parseConsentTypes(raw string) []ConsentTypeDef {
	var defs []ConsentTypeDef
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		def := ConsentTypeDef{Key: strings.TrimSpace(parts[0])}
		if def.Key == "" {
			continue
		}
		if len(parts) > 1 && strings.TrimSpace(parts[1]) == "required" {
			def.Required = true
		}
		if len(parts) > 2 {
			def.Purpose = strings.TrimSpace(parts[2])
		}
		defs = append(defs, def)
	}
	return defs
}
