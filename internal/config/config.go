package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	Storage   string
	DBUser    string
	DBPass    string
	DBHost    string
	DBPort    string
	DBName    string
	SSLMode   string
	RedisHost string
	RedisPort string
	NatsHost  string
	NatsPort  string
	ApiPort   string
}

// New loads and validates configuration from environment variables.
// Redis and NATS are optional: leaving their hosts unset disables the
// balance cache and the bus/command transports respectively. The storage
// provider defaults to postgres; HSA_STORAGE=memory runs the in-memory
// store for demos without a database.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Storage:   getEnv("HSA_STORAGE", "postgres"),
		DBUser:    os.Getenv("HSA_POSTGRES_USER"),
		DBPass:    os.Getenv("HSA_POSTGRES_PASSWORD"),
		DBHost:    os.Getenv("HSA_POSTGRES_HOST"),
		DBPort:    os.Getenv("HSA_POSTGRES_PORT"),
		DBName:    os.Getenv("HSA_POSTGRES_DB"),
		SSLMode:   os.Getenv("HSA_POSTGRES_SSLMODE"),
		RedisHost: os.Getenv("HSA_REDIS_HOST"),
		RedisPort: os.Getenv("HSA_REDIS_PORT"),
		NatsHost:  os.Getenv("HSA_NATS_HOST"),
		NatsPort:  os.Getenv("HSA_NATS_PORT"),
		ApiPort:   getEnv("HSA_API_PORT", "8080"),
	}

	if cfg.Storage != "postgres" && cfg.Storage != "memory" {
		return nil, fmt.Errorf("invalid storage provider %q, must be 'postgres' or 'memory'", cfg.Storage)
	}

	if cfg.Storage == "postgres" {
		if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" || cfg.SSLMode == "" {
			return nil, fmt.Errorf("missing required env for database: HSA_POSTGRES_USER/HOST/DB/SSLMODE")
		}
	}

	if (cfg.RedisHost == "") != (cfg.RedisPort == "") {
		return nil, fmt.Errorf("HSA_REDIS_HOST and HSA_REDIS_PORT must be set together")
	}
	if (cfg.NatsHost == "") != (cfg.NatsPort == "") {
		return nil, fmt.Errorf("HSA_NATS_HOST and HSA_NATS_PORT must be set together")
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

func (c *Config) ApiAddr() string {
	return ":" + c.ApiPort
}

func (c *Config) RedisEnabled() bool {
	return c.RedisHost != ""
}

func (c *Config) NatsEnabled() bool {
	return c.NatsHost != ""
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}
