// Package configs loads every tunable from the environment, with a .env
// file picked up when present. All engine constants and rule thresholds are
// plain named options so a deployment can adjust them without a rebuild.
package configs

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/sandoq/loanengine/pkg/eligibility"
	"github.com/sandoq/loanengine/pkg/loanmath"
)

type Config struct {
	ServerPort  string
	DBPath      string
	AuditDBPath string

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	FiguresCacheTTL time.Duration

	ScanInterval time.Duration
	RaceWindow   time.Duration

	Terms loanmath.Terms
	Rules eligibility.Rules
}

// Load reads the environment (and a .env file if one exists) into a Config.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	terms := loanmath.Terms{
		MaxLoanCap:           getEnvDecimal("MAX_LOAN_CAP", "10000"),
		MaxBalanceMultiplier: getEnvDecimal("MAX_BALANCE_MULTIPLIER", "3"),
		InstallmentRatio:     getEnvDecimal("INSTALLMENT_RATIO", "0.006667"),
		MinInstallment:       getEnvDecimal("MIN_INSTALLMENT", "20"),
		RoundingUnit:         getEnvDecimal("ROUNDING_UNIT", "5"),
	}

	rules := eligibility.Rules{
		MinimumBalance:                   getEnvDecimal("MINIMUM_BALANCE", "100"),
		RequiredSubscriptionAmount:       getEnvDecimal("REQUIRED_SUBSCRIPTION_AMOUNT", "200"),
		RequiredSubscriptionPeriodMonths: getEnvInt("REQUIRED_SUBSCRIPTION_PERIOD_MONTHS", 12),
	}

	return &Config{
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		DBPath:          getEnv("DB_PATH", "loanengine.db"),
		AuditDBPath:     getEnv("AUDIT_DB_PATH", "loanengine_audit.db"),
		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		FiguresCacheTTL: time.Duration(getEnvInt("FIGURES_CACHE_TTL_MINUTES", 15)) * time.Minute,
		ScanInterval:    time.Duration(getEnvInt("SCAN_INTERVAL_MINUTES", 10)) * time.Minute,
		RaceWindow:      time.Duration(getEnvInt("RACE_WINDOW_MINUTES", 30)) * time.Minute,
		Terms:           terms,
		Rules:           rules,
	}
}

// GetEnv fetches the value of an environment variable or returns a default.
func getEnv(key, defaultValue string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(getEnv(key, strconv.Itoa(defaultValue)))
	if err != nil {
		log.Printf("Invalid integer for %s, using default %d", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvDecimal(key, defaultValue string) decimal.Decimal {
	value, err := decimal.NewFromString(getEnv(key, defaultValue))
	if err != nil {
		log.Printf("Invalid decimal for %s, using default %s", key, defaultValue)
		return decimal.RequireFromString(defaultValue)
	}
	return value
}
