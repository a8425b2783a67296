package core

import (
	"fmt"
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type (
	Config struct {
		Env              string // DEV (local; default), TEST, QA, PROD
		Build            string
		Debug            bool
		TestMode         bool
		AppName          string
		SecretKey        string
		FrontendBaseURL  string
		DefaultFromEmail mail.Address
		SendgridApiKey   string
		RollbarToken     string

		Server   ServerConfig
		Database DatabaseConfig
		Redis    RedisConfig
		Gateway  GatewayConfig
		Ledger   LedgerConfig
	}

	ServerConfig struct {
		Host                      string
		DebugHost                 string
		ShutdownTimeout           time.Duration
		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
	}

	DatabaseConfig struct {
		Engine        string
		Host          string
		Port          string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	RedisConfig struct {
		Addr     string
		Password string
		DB       int
		GuardTTL time.Duration
	}

	GatewayConfig struct {
		PublicKey       string
		IntegritySecret string
		EventsSecret    string
		Currency        string
		CheckoutURL     string
		RedirectURL     string
	}

	LedgerConfig struct {
		Currency            string
		AmountPlaces        int32 // decimal places kept on amounts (0 for COP)
		DiscountMinStudents int
		DiscountPercentage  decimal.Decimal
	}
)

// MaxAmountPlaces is the scale of the money columns.
const MaxAmountPlaces = 2

func (lc LedgerConfig) Validate() error {
	if lc.AmountPlaces < 0 || lc.AmountPlaces > MaxAmountPlaces {
		return fmt.Errorf("amountPlaces must be between 0 and %d, got %d", MaxAmountPlaces, lc.AmountPlaces)
	}
	return nil
}

func (dc DatabaseConfig) Address() string {
	return net.JoinHostPort(dc.Host, dc.Port)
}

// NewConfig reads the configuration from the environment (and `config/.env.<env>` if present).
func NewConfig() *Config {
	v := viper.New()

	// defaults
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", true)
	v.SetDefault("testMode", false)
	v.SetDefault("build", "develop")
	v.SetDefault("appName", "Academia")
	v.SetDefault("secretKey", "x8m#2c!f0+s7k$ho@4wv9(gq^z1)e6ud&trl5bnj=y3ip")
	v.SetDefault("frontendBaseURL", "http://localhost:8080")
	v.SetDefault("defaultFromEmail", "Academia <noreply@localhost>")
	v.SetDefault("sendgridApiKey", "")
	v.SetDefault("rollbarToken", "")

	v.SetDefault("server.host", "0.0.0.0:8000")
	v.SetDefault("server.debugHost", "0.0.0.0:4000")
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("server.jwtExpirationDelta", 4*time.Hour)
	v.SetDefault("server.jwtRefreshExpirationDelta", 7*24*time.Hour)

	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.name", "academia")
	v.SetDefault("database.user", "academia")
	v.SetDefault("database.password", "academia")
	v.SetDefault("database.adminUser", "postgres")
	v.SetDefault("database.adminPassword", "")
	v.SetDefault("database.disableTLS", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.guardTTL", 2*time.Minute)

	v.SetDefault("gateway.publicKey", "")
	v.SetDefault("gateway.integritySecret", "")
	v.SetDefault("gateway.eventsSecret", "")
	v.SetDefault("gateway.currency", "COP")
	v.SetDefault("gateway.checkoutURL", "https://checkout.wompi.co/p/")
	v.SetDefault("gateway.redirectURL", "http://localhost:8080/payments/result")

	v.SetDefault("ledger.currency", "COP")
	v.SetDefault("ledger.amountPlaces", 0)
	v.SetDefault("ledger.discountMinStudents", 3)
	v.SetDefault("ledger.discountPercentage", "10")

	env := strings.ToUpper(os.Getenv("ENV"))
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// load .env if it exists (ignore if it does not)
	if wd, err := os.Getwd(); err == nil {
		dotEnvPath := filepath.Join(wd, "config", ".env."+strings.ToLower(env))
		if _, err := os.Stat(dotEnvPath); err == nil {
			if err := godotenv.Load(dotEnvPath); err != nil {
				log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
			}
		} else if !os.IsNotExist(err) {
			log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
		}
	}
	v.AutomaticEnv()

	fromEmail, err := mail.ParseAddress(v.GetString("defaultFromEmail"))
	if err != nil {
		log.Fatalf("config.defaultFromEmail: %v", err)
	}
	discountPct, err := decimal.NewFromString(v.GetString("ledger.discountPercentage"))
	if err != nil {
		log.Fatalf("config.ledger.discountPercentage: %v", err)
	}

	conf := &Config{
		Env:              env,
		Build:            v.GetString("build"),
		Debug:            v.GetBool("debug"),
		TestMode:         v.GetBool("testMode"),
		AppName:          v.GetString("appName"),
		SecretKey:        v.GetString("secretKey"),
		FrontendBaseURL:  v.GetString("frontendBaseURL"),
		DefaultFromEmail: *fromEmail,
		SendgridApiKey:   v.GetString("sendgridApiKey"),
		RollbarToken:     v.GetString("rollbarToken"),
		Server: ServerConfig{
			Host:                      v.GetString("server.host"),
			DebugHost:                 v.GetString("server.debugHost"),
			ShutdownTimeout:           v.GetDuration("server.shutdownTimeout"),
			JWTExpirationDelta:        v.GetDuration("server.jwtExpirationDelta"),
			JWTRefreshExpirationDelta: v.GetDuration("server.jwtRefreshExpirationDelta"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("database.engine"),
			Host:          v.GetString("database.host"),
			Port:          v.GetString("database.port"),
			Name:          v.GetString("database.name"),
			User:          v.GetString("database.user"),
			Password:      v.GetString("database.password"),
			AdminUser:     v.GetString("database.adminUser"),
			AdminPassword: v.GetString("database.adminPassword"),
			DisableTLS:    v.GetBool("database.disableTLS"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			GuardTTL: v.GetDuration("redis.guardTTL"),
		},
		Gateway: GatewayConfig{
			PublicKey:       v.GetString("gateway.publicKey"),
			IntegritySecret: v.GetString("gateway.integritySecret"),
			EventsSecret:    v.GetString("gateway.eventsSecret"),
			Currency:        v.GetString("gateway.currency"),
			CheckoutURL:     v.GetString("gateway.checkoutURL"),
			RedirectURL:     v.GetString("gateway.redirectURL"),
		},
		Ledger: LedgerConfig{
			Currency:            v.GetString("ledger.currency"),
			AmountPlaces:        v.GetInt32("ledger.amountPlaces"),
			DiscountMinStudents: v.GetInt("ledger.discountMinStudents"),
			DiscountPercentage:  discountPct,
		},
	}
	if err := conf.Ledger.Validate(); err != nil {
		log.Fatalf("config.ledger: %v", err)
	}
	return conf
}

// NewTestConfig returns the configuration used by tests; nothing is read from the environment.
func NewTestConfig() *Config {
	return &Config{
		Env:              "TEST",
		Build:            "test",
		TestMode:         true,
		AppName:          "Academia",
		SecretKey:        "test-secret-key",
		FrontendBaseURL:  "http://localhost:8080",
		DefaultFromEmail: mail.Address{Name: "Academia", Address: "noreply@localhost"},
		Server: ServerConfig{
			ShutdownTimeout:           time.Second,
			JWTExpirationDelta:        time.Hour,
			JWTRefreshExpirationDelta: 24 * time.Hour,
		},
		Redis: RedisConfig{GuardTTL: time.Minute},
		Gateway: GatewayConfig{
			PublicKey:       "pub_test_key",
			IntegritySecret: "test_integrity_secret",
			EventsSecret:    "test_events_secret",
			Currency:        "COP",
			CheckoutURL:     "https://checkout.wompi.co/p/",
			RedirectURL:     "http://localhost:8080/payments/result",
		},
		Ledger: LedgerConfig{
			Currency:            "COP",
			DiscountMinStudents: 3,
			DiscountPercentage:  decimal.NewFromInt(10),
		},
	}
}
