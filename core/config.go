package core

import (
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Backend drivers
const (
	DriverPostgREST = "postgrest"
	DriverPostgres  = "postgres"
	DriverInMem     = "inmem"
)

type (
	Config struct {
		AppName   string
		Env       string // DEV (local; default), TEST, QA, PROD
		Build     string
		Debug     bool
		TestMode  bool
		SecretKey string

		Server struct {
			Address         string
			DebugAddress    string
			ShutdownTimeout time.Duration
			JWTAudience     string
		}

		Backend struct {
			Driver       string
			URL          string
			APIKey       string
			ServiceToken string
			DatabaseURL  string
		}

		Publish struct {
			Concurrency    int
			RatePerSecond  float64
			Burst          int
			MaxRetries     int
			RetryBaseDelay time.Duration
			RetryMaxDelay  time.Duration
			Receipts       bool
		}

		Staging struct {
			SessionTTL  time.Duration
			MaxSessions int
		}

		Views struct {
			CacheSize int
		}

		Email struct {
			Provider         string // console | sendgrid
			SendgridAPIKey   string
			DefaultFromEmail string
			DefaultFromName  string
		}

		Rollbar struct {
			Token string
		}
	}
)

// NewConfig loads the configuration from defaults, an optional `config/.env.<env>` file and the environment.
// Environment variables are prefixed with the upper-cased env name, e.g. `PROD_BACKEND_URL`.
func NewConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	env := strings.ToUpper(os.Getenv("ENV"))
	if env == "" {
		env = "DEV"
	}
	if env == "TEST" {
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join("config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			return nil, errors.Wrapf(err, "loading %s", dotEnvPath)
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "checking %s", dotEnvPath)
	}
	v.AutomaticEnv()

	conf := new(Config)
	conf.Env = env
	conf.AppName = v.GetString("appName")
	conf.Build = v.GetString("build")
	conf.Debug = v.GetBool("debug")
	conf.TestMode = v.GetBool("testMode")
	conf.SecretKey = v.GetString("secretKey")

	conf.Server.Address = v.GetString("server.address")
	conf.Server.DebugAddress = v.GetString("server.debugAddress")
	conf.Server.ShutdownTimeout = v.GetDuration("server.shutdownTimeout")
	conf.Server.JWTAudience = v.GetString("server.jwtAudience")

	conf.Backend.Driver = strings.ToLower(v.GetString("backend.driver"))
	conf.Backend.URL = strings.TrimRight(v.GetString("backend.url"), "/")
	conf.Backend.APIKey = v.GetString("backend.apiKey")
	conf.Backend.ServiceToken = v.GetString("backend.serviceToken")
	conf.Backend.DatabaseURL = v.GetString("backend.databaseURL")

	conf.Publish.Concurrency = v.GetInt("publish.concurrency")
	conf.Publish.RatePerSecond = v.GetFloat64("publish.ratePerSecond")
	conf.Publish.Burst = v.GetInt("publish.burst")
	conf.Publish.MaxRetries = v.GetInt("publish.maxRetries")
	conf.Publish.RetryBaseDelay = v.GetDuration("publish.retryBaseDelay")
	conf.Publish.RetryMaxDelay = v.GetDuration("publish.retryMaxDelay")
	conf.Publish.Receipts = v.GetBool("publish.receipts")

	conf.Staging.SessionTTL = v.GetDuration("staging.sessionTTL")
	conf.Staging.MaxSessions = v.GetInt("staging.maxSessions")

	conf.Views.CacheSize = v.GetInt("views.cacheSize")

	conf.Email.Provider = strings.ToLower(v.GetString("email.provider"))
	conf.Email.SendgridAPIKey = v.GetString("email.sendgridApiKey")
	conf.Email.DefaultFromEmail = v.GetString("email.defaultFromEmail")
	conf.Email.DefaultFromName = v.GetString("email.defaultFromName")

	conf.Rollbar.Token = v.GetString("rollbar.token")

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func setDefaults(v *viper.Viper) {
	v.SetTypeByDefaultValue(true)
	v.SetDefault("appName", "Pawtograder")
	v.SetDefault("build", "dev")
	v.SetDefault("debug", true)
	v.SetDefault("testMode", false)
	v.SetDefault("secretKey", "gq1+vx$3l=0k!_dev-only-secret_s2u$9c@p")

	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.debugAddress", ":4000")
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("server.jwtAudience", "authenticated")

	v.SetDefault("backend.driver", DriverInMem)
	v.SetDefault("backend.url", "")
	v.SetDefault("backend.apiKey", "")
	v.SetDefault("backend.serviceToken", "")
	v.SetDefault("backend.databaseURL", "")

	v.SetDefault("publish.concurrency", 4)
	v.SetDefault("publish.ratePerSecond", 20.0)
	v.SetDefault("publish.burst", 10)
	v.SetDefault("publish.maxRetries", 0)
	v.SetDefault("publish.retryBaseDelay", 500*time.Millisecond)
	v.SetDefault("publish.retryMaxDelay", 10*time.Second)
	v.SetDefault("publish.receipts", false)

	v.SetDefault("staging.sessionTTL", 2*time.Hour)
	v.SetDefault("staging.maxSessions", 1024)

	v.SetDefault("views.cacheSize", 256)

	v.SetDefault("email.provider", "console")
	v.SetDefault("email.sendgridApiKey", "")
	v.SetDefault("email.defaultFromEmail", "noreply@localhost")
	v.SetDefault("email.defaultFromName", "Pawtograder")

	v.SetDefault("rollbar.token", "")
}

func (conf *Config) validate() error {
	switch conf.Backend.Driver {
	case DriverInMem:
	case DriverPostgREST:
		if conf.Backend.URL == "" {
			return errors.New("backend.url is required for the postgrest driver")
		}
	case DriverPostgres:
		if conf.Backend.DatabaseURL == "" {
			return errors.New("backend.databaseURL is required for the postgres driver")
		}
	default:
		return errors.Errorf("unknown backend driver %q", conf.Backend.Driver)
	}

	switch conf.Email.Provider {
	case "console":
	case "sendgrid":
		if conf.Email.SendgridAPIKey == "" {
			return errors.New("email.sendgridApiKey is required for the sendgrid provider")
		}
	default:
		return errors.Errorf("unknown email provider %q", conf.Email.Provider)
	}

	if conf.Publish.Concurrency < 1 {
		conf.Publish.Concurrency = 1
	}
	return nil
}

// DefaultFromEmail returns the sender address used for outgoing mail.
func (conf *Config) DefaultFromEmail() mail.Address {
	return mail.Address{Name: conf.Email.DefaultFromName, Address: conf.Email.DefaultFromEmail}
}
