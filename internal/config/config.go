// Package config loads the worker configuration.
//
// Explicit configuration (New, LoadEnvFile) returns ErrConfiguration on any
// invalid value. Implicit configuration (FromEnv) never fails: an invalid
// value falls back to its default and is reported as a warning.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
)

// EnvPrefix prefixes every environment variable read by the loader.
const EnvPrefix = "NOTIQ_"

const (
	EnvBrokerURL     = EnvPrefix + "BROKER_URL"
	EnvResultBackend = EnvPrefix + "RESULT_BACKEND"
	EnvTasksDir      = EnvPrefix + "TASKS_DIR"
	EnvLogDir        = EnvPrefix + "LOG_DIR"
	EnvMetricsAddr   = EnvPrefix + "METRICS_ADDR"
	EnvConcurrency   = EnvPrefix + "WORKER_CONCURRENCY"
)

var ErrConfiguration = errors.New("config: invalid configuration")

type Config struct {
	BrokerURL     string `validate:"required,broker_url"`
	ResultBackend string `validate:"required,broker_url"`
	TasksDir      string `validate:"required"`
	LogDir        string `validate:"required"`
	MetricsAddr   string `validate:"required,listen_addr"`
	Concurrency   int    `validate:"min=1,max=1024"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BrokerURL:     "redis://localhost:6379/0",
		ResultBackend: "redis://localhost:6379/0",
		TasksDir:      "tasks",
		LogDir:        "./logs",
		MetricsAddr:   ":9090",
		Concurrency:   8,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("broker_url", func(fl validator.FieldLevel) bool {
		return CheckBrokerURL(fl.Field().String()) == nil
	})
	_ = v.RegisterValidation("listen_addr", func(fl validator.FieldLevel) bool {
		return checkListenAddr(fl.Field().String()) == nil
	})
	return v
}

// New validates an explicitly supplied configuration.
func New(c Config) (Config, error) {
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every invalid field, wrapped in ErrConfiguration.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	value := fmt.Sprint(fe.Value())
	switch fe.Tag() {
	case "broker_url":
		return fmt.Sprintf("%s %q: %v", fe.Field(), value, CheckBrokerURL(value))
	case "listen_addr":
		return fmt.Sprintf("%s %q: %v", fe.Field(), value, checkListenAddr(value))
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	default:
		return fmt.Sprintf("%s %q fails %s=%s", fe.Field(), value, fe.Tag(), fe.Param())
	}
}

// CheckBrokerURL accepts redis(s)://, amqp(s):// and memory:// URLs.
func CheckBrokerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "redis", "rediss":
		_, err := redis.ParseURL(raw)
		return err
	case "amqp", "amqps":
		if u.Host == "" {
			return fmt.Errorf("amqp URL %q has no host", raw)
		}
		return nil
	case "memory":
		return nil
	case "":
		return fmt.Errorf("URL %q has no scheme", raw)
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

func checkListenAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}
