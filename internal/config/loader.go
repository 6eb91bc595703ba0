package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadResult is the outcome of implicit loading: the configuration actually
// in effect plus one warning per value that fell back to its default.
type LoadResult struct {
	Config          Config
	Warnings        []string
	FallbackApplied bool
}

// FromEnv reads the NOTIQ_* environment variables. Unset variables take
// their default silently; invalid ones take their default with a warning.
func FromEnv() LoadResult {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) LoadResult {
	def := Default()
	res := LoadResult{Config: def}

	str := func(key, fallback, tag string) string {
		value, ok := lookup(key)
		if !ok || value == "" {
			return fallback
		}
		if err := validate.Var(value, tag); err != nil {
			res.warn(key, value, describeVar(tag, value, err), fallback)
			return fallback
		}
		return value
	}

	res.Config.BrokerURL = str(EnvBrokerURL, def.BrokerURL, "broker_url")
	res.Config.ResultBackend = str(EnvResultBackend, def.ResultBackend, "broker_url")
	res.Config.TasksDir = str(EnvTasksDir, def.TasksDir, "required")
	res.Config.LogDir = str(EnvLogDir, def.LogDir, "required")
	res.Config.MetricsAddr = str(EnvMetricsAddr, def.MetricsAddr, "listen_addr")

	if value, ok := lookup(EnvConcurrency); ok && value != "" {
		n, err := strconv.Atoi(value)
		if err == nil {
			err = validate.Var(n, "min=1,max=1024")
		}
		if err != nil {
			res.warn(EnvConcurrency, value, err, strconv.Itoa(def.Concurrency))
		} else {
			res.Config.Concurrency = n
		}
	}
	return res
}

func (r *LoadResult) warn(key, value string, err error, fallback string) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(
		"Invalid %s='%s': %v, falling back to default '%s'", key, value, err, fallback,
	))
	r.FallbackApplied = true
}

func describeVar(tag, value string, err error) error {
	switch tag {
	case "broker_url":
		return CheckBrokerURL(value)
	case "listen_addr":
		return checkListenAddr(value)
	default:
		return err
	}
}

// LoadEnvFile reads configuration from a .env file, with the process
// environment filling keys the file does not set. Being explicit, any
// invalid value is an error.
func LoadEnvFile(path string) (Config, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: read env file %s: %v", ErrConfiguration, path, err)
	}
	lookup := func(key string) string {
		if v, ok := values[key]; ok {
			return v
		}
		return os.Getenv(key)
	}

	c := Default()
	set := func(dst *string, key string) {
		if v := lookup(key); v != "" {
			*dst = v
		}
	}
	set(&c.BrokerURL, EnvBrokerURL)
	set(&c.ResultBackend, EnvResultBackend)
	set(&c.TasksDir, EnvTasksDir)
	set(&c.LogDir, EnvLogDir)
	set(&c.MetricsAddr, EnvMetricsAddr)
	if v := lookup(EnvConcurrency); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s %q: %v", ErrConfiguration, EnvConcurrency, v, err)
		}
		c.Concurrency = n
	}
	return New(c)
}
