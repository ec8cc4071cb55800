// Package config describes how a lock handle reaches its backing store.
// Values are passed explicitly to constructors; Load is a convenience for
// binaries that read them from a YAML file and DISTLOCK_* environment variables.
package config

import (
	stdErrors "errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	lockerrors "github.com/mirkobrombin/go-distlock/v1/errors"
)

const (
	// DefaultPort is used when Port is zero.
	DefaultPort = 6379
	// DefaultTTL is the lifetime, in seconds, of a lock key when TTL is zero.
	DefaultTTL = 30

	blinded = "******"
)

// Redis configures the Redis-backed locking strategy.
type Redis struct {
	Hostname             string  `mapstructure:"hostname" validate:"required"`
	Database             *int    `mapstructure:"database" validate:"required,min=0"`
	Port                 int     `mapstructure:"port" validate:"min=0,max=65535"`
	TTL                  int     `mapstructure:"ttl" validate:"min=0"`
	ConnectionTimeout    float64 `mapstructure:"connection_timeout" validate:"min=0"`
	Password             string  `mapstructure:"password"`
	Authentication       string  `mapstructure:"authentication"`
	PersistentConnection bool    `mapstructure:"persistent_connection"`
	Priority             *int    `mapstructure:"priority"`
	Disabled             bool    `mapstructure:"disabled"`
	// EncryptionKey salts store keys so installations sharing a Redis
	// database do not collide.
	EncryptionKey string `mapstructure:"encryption_key"`
}

var validate = validator.New()

// Validate reports ErrConfiguration when cfg is nil or a required field is
// missing. It never touches the network.
func (cfg *Redis) Validate() error {
	if cfg == nil {
		return lockerrors.Wrap(lockerrors.ErrConfiguration, "no configuration for the redis locking strategy found")
	}
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !stdErrors.As(err, &verrs) {
		return lockerrors.Wrap(lockerrors.ErrConfiguration, "%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			msgs = append(msgs, "no "+strings.ToLower(fe.Field())+" configured")
			continue
		}
		msgs = append(msgs, strings.ToLower(fe.Field())+" fails "+fe.Tag()+"="+fe.Param())
	}
	return lockerrors.Wrap(lockerrors.ErrConfiguration, "%s", strings.Join(msgs, ", "))
}

// Addr returns host:port, applying DefaultPort.
func (cfg *Redis) Addr() string {
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(cfg.Hostname, strconv.Itoa(port))
}

// DB returns the configured database index, 0 if unset.
func (cfg *Redis) DB() int {
	if cfg.Database == nil {
		return 0
	}
	return *cfg.Database
}

// LockTTL returns the lock key lifetime, applying DefaultTTL.
func (cfg *Redis) LockTTL() time.Duration {
	if cfg.TTL <= 0 {
		return DefaultTTL * time.Second
	}
	return time.Duration(cfg.TTL) * time.Second
}

// DialTimeout converts ConnectionTimeout to a duration. Zero means the
// client default.
func (cfg *Redis) DialTimeout() time.Duration {
	return time.Duration(cfg.ConnectionTimeout * float64(time.Second))
}

// Secret returns the credential to authenticate with. Authentication is a
// legacy alias honoured only when Password is empty.
func (cfg *Redis) Secret() string {
	if cfg.Password != "" {
		return cfg.Password
	}
	return cfg.Authentication
}

// Blinded returns a copy safe to print or log.
func (cfg Redis) Blinded() Redis {
	if cfg.Password != "" {
		cfg.Password = blinded
	}
	if cfg.Authentication != "" {
		cfg.Authentication = blinded
	}
	if cfg.EncryptionKey != "" {
		cfg.EncryptionKey = blinded
	}
	return cfg
}

// MarshalZerologObject logs the blinded configuration.
func (cfg Redis) MarshalZerologObject(e *zerolog.Event) {
	b := cfg.Blinded()
	e.Str("hostname", b.Hostname).
		Int("port", b.Port).
		Int("database", b.DB()).
		Int("ttl", b.TTL).
		Bool("persistent", b.PersistentConnection).
		Str("password", b.Password)
}

type file struct {
	Redis Redis `mapstructure:"redis"`
}

var keys = []string{
	"hostname", "database", "port", "ttl", "connection_timeout", "password",
	"authentication", "persistent_connection", "priority", "disabled", "encryption_key",
}

// Load reads the "redis" section of a YAML file plus DISTLOCK_REDIS_*
// environment overrides. With an empty path, distlock.yaml is looked up in
// the working directory and ./configs, and a missing file is not an error.
// The result is validated unless Redis locking is disabled.
func Load(path string) (*Redis, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("redis.port", DefaultPort)
	v.SetDefault("redis.ttl", DefaultTTL)

	v.SetEnvPrefix("DISTLOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, k := range keys {
		if err := v.BindEnv("redis." + k); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("distlock")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !stdErrors.As(err, &notFound) {
			return nil, lockerrors.Wrap(lockerrors.ErrConfiguration, "read config: %v", err)
		}
	}

	var f file
	if err := v.Unmarshal(&f); err != nil {
		return nil, lockerrors.Wrap(lockerrors.ErrConfiguration, "decode config: %v", err)
	}
	if f.Redis.Disabled {
		return &f.Redis, nil
	}
	if err := f.Redis.Validate(); err != nil {
		return nil, err
	}
	return &f.Redis, nil
}
