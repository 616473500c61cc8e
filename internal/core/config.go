package core

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to the
// wakelobby router.
type Config struct {
	// Full path to file to which logs will be written. Blank will write to stdout.
	LogFilePath string `mapstructure:"log_file_path"`
	// Minimum level of a log required to be written. Options: debug, info, warn, error
	LogLevel string `mapstructure:"log_level"`

	// Name of the neutral server players sit on while a destination boots.
	HoldingServer string `mapstructure:"holding_server"`
	// Broadcast address for Wake-on-LAN packets (e.g. 192.168.1.255).
	BroadcastIP string `mapstructure:"broadcast_ip"`
	// Maximum seconds a sticky wait may run before giving up.
	GracePeriodSec int `mapstructure:"grace_period_sec"`
	// Seconds between liveness probes during a sticky wait.
	PingIntervalSec int `mapstructure:"ping_interval_sec"`
	// Policy for player-invoked immediate fallback. Options: strict,
	// offer, auto. Unrecognized values fall back to offer.
	FallbackPolicy string `mapstructure:"fallback_policy"`

	// Server orderings by group name; "default" is the main progression,
	// most capable last.
	Groups map[string][]string `mapstructure:"groups"`
	// MAC address to wake per server name. Servers without an entry are
	// never woken.
	ServerMACs map[string]string `mapstructure:"server_macs"`
	// Player ids allowed to bypass routing restrictions.
	Admins []string `mapstructure:"admins"`
	// Ordering consulted when computing a return destination.
	ReturnServerOrder []string `mapstructure:"return_server_order"`

	PortalSecrets struct {
		// Secret accepted for any destination without its own entry.
		Global string `mapstructure:"global"`
		// Per-destination overrides.
		PerServer map[string]string `mapstructure:"per_server"`
	} `mapstructure:"portal_secrets"`

	// HMAC secrets for backend-signed portal requests, keyed by backend
	// name; "*" is the wildcard default.
	BackendSecrets map[string]string `mapstructure:"backend_secrets"`

	Gateway struct {
		// Port on which the channel gateway will listen.
		Port int `mapstructure:"port"`
	} `mapstructure:"gateway"`

	Web struct {
		// HTTP endpoint port for the metrics endpoint.
		HTTPPort int `mapstructure:"http_port"`
	} `mapstructure:"web"`

	Database struct {
		// Engine is either sqlite or postgres.
		Engine string `mapstructure:"engine"`
		// Filename of the sqlite database.
		Filename string `mapstructure:"filename"`
		// Hostname of the Postgres database instance.
		Host string `mapstructure:"host"`
		// Port on which the Postgres instance is accepting connections.
		Port int `mapstructure:"port"`
		// Name of the database.
		Name string `mapstructure:"name"`
		// Username and password of a user with full RW privileges to ${name}.
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		// Set to verify-full if the Postgres instance supports SSL.
		SSLMode string `mapstructure:"sslmode"`
	} `mapstructure:"database"`
}

const envVarPrefix = "WAKELOBBY"

// LoadConfig initializes Viper with the contents of the config file under configPath.
func LoadConfig(configPath string) *Config {
	viper.AddConfigPath(configPath)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(envVarPrefix)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			fmt.Printf("error reading config file: no config file in path %s\n", configPath)
		} else {
			fmt.Printf("error reading config file: %v\n", err)
		}
		os.Exit(1)
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, database.host can be set using: <envVarPrefix>_DATABASE_HOST
	for _, k := range viper.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := viper.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			fmt.Printf("error binding %s to %s\n", k, envVarPrefix+"_"+envVar)
			os.Exit(1)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		fmt.Printf("error unmarshaling config object: %v\n", err)
		os.Exit(1)
	}
	return config
}

// ReloadConfig re-reads the config file loaded by LoadConfig and returns a
// freshly unmarshaled Config. Callers swap in the pieces they care about
// (secrets, durations) without disturbing in-flight waits.
func ReloadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("re-reading config file: %w", err)
	}
	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unmarshaling config object: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the options that would make startup pointless. These are
// fatal; the server should not come up half-configured.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.HoldingServer) == "" {
		return errors.New("holding_server must be set")
	}
	if net.ParseIP(c.BroadcastIP) == nil {
		return fmt.Errorf("broadcast_ip %q is not a valid IP address", c.BroadcastIP)
	}
	return nil
}

// GracePeriod returns the sticky wait grace duration.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSec) * time.Second
}

// PingInterval returns the spacing between liveness probes.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSec) * time.Second
}

// DefaultGroup returns the main server progression, or nil if unconfigured.
func (c *Config) DefaultGroup() []string {
	return c.Groups["default"]
}

const databaseURITemplate = "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s"

// DatabaseURL returns a database URL generated from the provided config values.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		databaseURITemplate,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Username,
		c.Database.Password,
		c.Database.SSLMode,
	)
}
