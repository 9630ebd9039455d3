package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/KevinKickass/OpenMachineBridge/internal/types"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	OPCUA     OPCUAConfig     `mapstructure:"opcua"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Profiles  ProfilesConfig  `mapstructure:"cell_profiles"`
	PLCSim    PLCSimConfig    `mapstructure:"plcsim"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig configures the optional event log.
type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	EventBuffer    int    `mapstructure:"event_buffer"`
}

// Auth Configuration
type AuthConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	JWTSecretEnv   string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
	Users          []UserConfig  `mapstructure:"users"`
	MachineTokens  []TokenConfig `mapstructure:"machine_tokens"`
}

// UserConfig is an operator account. PasswordHash is an argon2id PHC string
// as printed by "bridgectl hash-password".
type UserConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// TokenConfig grants a non-interactive client fixed permissions. Only the
// SHA-256 hash of the token is stored.
type TokenConfig struct {
	Name        string   `mapstructure:"name"`
	TokenHash   string   `mapstructure:"token_hash"`
	Permissions []string `mapstructure:"permissions"`
}

type OPCUAConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type BridgeConfig struct {
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	StepBudget    time.Duration `mapstructure:"step_budget"`
	CloseTimeout  time.Duration `mapstructure:"close_timeout"`
	AutoStart     bool          `mapstructure:"auto_start"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

type ProfilesConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
	Active      string   `mapstructure:"active"`
}

// PLCSimConfig replaces the OPC UA server with the in-process simulated PLC.
type PLCSimConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
}

type WebSocketConfig struct {
	// ReportEvery sends every n-th tick report; degraded and spawning ticks
	// are always sent.
	ReportEvery int `mapstructure:"report_every"`
}

// Load reads the YAML file at path, if any, then applies OMB_ environment
// overrides (OMB_OPCUA_HOST for opcua.host).
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults setzen
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "openmachinebridge")
	v.SetDefault("database.user", "omb")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_connections", 4)
	v.SetDefault("database.event_buffer", 256)

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")

	v.SetDefault("opcua.host", "localhost")
	v.SetDefault("opcua.port", 4840)
	v.SetDefault("opcua.username", "Admin")
	v.SetDefault("opcua.password", "")
	v.SetDefault("opcua.dial_timeout", "5s")
	v.SetDefault("opcua.request_timeout", "500ms")

	v.SetDefault("bridge.tick_interval", "16ms")
	v.SetDefault("bridge.step_budget", "16ms")
	v.SetDefault("bridge.close_timeout", "2s")
	v.SetDefault("bridge.auto_start", false)
	v.SetDefault("bridge.retry_interval", "0s")

	v.SetDefault("cell_profiles.search_paths", []string{"./configs/profiles"})
	v.SetDefault("cell_profiles.active", "conveyor-line")

	v.SetDefault("plcsim.enabled", false)
	v.SetDefault("plcsim.scan_interval", "10ms")

	v.SetDefault("websocket.report_every", 30)

	// Environment Variables automatisch binden (Viper Feature)
	v.AutomaticEnv()
	v.SetEnvPrefix("OMB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Bridge.TickInterval <= 0 {
		return fmt.Errorf("bridge.tick_interval must be positive")
	}
	if c.OPCUA.Port <= 0 || c.OPCUA.Port > 65535 {
		return fmt.Errorf("opcua.port out of range: %d", c.OPCUA.Port)
	}
	if c.PLCSim.Enabled && c.PLCSim.ScanInterval <= 0 {
		return fmt.Errorf("plcsim.scan_interval must be positive, got %s", c.PLCSim.ScanInterval)
	}
	if c.WebSocket.ReportEvery < 1 {
		c.WebSocket.ReportEvery = 1
	}
	return nil
}

func (o OPCUAConfig) Endpoint() types.Endpoint {
	return types.Endpoint{
		Host:     o.Host,
		Port:     o.Port,
		Username: o.Username,
		Password: o.Password,
	}
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET" // Fallback
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		// Development Fallback (MIT WARNING!)
		return "dev-secret-change-in-production-min-32-chars"
	}
	return secret
}

// Helper um zu prüfen ob Production-Ready
func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != "dev-secret-change-in-production-min-32-chars" && len(secret) >= 32
}
