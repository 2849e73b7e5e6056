package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ibn-ledger/gateway/pkg/models"
)

// Duration parses human-readable values ("30s", "5m") from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	ListenAddr string      `yaml:"listenAddr"`
	BackendURL string      `yaml:"backendURL"`
	Fabric     Fabric      `yaml:"fabric"`
	Pool       Pool        `yaml:"pool"`
	Queue      Queue       `yaml:"queue"`
	Lifecycle  Lifecycle   `yaml:"lifecycle"`
	Breaker    Breaker     `yaml:"breaker"`
	Principals []Principal `yaml:"principals"`
}

type Fabric struct {
	MSPID             string   `yaml:"mspID"`
	PeerEndpoints     []string `yaml:"peerEndpoints"`
	OrdererEndpoint   string   `yaml:"ordererEndpoint"`
	TLSCertFile       string   `yaml:"tlsCertFile"`
	MSPConfigPath     string   `yaml:"mspConfigPath"`
	ConnectionProfile string   `yaml:"connectionProfile"`
	WalletDir         string   `yaml:"walletDir"`
	WalletPassphrase  string   `yaml:"walletPassphrase"`
	CAServiceURL      string   `yaml:"caServiceURL"`
}

type Pool struct {
	MaxConnections    int      `yaml:"maxConnections"`
	ConnectTimeout    Duration `yaml:"connectTimeout"`
	MaxIdle           Duration `yaml:"maxIdle"`
	SweepInterval     Duration `yaml:"sweepInterval"`
	ProbeFailureLimit int      `yaml:"probeFailureLimit"`
	ReconnectPause    Duration `yaml:"reconnectPause"`
}

type Queue struct {
	MaxConcurrent   int      `yaml:"maxConcurrent"`
	DefaultPriority int      `yaml:"defaultPriority"`
	MaxPriority     int      `yaml:"maxPriority"`
	DefaultTimeout  Duration `yaml:"defaultTimeout"`
	MaxAttempts     int      `yaml:"maxAttempts"`
	RetryBackoff    Duration `yaml:"retryBackoff"`
}

type Lifecycle struct {
	PeerBinary  string   `yaml:"peerBinary"`
	StepTimeout Duration `yaml:"stepTimeout"`
	LogLimitKB  int      `yaml:"logLimitKB"`
	WorkDir     string   `yaml:"workDir"`
}

type Breaker struct {
	Threshold int      `yaml:"threshold"`
	Cooldown  Duration `yaml:"cooldown"`
}

// Principal maps a bearer token to a resolved caller identity.
type Principal struct {
	Token  string `yaml:"token"`
	UserID string `yaml:"userID"`
	Org    string `yaml:"org"`
	Role   string `yaml:"role"`
}

func Default() Config {
	return Config{
		ListenAddr: "127.0.0.1:3001",
		BackendURL: "http://127.0.0.1:8000",
		Fabric: Fabric{
			MSPID:     "Org1MSP",
			WalletDir: "wallet",
		},
		Pool: Pool{
			MaxConnections:    10,
			ConnectTimeout:    Duration(10 * time.Second),
			MaxIdle:           Duration(5 * time.Minute),
			SweepInterval:     Duration(30 * time.Second),
			ProbeFailureLimit: 3,
			ReconnectPause:    Duration(2 * time.Second),
		},
		Queue: Queue{
			MaxConcurrent:   5,
			DefaultPriority: 5,
			MaxPriority:     10,
			DefaultTimeout:  Duration(30 * time.Second),
			MaxAttempts:     3,
			RetryBackoff:    Duration(2 * time.Second),
		},
		Lifecycle: Lifecycle{
			PeerBinary:  "peer",
			StepTimeout: Duration(300 * time.Second),
			LogLimitKB:  64,
		},
		Breaker: Breaker{
			Threshold: 10,
			Cooldown:  Duration(30 * time.Second),
		},
	}
}

// LoadFromPath reads the first parseable candidate config file and applies
// environment overrides on top. A missing file is not an error: defaults apply.
func LoadFromPath(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"/etc/ledger-gateway/config.yaml",
			"configs/config.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}

		merged := cfg
		Merge(&merged, parsed)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src Config) {
	if src.ListenAddr != "" {
		dst.ListenAddr = src.ListenAddr
	}
	if src.BackendURL != "" {
		dst.BackendURL = src.BackendURL
	}
	if src.Fabric.MSPID != "" {
		dst.Fabric.MSPID = src.Fabric.MSPID
	}
	if src.Fabric.PeerEndpoints != nil {
		dst.Fabric.PeerEndpoints = src.Fabric.PeerEndpoints
	}
	if src.Fabric.OrdererEndpoint != "" {
		dst.Fabric.OrdererEndpoint = src.Fabric.OrdererEndpoint
	}
	if src.Fabric.TLSCertFile != "" {
		dst.Fabric.TLSCertFile = src.Fabric.TLSCertFile
	}
	if src.Fabric.MSPConfigPath != "" {
		dst.Fabric.MSPConfigPath = src.Fabric.MSPConfigPath
	}
	if src.Fabric.ConnectionProfile != "" {
		dst.Fabric.ConnectionProfile = src.Fabric.ConnectionProfile
	}
	if src.Fabric.WalletDir != "" {
		dst.Fabric.WalletDir = src.Fabric.WalletDir
	}
	if src.Fabric.WalletPassphrase != "" {
		dst.Fabric.WalletPassphrase = src.Fabric.WalletPassphrase
	}
	if src.Fabric.CAServiceURL != "" {
		dst.Fabric.CAServiceURL = src.Fabric.CAServiceURL
	}
	if src.Pool.MaxConnections != 0 {
		dst.Pool.MaxConnections = src.Pool.MaxConnections
	}
	if src.Pool.ConnectTimeout != 0 {
		dst.Pool.ConnectTimeout = src.Pool.ConnectTimeout
	}
	if src.Pool.MaxIdle != 0 {
		dst.Pool.MaxIdle = src.Pool.MaxIdle
	}
	if src.Pool.SweepInterval != 0 {
		dst.Pool.SweepInterval = src.Pool.SweepInterval
	}
	if src.Pool.ProbeFailureLimit != 0 {
		dst.Pool.ProbeFailureLimit = src.Pool.ProbeFailureLimit
	}
	if src.Pool.ReconnectPause != 0 {
		dst.Pool.ReconnectPause = src.Pool.ReconnectPause
	}
	if src.Queue.MaxConcurrent != 0 {
		dst.Queue.MaxConcurrent = src.Queue.MaxConcurrent
	}
	if src.Queue.DefaultPriority != 0 {
		dst.Queue.DefaultPriority = src.Queue.DefaultPriority
	}
	if src.Queue.MaxPriority != 0 {
		dst.Queue.MaxPriority = src.Queue.MaxPriority
	}
	if src.Queue.DefaultTimeout != 0 {
		dst.Queue.DefaultTimeout = src.Queue.DefaultTimeout
	}
	if src.Queue.MaxAttempts != 0 {
		dst.Queue.MaxAttempts = src.Queue.MaxAttempts
	}
	if src.Queue.RetryBackoff != 0 {
		dst.Queue.RetryBackoff = src.Queue.RetryBackoff
	}
	if src.Lifecycle.PeerBinary != "" {
		dst.Lifecycle.PeerBinary = src.Lifecycle.PeerBinary
	}
	if src.Lifecycle.StepTimeout != 0 {
		dst.Lifecycle.StepTimeout = src.Lifecycle.StepTimeout
	}
	if src.Lifecycle.LogLimitKB != 0 {
		dst.Lifecycle.LogLimitKB = src.Lifecycle.LogLimitKB
	}
	if src.Lifecycle.WorkDir != "" {
		dst.Lifecycle.WorkDir = src.Lifecycle.WorkDir
	}
	if src.Breaker.Threshold != 0 {
		dst.Breaker.Threshold = src.Breaker.Threshold
	}
	if src.Breaker.Cooldown != 0 {
		dst.Breaker.Cooldown = src.Breaker.Cooldown
	}
	if src.Principals != nil {
		dst.Principals = src.Principals
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if addr := strings.TrimSpace(os.Getenv("IBN_GATEWAY_LISTEN")); addr != "" {
		cfg.ListenAddr = addr
	}
	if backend := strings.TrimSpace(os.Getenv("IBN_BACKEND_URL")); backend != "" {
		cfg.BackendURL = backend
	}
	if msp := strings.TrimSpace(os.Getenv("IBN_MSP_ID")); msp != "" {
		cfg.Fabric.MSPID = msp
	}
	if profile := strings.TrimSpace(os.Getenv("IBN_CONNECTION_PROFILE")); profile != "" {
		cfg.Fabric.ConnectionProfile = profile
	}
	if wallet := strings.TrimSpace(os.Getenv("IBN_WALLET_DIR")); wallet != "" {
		cfg.Fabric.WalletDir = wallet
	}
	if pass := os.Getenv("IBN_WALLET_PASSPHRASE"); pass != "" {
		cfg.Fabric.WalletPassphrase = pass
	}
	if ca := strings.TrimSpace(os.Getenv("IBN_CA_SERVICE_URL")); ca != "" {
		cfg.Fabric.CAServiceURL = ca
	}
	if raw := strings.TrimSpace(os.Getenv("IBN_QUEUE_MAX_CONCURRENT")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.Queue.MaxConcurrent = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv("IBN_POOL_MAX_CONNECTIONS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.Pool.MaxConnections = parsed
		}
	}
	if token := strings.TrimSpace(os.Getenv("IBN_ADMIN_TOKEN")); token != "" {
		cfg.Principals = append(cfg.Principals, Principal{
			Token:  token,
			UserID: "env-admin",
			Org:    cfg.Fabric.MSPID,
			Role:   models.RoleAdmin,
		})
	}
}

// ResolveConnectionProfile returns the first existing candidate for the
// connection profile document: explicit override, container path, then the
// source-relative fallback.
func ResolveConnectionProfile(override string) (string, bool) {
	candidates := make([]string, 0, 3)
	if strings.TrimSpace(override) != "" {
		candidates = append(candidates, override)
	}
	candidates = append(candidates,
		"/etc/ledger-gateway/connection-profile.json",
		"configs/connection-profile.json",
	)
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}
