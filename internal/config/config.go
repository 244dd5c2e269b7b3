// Package config loads the bridge's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"go.r2bridge.org/internal/gateway/sms/modem"
	"go.r2bridge.org/internal/gateway/sms/smtp"
	"go.r2bridge.org/internal/outbox"
)

const (
	GatewayAndroid = "android"
	GatewayModem   = "modem"
	GatewaySMTP    = "smtp"
)

type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Bluetooth BluetoothConfig `yaml:"bluetooth"`
	Shell     ShellConfig     `yaml:"shell"`
}

type GatewayConfig struct {
	Type    string        `yaml:"type"`
	Android AndroidConfig `yaml:"android"`
	Modem   ModemConfig   `yaml:"modem"`
	SMTP    SMTPConfig    `yaml:"smtp"`
}

// AndroidConfig selects the phone. An empty Device uses the saved default.
type AndroidConfig struct {
	Device string `yaml:"device"`
}

type ModemConfig struct {
	Port        string        `yaml:"port"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"readTimeout"`
}

type SMTPConfig struct {
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	Username             string `yaml:"username"`
	Password             string `yaml:"password"`
	AuthType             string `yaml:"authType"`
	Encryption           string `yaml:"encryption"`
	InsecureSkipVerify   bool   `yaml:"insecureSkipVerify"`
	HELOHost             string `yaml:"heloHost"`
	From                 string `yaml:"from"`
	GatewayDomain        string `yaml:"gatewayDomain"`
	Subject              string `yaml:"subject"`
	ConnectionReuseLimit int    `yaml:"connectionReuseLimit"`
}

type OutboxConfig struct {
	Retries        int           `yaml:"retries"`
	RetryDelay     time.Duration `yaml:"retryDelay"`
	LimitPerMinute int           `yaml:"limitPerMinute"`
	LimitPerHour   int           `yaml:"limitPerHour"`
	LimitPerDay    int           `yaml:"limitPerDay"`
}

type BluetoothConfig struct {
	Adapter        string        `yaml:"adapter"`
	ProxyTimeout   time.Duration `yaml:"proxyTimeout"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

// ShellConfig describes the connection to the application shell.
// An empty Socket means stdin/stdout.
type ShellConfig struct {
	Socket        string        `yaml:"socket"`
	Notify        bool          `yaml:"notify"`
	NotifyTimeout time.Duration `yaml:"notifyTimeout"`
}

func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Type: GatewayAndroid,
			Modem: ModemConfig{
				Baud:        115200,
				ReadTimeout: 5 * time.Second,
			},
			SMTP: SMTPConfig{
				AuthType:             "PLAIN",
				Encryption:           "STARTTLS",
				ConnectionReuseLimit: 100,
			},
		},
		Outbox: OutboxConfig{
			RetryDelay: 5 * time.Second,
		},
		Bluetooth: BluetoothConfig{
			Adapter:        "hci0",
			ProxyTimeout:   30 * time.Second,
			ConnectTimeout: 30 * time.Second,
		},
		Shell: ShellConfig{
			NotifyTimeout: 10 * time.Second,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and validates.
// An empty path uses the defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("R2BRIDGE_GATEWAY"); v != "" {
		cfg.Gateway.Type = v
	}
	if v := os.Getenv("R2BRIDGE_ANDROID_DEVICE"); v != "" {
		cfg.Gateway.Android.Device = v
	}
	if v := os.Getenv("R2BRIDGE_BLUETOOTH_ADAPTER"); v != "" {
		cfg.Bluetooth.Adapter = v
	}
	if v := os.Getenv("R2BRIDGE_SMTP_PASSWORD"); v != "" {
		cfg.Gateway.SMTP.Password = v
	}
}

func (cfg *Config) Validate() error {
	switch cfg.Gateway.Type {
	case GatewayAndroid:
	case GatewayModem:
		if cfg.Gateway.Modem.Port == "" {
			return fmt.Errorf("gateway.modem.port is required")
		}
		if cfg.Gateway.Modem.Baud <= 0 {
			return fmt.Errorf("gateway.modem.baud must be positive, got %d", cfg.Gateway.Modem.Baud)
		}
	case GatewaySMTP:
		s := cfg.Gateway.SMTP
		if s.Host == "" || s.From == "" || s.GatewayDomain == "" {
			return fmt.Errorf("gateway.smtp requires host, from and gatewayDomain")
		}
		if s.Port < 0 || s.Port > 65535 {
			return fmt.Errorf("gateway.smtp.port out of range: %d", s.Port)
		}
	default:
		return fmt.Errorf("unknown gateway type %q", cfg.Gateway.Type)
	}
	if cfg.Outbox.Retries < 0 {
		return fmt.Errorf("outbox.retries must be non-negative, got %d", cfg.Outbox.Retries)
	}
	if cfg.Outbox.RetryDelay < 0 {
		return fmt.Errorf("outbox.retryDelay must be non-negative, got %v", cfg.Outbox.RetryDelay)
	}
	if cfg.Outbox.LimitPerMinute < 0 || cfg.Outbox.LimitPerHour < 0 || cfg.Outbox.LimitPerDay < 0 {
		return fmt.Errorf("outbox limits must be non-negative")
	}
	if cfg.Bluetooth.Adapter == "" {
		return fmt.Errorf("bluetooth.adapter is required")
	}
	if cfg.Bluetooth.ProxyTimeout < 0 {
		return fmt.Errorf("bluetooth.proxyTimeout must be non-negative, got %v", cfg.Bluetooth.ProxyTimeout)
	}
	if cfg.Bluetooth.ConnectTimeout <= 0 {
		return fmt.Errorf("bluetooth.connectTimeout must be positive, got %v", cfg.Bluetooth.ConnectTimeout)
	}
	if cfg.Shell.Notify && cfg.Shell.NotifyTimeout <= 0 {
		return fmt.Errorf("shell.notifyTimeout must be positive, got %v", cfg.Shell.NotifyTimeout)
	}
	return nil
}

func (c OutboxConfig) Limits() outbox.Limits {
	return outbox.Limits{PerMinute: c.LimitPerMinute, PerHour: c.LimitPerHour, PerDay: c.LimitPerDay}
}

func (c ModemConfig) Settings() modem.Settings {
	return modem.Settings{Port: c.Port, Baud: c.Baud, ReadTimeout: c.ReadTimeout}
}

func (c SMTPConfig) Account() smtp.Account {
	return smtp.Account{
		Host:                      c.Host,
		Port:                      c.Port,
		Username:                  c.Username,
		Password:                  c.Password,
		AuthType:                  c.AuthType,
		ConnectionEncryption:      c.Encryption,
		TLSInsecureSkipVerify:     c.InsecureSkipVerify,
		HELOHost:                  c.HELOHost,
		From:                      c.From,
		GatewayDomain:             c.GatewayDomain,
		Subject:                   c.Subject,
		ConnectionReuseCountLimit: c.ConnectionReuseLimit,
	}
}
