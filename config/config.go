// Package config loads the gateway settings.
//
// Settings are read once at startup (YAML file, PROCMESH_* environment
// overrides, defaults) and passed by pointer to every component. Nothing
// mutates them afterwards; workers receive a JSON copy through their
// environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"procmesh/errors"
)

// Modes.
const (
	ModeServer = "server"
	ModeClient = "client"
)

// ServiceConfig declares one service in the settings file.
type ServiceConfig struct {
	Name          string   `mapstructure:"name" json:"name"`
	Operations    string   `mapstructure:"operations" json:"operations"`
	LoadBalancing string   `mapstructure:"loadBalancing" json:"loadBalancing"`
	Instances     int      `mapstructure:"instances" json:"instances"`
	RunOnStart    []string `mapstructure:"runOnStart" json:"runOnStart"`
}

type EtcdConfig struct {
	Endpoints []string `mapstructure:"endpoints" json:"endpoints"`
	TTL       int64    `mapstructure:"ttl" json:"ttl"`
}

type RateLimitConfig struct {
	// RPS is the sustained COM_REQUEST rate. Zero disables limiting.
	RPS   float64 `mapstructure:"rps" json:"rps"`
	Burst int     `mapstructure:"burst" json:"burst"`
}

// Settings is the immutable gateway configuration.
type Settings struct {
	Mode    string `mapstructure:"mode" json:"mode"`
	Verbose bool   `mapstructure:"verbose" json:"verbose"`
	LogPath string `mapstructure:"logPath" json:"logPath,omitempty"`

	// MaxBuffer bounds one captured worker stdout/stderr line, in megabytes.
	MaxBuffer int `mapstructure:"maxBuffer" json:"maxBuffer"`

	RestartTimeout                 time.Duration `mapstructure:"restartTimeout" json:"restartTimeout"`
	ConnectionTimeout              time.Duration `mapstructure:"connectionTimeout" json:"connectionTimeout"`
	MicroServiceConnectionTimeout  time.Duration `mapstructure:"microServiceConnectionTimeout" json:"microServiceConnectionTimeout"`
	MicroServiceConnectionAttempts int           `mapstructure:"microServiceConnectionAttempts" json:"microServiceConnectionAttempts"`
	MsConnectionRetryLimit         int           `mapstructure:"msConnectionRetryLimit" json:"msConnectionRetryLimit"`

	APIGatewayHost  string `mapstructure:"apiGatewayHost" json:"apiGatewayHost"`
	APIGatewayPort  int    `mapstructure:"apiGatewayPort" json:"apiGatewayPort"`
	PortRangeStart  int    `mapstructure:"portRangeStart" json:"portRangeStart"`
	PortRangeFinish int    `mapstructure:"portRangeFinish" json:"portRangeFinish"`

	DatabasePath  string   `mapstructure:"databasePath" json:"databasePath,omitempty"`
	DatabaseNames []string `mapstructure:"databaseNames" json:"databaseNames"`

	// RunOnStart lists core operations executed once after services start.
	RunOnStart  []string        `mapstructure:"runOnStart" json:"runOnStart"`
	MetricsAddr string          `mapstructure:"metricsAddr" json:"metricsAddr,omitempty"`
	Etcd        EtcdConfig      `mapstructure:"etcd" json:"etcd"`
	RateLimit   RateLimitConfig `mapstructure:"rateLimit" json:"rateLimit"`
	Services    []ServiceConfig `mapstructure:"services" json:"services"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeServer)
	v.SetDefault("verbose", true)
	v.SetDefault("logPath", "")
	v.SetDefault("maxBuffer", 50)
	v.SetDefault("restartTimeout", 50*time.Millisecond)
	v.SetDefault("connectionTimeout", time.Second)
	v.SetDefault("microServiceConnectionTimeout", 10*time.Second)
	v.SetDefault("microServiceConnectionAttempts", 1000)
	v.SetDefault("msConnectionRetryLimit", 1000)
	v.SetDefault("apiGatewayHost", "127.0.0.1")
	v.SetDefault("apiGatewayPort", 8080)
	v.SetDefault("portRangeStart", 1024)
	v.SetDefault("portRangeFinish", 65535)
	v.SetDefault("databasePath", "")
	v.SetDefault("databaseNames", []string{"_defaultTable"})
	v.SetDefault("runOnStart", []string{})
	v.SetDefault("metricsAddr", "")
	v.SetDefault("etcd.endpoints", []string{})
	v.SetDefault("etcd.ttl", 10)
	v.SetDefault("rateLimit.rps", 0)
	v.SetDefault("rateLimit.burst", 0)
}

// Default returns the settings used when nothing is configured.
func Default() *Settings {
	s, err := decode(newViper())
	if err != nil {
		panic(err)
	}
	return s
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("PROCMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (YAML) when it is not empty, applies environment overrides
// and validates the result.
func Load(path string) (*Settings, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(errors.KindConfig, fmt.Errorf("failed to read config: %w", err), "config", "Load", path)
		}
	}

	s, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func decode(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.Wrap(errors.KindConfig, fmt.Errorf("failed to unmarshal config: %w", err), "config", "Load", "")
	}
	for i := range s.Services {
		if s.Services[i].LoadBalancing == "" {
			s.Services[i].LoadBalancing = "roundRobin"
		}
		if s.Services[i].Instances == 0 {
			s.Services[i].Instances = 1
		}
	}
	return &s, nil
}

func invalid(format string, args ...any) error {
	return errors.Wrap(errors.KindConfig, errors.ErrInvalidConfig, "config", "Validate", fmt.Sprintf(format, args...))
}

// Validate rejects settings the gateway cannot start with.
func (s *Settings) Validate() error {
	if s.Mode != ModeServer && s.Mode != ModeClient {
		return invalid("unsupported mode %q, valid options are 'server' or 'client'", s.Mode)
	}
	if s.APIGatewayPort < 1 || s.APIGatewayPort > 65535 {
		return invalid("apiGatewayPort %d out of range", s.APIGatewayPort)
	}
	if s.PortRangeStart < 1 || s.PortRangeFinish > 65535 || s.PortRangeStart > s.PortRangeFinish {
		return invalid("port range %d-%d is empty or out of range", s.PortRangeStart, s.PortRangeFinish)
	}
	if s.MaxBuffer <= 0 {
		return invalid("maxBuffer must be positive")
	}
	if s.MicroServiceConnectionAttempts <= 0 || s.MsConnectionRetryLimit < 0 {
		return invalid("connection attempt limits must be positive")
	}
	seen := make(map[string]bool, len(s.Services))
	for _, svc := range s.Services {
		if svc.Name == "" {
			return invalid("service without a name")
		}
		if seen[svc.Name] {
			return invalid("service %q declared twice", svc.Name)
		}
		seen[svc.Name] = true
		if svc.Instances < 1 {
			return invalid("service %q: instances must be at least 1", svc.Name)
		}
	}
	return nil
}

// MaxBufferBytes is MaxBuffer in bytes.
func (s *Settings) MaxBufferBytes() int {
	return s.MaxBuffer * 1024 * 1024
}
