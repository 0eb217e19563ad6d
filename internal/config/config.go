// Package config loads the INI-sectioned configuration file via viper and
// validates it with go-playground/validator, mirroring the tag-driven
// ServerConfig style the teacher uses for its httpserver configuration.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Server holds [server] settings.
type Server struct {
	ListenPlain string `mapstructure:"listen_plain" validate:"required"`
	ListenTLS   string `mapstructure:"listen_tls"`
	Workers     int    `mapstructure:"workers" validate:"gte=0,lte=64"`
	EnableHTTP2 bool   `mapstructure:"enable_http2"`
}

// Buffer holds [buffer] settings.
type Buffer struct {
	MaxBufferSize int `mapstructure:"max_buffer_size" validate:"gt=0"`
	ReadTimeoutMS int `mapstructure:"read_timeout_ms" validate:"gt=0"`
}

// Tiers holds [tiers] settings.
type Tiers struct {
	LargeThreshold int `mapstructure:"large_threshold" validate:"gt=0"`
	HugeThreshold  int `mapstructure:"huge_threshold" validate:"gt=0"`
}

// Slots holds [slots] settings.
type Slots struct {
	MaxNormal int `mapstructure:"max_normal" validate:"gte=0"`
	MaxLarge  int `mapstructure:"max_large" validate:"gte=0"`
	MaxHuge   int `mapstructure:"max_huge" validate:"gte=0"`
}

// RateLimit holds [ratelimit] settings.
type RateLimit struct {
	Rate  float64 `mapstructure:"rate" validate:"gte=0"`
	Burst float64 `mapstructure:"burst" validate:"gte=0"`
}

// TLS holds [tls] settings.
type TLS struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// Logging holds [logging] settings.
type Logging struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// ACME holds [acme] settings.
type ACME struct {
	ChallengeDir string `mapstructure:"challenge_dir"`
}

// Security holds [security] settings.
type Security struct {
	BlocklistFile string `mapstructure:"blocklist_file"`
	AllowlistFile string `mapstructure:"allowlist_file"`
}

// Static holds [static] settings.
type Static struct {
	Dir    string `mapstructure:"dir"`
	Banner string `mapstructure:"banner"`
}

// RPCChain holds one `[rpc.<chain>]` section.
type RPCChain struct {
	Host       string `mapstructure:"host" validate:"required"`
	Port       int    `mapstructure:"port" validate:"required"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	CookieFile string `mapstructure:"cookie_file"`
	Wallet     string `mapstructure:"wallet"`
	TimeoutSec int    `mapstructure:"timeout_sec" validate:"gt=0"`

	// RateLimitPerSec caps outbound calls to this chain's node, protecting
	// it from a burst of concurrent broadcasts. 0 means unlimited.
	RateLimitPerSec float64 `mapstructure:"rate_limit_per_sec" validate:"gte=0"`
}

// Config is the fully parsed, validated configuration tree.
type Config struct {
	Server    Server              `mapstructure:"server" validate:"required"`
	Buffer    Buffer              `mapstructure:"buffer" validate:"required"`
	Tiers     Tiers               `mapstructure:"tiers" validate:"required"`
	Slots     Slots               `mapstructure:"slots" validate:"required"`
	RateLimit RateLimit           `mapstructure:"ratelimit"`
	TLS       TLS                 `mapstructure:"tls"`
	Logging   Logging             `mapstructure:"logging"`
	ACME      ACME                `mapstructure:"acme"`
	Security  Security            `mapstructure:"security"`
	Static    Static              `mapstructure:"static"`
	RPC       map[string]RPCChain `mapstructure:"-"`
}

var validate = validator.New()

// Load reads path as an INI file, decodes it into a Config, enforces the
// large/huge threshold invariant, and validates struct tags.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.RPC = make(map[string]RPCChain)
	for _, key := range v.AllKeys() {
		const prefix = "rpc."
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		dot := strings.IndexByte(rest, '.')
		if dot < 0 {
			continue
		}
		chain := rest[:dot]
		if _, ok := cfg.RPC[chain]; ok {
			continue
		}
		var rc RPCChain
		if err := v.UnmarshalKey("rpc."+chain, &rc); err != nil {
			return nil, fmt.Errorf("decoding rpc.%s: %w", chain, err)
		}
		cfg.RPC[chain] = rc
	}

	if cfg.Tiers.LargeThreshold >= cfg.Tiers.HugeThreshold && cfg.Tiers.LargeThreshold > 0 {
		cfg.Tiers.HugeThreshold = 2 * cfg.Tiers.LargeThreshold
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	for chain, rc := range cfg.RPC {
		if err := validate.Struct(&rc); err != nil {
			return nil, fmt.Errorf("validating rpc.%s: %w", chain, err)
		}
	}
	return &cfg, nil
}
