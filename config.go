package pxecore

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the TOML-decoded process configuration: retry budgets,
// window sizes, the SLAM multicast group, and OCSP validity margins —
// the Go-native analogue of the FDT/settings providers §1 calls out as
// external configuration collaborators.
//
// Grounded on caddy's caddyconfig/caddyfile structured-decode pattern,
// adapted to a single flat TOML document since this pipeline has no
// HTTP-serving directives of its own to adapt a Caddyfile-style block
// syntax for.
type Config struct {
	Log LogConfig `toml:"log"`

	TCP struct {
		// No package reads these TCP fields: internal/tcp uses its own
		// window default (65535), retry limit (5) and MSL (2 s).

		// MaxWindowSize mirrors TCP_MAX_WINDOW_SIZE from spec.md §4.4.
		MaxWindowSize int `toml:"max_window_size"`
		// MaxRetransmits mirrors the exponential-backoff retry limit.
		MaxRetransmits int `toml:"max_retransmits"`
		// MSL mirrors the maximum segment lifetime (TIME_WAIT is 2*MSL).
		MSL Duration `toml:"msl"`
	} `toml:"tcp"`

	SLAM struct {
		// MulticastGroup records the 239.255.1.1:10000 group from
		// spec.md §6. No package reads these SLAM fields: the slam
		// opener and receiver use their own defaults and constants.
		MulticastGroup string `toml:"multicast_group"`
		MaxRetries     int    `toml:"max_retries"`
		SlaveTimeout   Duration `toml:"slave_timeout"`
		MaxBlocksPerNack int  `toml:"max_blocks_per_nack"`
	} `toml:"slam"`

	OCSP struct {
		// Margin bounds the clock-skew tolerance applied to
		// thisUpdate/nextUpdate per spec.md §4.8.
		Margin Duration `toml:"margin"`
	} `toml:"ocsp"`

	SAN struct {
		// Arch selects the chainload path's {ARCH} tag, e.g. "x64"
		// or "aa64", per spec.md §4.10.
		Arch string `toml:"arch"`
	} `toml:"san"`

	DNS struct {
		Servers []string `toml:"servers"`
	} `toml:"dns"`
}

// Duration decodes a TOML string like "5m" or "750ms" into a
// time.Duration, since BurntSushi/toml has no native duration type.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler, which
// BurntSushi/toml uses for any field offering it.
func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("pxecore: invalid duration %q: %w", string(b), err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultConfig returns the configuration used when no file is given,
// matching the constants spec.md §4/§5/§6 hard-codes.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Log.Level = "info"
	cfg.TCP.MaxWindowSize = 65535
	cfg.TCP.MaxRetransmits = 5
	cfg.TCP.MSL = Duration(2 * time.Second)
	cfg.SLAM.MulticastGroup = "239.255.1.1:10000"
	cfg.SLAM.MaxRetries = 3
	cfg.SLAM.SlaveTimeout = Duration(1 * time.Second)
	cfg.SLAM.MaxBlocksPerNack = 4
	cfg.OCSP.Margin = Duration(5 * time.Minute)
	cfg.SAN.Arch = "x64"
	return cfg
}

// LoadConfig decodes a TOML document at path over DefaultConfig,
// matching caddy's "decode onto sane defaults" pattern.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("pxecore: decode config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("pxecore: config %s has unrecognised keys: %v", path, undecoded)
	}
	return cfg, nil
}
