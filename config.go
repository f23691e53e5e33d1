package corenet

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml"
)

// LoopConfig is one EventLoop's TOML-tagged configuration, loaded by
// cmd/corenetd and also usable directly from Go. Numeric fields mirror
// spec.md §2/§6's fixed constants only where the spec leaves them open
// to a deployment decision; the hard invariants stay fixed (V_r, V_s, E
// in constants.go, B as internal/slab's BlockSize).
type LoopConfig struct {
	CPU int `toml:"cpu"`

	PoolBlocks int `toml:"pool_blocks"`

	// PipeCapacity is the queued-byte threshold (spec.md §3's
	// per-connection half-pipes) at which a producer's FlushAsync call
	// blocks for backpressure. 0 means unbounded.
	PipeCapacity int `toml:"pipe_capacity"`

	// MaxAcceptsPerWake is decoded from the config file (default 1) but
	// is not read by the loop: handleAcceptable accepts exactly one
	// connection per listener notification whatever its value.
	MaxAcceptsPerWake int `toml:"max_accepts_per_wake"`

	ReusePort   bool `toml:"reuse_port"`
	DeferAccept bool `toml:"defer_accept"`
	Coalesce    bool `toml:"coalesce"`
}

// ListenerConfig describes one address this transport should accept
// connections on, bound via Transport.AcceptOn.
type ListenerConfig struct {
	Addr string `toml:"addr"`
}

// DefaultLoopConfig returns the configuration a loop uses when no TOML
// file overrides it: a single pool sized for a modest number of
// simultaneous connections, half-pipes whose FlushAsync blocks once 1 MiB
// is queued, and the spec's literal
// one-accept-per-wake behaviour.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		CPU:               0,
		PoolBlocks:        4096,
		PipeCapacity:      1 << 20,
		MaxAcceptsPerWake: 1,
		ReusePort:         true,
		DeferAccept:       false,
		Coalesce:          true,
	}
}

// LoadLoopConfig reads and decodes a TOML file into a LoopConfig seeded
// with DefaultLoopConfig's values, so a partial file only overrides what
// it sets.
func LoadLoopConfig(path string) (LoopConfig, error) {
	cfg := DefaultLoopConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("corenet: read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("corenet: parse config %s: %w", path, err)
	}
	return cfg, nil
}
