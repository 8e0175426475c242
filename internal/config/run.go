package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable read into RunOptions.
const EnvPrefix = "TRN_REPLAY_"

// RunOptions are the process-level options of the replay command. Values
// come from TRN_REPLAY_* environment variables and are then overridden by
// command-line flags.
type RunOptions struct {
	LogDir     string        `env:"LOGDIR"`
	ConfigFile string        `env:"CONFIG"`
	MapFile    string        `env:"MAP"`
	Host       string        `env:"HOST"`
	Port       int           `env:"PORT"`
	BusAddress string        `env:"BUS_ADDRESS"`
	Fallback   bool          `env:"LOCAL_FALLBACK" envDefault:"false"`
	Timeout    time.Duration `env:"TIMEOUT" envDefault:"5s"`
	Rate       float64       `env:"RATE" envDefault:"0"`
	DBPath     string        `env:"DB" envDefault:"trn_replay.db"`
	Capture    string        `env:"CAPTURE"`
	Listen     string        `env:"LISTEN"`
	GRPCListen string        `env:"GRPC_LISTEN"`
	Resume     bool          `env:"RESUME" envDefault:"false"`
	SaveSteps  bool          `env:"SAVE_STEPS" envDefault:"false"`
	Hold       bool          `env:"HOLD" envDefault:"false"`
	Verbose    bool          `env:"VERBOSE" envDefault:"false"`
}

// ParseEnv loads RunOptions from the environment.
func ParseEnv() (RunOptions, error) {
	var opts RunOptions
	if err := env.ParseWithOptions(&opts, env.Options{Prefix: EnvPrefix}); err != nil {
		return RunOptions{}, fmt.Errorf("parse env: %w", err)
	}
	return opts, nil
}

// AttributePath returns the attribute file to load: ConfigFile when set,
// otherwise DefaultConfigName inside LogDir.
func (o RunOptions) AttributePath() string {
	if o.ConfigFile != "" {
		return o.ConfigFile
	}
	return filepath.Join(o.LogDir, DefaultConfigName)
}

// Overrides returns the attribute overrides carried by the options.
func (o RunOptions) Overrides() Overrides {
	return Overrides{MapFile: o.MapFile, Host: o.Host, Port: o.Port}
}

// Validate checks options that the attribute loader cannot.
func (o RunOptions) Validate() error {
	if o.LogDir == "" {
		return fmt.Errorf("log directory is required")
	}
	if o.Rate < 0 {
		return fmt.Errorf("rate must be non-negative, got %g", o.Rate)
	}
	if o.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", o.Timeout)
	}
	return nil
}
