package common

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// DaemonTOMLConfig is the optional config-file form of the daemon's
// options. It is loaded after flags/env are parsed and only fills options
// still at their default, so command-line flags and environment variables
// win over values from a config file.
type DaemonTOMLConfig struct {
	LogFilename    string `toml:"log_filename"`
	LogVerbosity   int64  `toml:"log_verbosity"`
	SocketPath     string `toml:"socket_path"`
	RemoteServers  string `toml:"remote_servers"`
	MaxLocalJobs   int64  `toml:"max_local_jobs"`
	MaxRemoteJobs  int64  `toml:"max_remote_jobs"`
	CacheDir       string `toml:"cache_dir"`
	CacheLimitMB   int64  `toml:"cache_limit_mb"`
	DepsCacheLimit int64  `toml:"deps_cache_limit"`
}

// LoadTOMLDefaults reads an optional TOML config file. Callers invoke it
// after ParseCmdFlagsCombiningWithEnv and then apply each value through
// ApplyTOMLDefault*, which only overwrites flags still at their default —
// putting config-file values at the bottom of the precedence stack.
func LoadTOMLDefaults(path string) (*DaemonTOMLConfig, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}

	var cfg DaemonTOMLConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parsing TOML config %q: %w", path, err)
	}
	return &cfg, nil
}

// ApplyTOMLDefaultString and ApplyTOMLDefaultInt set *dst to value when value
// is non-empty/non-zero and *dst still equals its flag's default. They run
// after ParseCmdFlagsCombiningWithEnv has already applied flags and env vars,
// so config-file values sit at the bottom of the precedence stack:
// flag > env > TOML file. A flag or env var set explicitly to the default
// value is indistinguishable from an unset one and is overwritten.
func ApplyTOMLDefaultString(dst *string, flagDefault string, value string) {
	if value != "" && *dst == flagDefault {
		*dst = value
	}
}

func ApplyTOMLDefaultInt(dst *int64, flagDefault int64, value int64) {
	if value != 0 && *dst == flagDefault {
		*dst = value
	}
}
