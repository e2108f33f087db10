// Package config loads the .snowflakeconfig ini file plus environment
// variable overrides into the injected configuration handle every other
// package takes a dependency on. The file layout and parsing library
// follow please's src/core/config.go, reduced from please's many config
// sections (layered global/repo/machine/user files) to the one file this
// smaller engine needs.
package config

import (
	"os"

	"github.com/please-build/gcfg"
)

// DirPermissions mirrors please's config.DirPermissions constant: the
// mode used for every directory snowflake creates under its root.
const DirPermissions = 0775

// Config is the on-disk shape of .snowflakeconfig.
type Config struct {
	Snowflake struct {
		// Root is the directory containing scratch/, stash/, cache/ and
		// the journal file. Defaults to ".snowflake" under the working
		// directory.
		Root string
		// HashFunction selects the digest algorithm: "sha256" or "blake3".
		// Fixed once a root has persisted state - snowflake does not
		// attempt to detect a mismatch against an existing cache/stash.
		HashFunction string
		// CopyTool and ShellTool are the two external tools this engine
		// shells out to; either may be overridden by SNOWFLAKE_COPY /
		// SNOWFLAKE_SHELL.
		CopyTool string
		ShellTool string
		// MetricsPushGatewayURL is optional; empty disables pushing.
		MetricsPushGatewayURL string
	}
}

// Default returns a Config populated with snowflake's built-in defaults,
// before any file or environment overrides are applied.
func Default() *Config {
	c := &Config{}
	c.Snowflake.Root = ".snowflake"
	c.Snowflake.HashFunction = "sha256"
	c.Snowflake.CopyTool = "cp"
	c.Snowflake.ShellTool = "sh"
	return c
}

// Load reads path (if it exists) over the defaults, then applies
// SNOWFLAKE_COPY / SNOWFLAKE_SHELL environment overrides, mirroring
// please's pattern of env vars taking precedence over the parsed file
// (src/core/config.go's PLZ_OVERRIDES handling, simplified to two
// variables since this repo has a much smaller configuration surface).
func Load(path string) (*Config, error) {
	c := Default()
	if _, err := os.Stat(path); err == nil {
		if err := gcfg.ReadFileInto(c, path); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if v := os.Getenv("SNOWFLAKE_COPY"); v != "" {
		c.Snowflake.CopyTool = v
	}
	if v := os.Getenv("SNOWFLAKE_SHELL"); v != "" {
		c.Snowflake.ShellTool = v
	}
	return c, nil
}
