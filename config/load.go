/*
 * Copyright (c) 2024 the ubuntu-zfs-root authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"
)

// EnvPrefix for overrides, e.g. UZR_RELEASE=jammy UZR_ENCRYPT=true.
const EnvPrefix = "UZR_"

// Load resolves the configuration in layers: defaults, then the optional
// TOML file, then UZR_* environment variables, then command line flags. The
// result is treated as frozen once the pipeline starts.
func Load(fileSystem afero.Fs, args []string, getenv func(string) string) (*InstallConfig, error) {
	cfg := Defaults()

	flags := flag.NewFlagSet("ubuntu-zfs-root", flag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to a TOML configuration file")
	disk := flags.StringP("disk", "d", "", "target block device, e.g. /dev/sda")
	flags.StringVar(&cfg.Release, "release", cfg.Release, "Ubuntu release identifier")
	flags.StringVar(&cfg.Hostname, "hostname", cfg.Hostname, "hostname for the installed system")
	flags.StringVar(&cfg.Username, "username", cfg.Username, "user account to create")
	flags.StringVar(&cfg.Locale, "locale", cfg.Locale, "system locale")
	flags.StringVar(&cfg.Timezone, "timezone", cfg.Timezone, "system timezone")
	flags.StringVar(&cfg.Mirror, "mirror", cfg.Mirror, "package mirror URL")
	flags.StringVar(&cfg.PoolName, "pool", cfg.PoolName, "root pool name")
	flags.StringVar(&cfg.RootDataset, "root-dataset", cfg.RootDataset, "root dataset name under <pool>/ROOT")
	flags.BoolVar(&cfg.Encrypt, "encrypt", cfg.Encrypt, "create the pool with native encryption")
	flags.BoolVar(&cfg.HWE, "hwe", cfg.HWE, "install the hardware enablement kernel (LTS only)")
	flags.BoolVar(&cfg.Minimal, "minimal", cfg.Minimal, "install the reduced package set")
	flags.BoolVar(&cfg.Desktop, "desktop", cfg.Desktop, "install the desktop meta package")
	flags.BoolVar(&cfg.PasswordlessSudo, "passwordless-sudo", cfg.PasswordlessSudo, "grant sudo without password")
	flags.BoolVar(&cfg.SecondaryBootloader, "refind", cfg.SecondaryBootloader, "layer rEFInd over ZFSBootMenu")
	flags.BoolVar(&cfg.ExtraDrivers, "extra-drivers", cfg.ExtraDrivers, "run the driver autoinstaller in the target")
	flags.BoolVar(&cfg.Debug, "debug", cfg.Debug, "verbose command logging")
	flags.DurationVar(&cfg.PoolCreateTimeout, "pool-timeout", cfg.PoolCreateTimeout, "wall clock limit for pool creation")

	// Peek at --config before applying the file so flag values still win.
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if *configPath != "" {
		if err := applyFile(fileSystem, *configPath, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg, getenv)

	// Re-parse so explicit flags override file and environment values.
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if *disk != "" {
		if err := cfg.SetDisk(*disk); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func applyFile(fileSystem afero.Fs, path string, cfg *InstallConfig) error {
	contents, readErr := afero.ReadFile(fileSystem, path)
	if readErr != nil {
		return fmt.Errorf("could not read config file: %w", readErr)
	}
	if _, err := toml.Decode(string(contents), cfg); err != nil {
		return fmt.Errorf("could not parse config file %s: %w", path, err)
	}
	if cfg.Disk != "" {
		disk := cfg.Disk
		cfg.Disk = ""
		return cfg.SetDisk(disk)
	}
	return nil
}

func applyEnv(cfg *InstallConfig, getenv func(string) string) {
	stringVars := map[string]*string{
		"RELEASE":      &cfg.Release,
		"HOSTNAME":     &cfg.Hostname,
		"USERNAME":     &cfg.Username,
		"LOCALE":       &cfg.Locale,
		"TIMEZONE":     &cfg.Timezone,
		"MIRROR":       &cfg.Mirror,
		"POOL":         &cfg.PoolName,
		"ROOT_DATASET": &cfg.RootDataset,
	}
	for name, target := range stringVars {
		if value := getenv(EnvPrefix + name); value != "" {
			*target = value
		}
	}

	boolVars := map[string]*bool{
		"ENCRYPT":           &cfg.Encrypt,
		"HWE":               &cfg.HWE,
		"MINIMAL":           &cfg.Minimal,
		"DESKTOP":           &cfg.Desktop,
		"PASSWORDLESS_SUDO": &cfg.PasswordlessSudo,
		"REFIND":            &cfg.SecondaryBootloader,
		"EXTRA_DRIVERS":     &cfg.ExtraDrivers,
		"DEBUG":             &cfg.Debug,
	}
	for name, target := range boolVars {
		if value := getenv(EnvPrefix + name); value != "" {
			if parsed, err := strconv.ParseBool(value); err == nil {
				*target = parsed
			}
		}
	}

	if value := getenv(EnvPrefix + "POOL_TIMEOUT"); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			cfg.PoolCreateTimeout = parsed
		}
	}
}
