//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the default file when no config file is provided
const DefaultConfigFile string = "./codearchive.conf.json"

const (
	DefaultArchivePath    = "./code.archive"
	DefaultMaxSize        = 10 * 1024 * 1024
	MinMaxSize            = 64 * 1024
	MaxMaxSize            = math.MaxUint32
	DefaultPreloadWorkers = 1
	DefaultCloseTimeout   = 30 * time.Second
)

// Flags are input options
type Flags struct {
	ConfigFile string `long:"config-file" description:"path to config file (default: ./codearchive.conf.json)"`

	ArchivePath    string `long:"archive-path" description:"path of the code archive file"`
	Load           bool   `long:"load" description:"load cached code from the archive"`
	Store          bool   `long:"store" description:"store compiled code into the archive"`
	MaxSize        int    `long:"max-size" description:"capacity of the store buffer in bytes"`
	Verify         bool   `long:"verify" description:"verify the archive checksum when opening it"`
	PreloadWorkers int    `long:"preload-workers" description:"number of concurrent preload workers"`
	LogLevel       string `long:"log-level" description:"log level (debug, info, warning, error)"`
}

// Config outline of the config file
type Config struct {
	Archive    Archive    `json:"archive" yaml:"archive"`
	Monitoring Monitoring `json:"monitoring" yaml:"monitoring"`
	Logging    Logging    `json:"logging" yaml:"logging"`
}

// Archive configures the persistent compiled-code archive.
type Archive struct {
	LoadCachedCode  bool          `json:"load_cached_code" yaml:"load_cached_code"`
	StoreCachedCode bool          `json:"store_cached_code" yaml:"store_cached_code"`
	Path            string        `json:"path" yaml:"path"`
	MaxSize         int           `json:"max_size" yaml:"max_size"`
	PreloadStart    int           `json:"preload_start" yaml:"preload_start"`
	PreloadStop     int           `json:"preload_stop" yaml:"preload_stop"`
	PreloadExclude  []string      `json:"preload_exclude" yaml:"preload_exclude"`
	PreloadWorkers  int           `json:"preload_workers" yaml:"preload_workers"`
	Verify          bool          `json:"verify" yaml:"verify"`
	CloseTimeout    time.Duration `json:"close_timeout" yaml:"close_timeout"`
}

type Monitoring struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type Logging struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Enabled reports whether the archive is used at all.
func (a Archive) Enabled() bool {
	return a.LoadCachedCode || a.StoreCachedCode
}

// Excluded reports whether the method with the given name or full name is
// on the preload exclusion list.
func (a Archive) Excluded(names ...string) bool {
	for _, ex := range a.PreloadExclude {
		for _, name := range names {
			if ex == name {
				return true
			}
		}
	}
	return false
}

func (c *Config) Validate() error {
	if err := c.Archive.Validate(); err != nil {
		return configErr(errors.Wrap(err, "archive"))
	}

	if c.Logging.Level != "" {
		if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
			return configErr(errors.Wrap(err, "logging"))
		}
	}

	return nil
}

func (a Archive) Validate() error {
	if !a.Enabled() {
		return nil
	}
	if a.Path == "" {
		return errors.New("path must be set")
	}
	if a.StoreCachedCode && a.MaxSize < MinMaxSize {
		return errors.Errorf("max size must be at least %d bytes, got %d", MinMaxSize, a.MaxSize)
	}
	if int64(a.MaxSize) > MaxMaxSize {
		return errors.Errorf("max size must be at most %d bytes, got %d", int64(MaxMaxSize), a.MaxSize)
	}
	if a.PreloadStart < 0 || a.PreloadStop < 0 {
		return errors.Errorf("preload range [%d, %d) must not be negative",
			a.PreloadStart, a.PreloadStop)
	}
	if a.PreloadStop != 0 && a.PreloadStop < a.PreloadStart {
		return errors.Errorf("preload stop %d is before preload start %d",
			a.PreloadStop, a.PreloadStart)
	}
	if a.PreloadWorkers < 1 {
		return errors.Errorf("preload workers must be at least 1, got %d", a.PreloadWorkers)
	}
	return nil
}

// CodeArchiveConfig represents the used schema's
type CodeArchiveConfig struct {
	Config Config
}

// LoadConfig from config locations. Values given in the environment take
// precedence over the config file, flags take precedence over both.
func (f *CodeArchiveConfig) LoadConfig(flags *Flags, logger logrus.FieldLogger) error {
	configFileName := flags.ConfigFile
	if configFileName == "" {
		configFileName = DefaultConfigFile
	}

	file, err := os.ReadFile(configFileName)
	_ = err // explicitly ignore

	if len(file) > 0 {
		logger.WithField("action", "config_load").WithField("config_file_path", configFileName).
			Info("loading config file")
		config, err := f.parseConfigFile(file, configFileName)
		if err != nil {
			return configErr(err)
		}
		f.Config = config
	}

	if err := FromEnv(&f.Config); err != nil {
		return configErr(err)
	}

	f.fromFlags(flags)

	return f.Config.Validate()
}

func (f *CodeArchiveConfig) parseConfigFile(file []byte, name string) (Config, error) {
	var config Config

	m := regexp.MustCompile(`.*\.(\w+)$`).FindStringSubmatch(name)
	if len(m) < 2 {
		return config, fmt.Errorf("config file does not have a file ending, got '%s'", name)
	}

	switch m[1] {
	case "json":
		err := json.Unmarshal(file, &config)
		if err != nil {
			return config, fmt.Errorf("error unmarshalling the json config file: %w", err)
		}
	case "yaml", "yml":
		err := yaml.Unmarshal(file, &config)
		if err != nil {
			return config, fmt.Errorf("error unmarshalling the yaml config file: %w", err)
		}
	default:
		return config, fmt.Errorf("unsupported config file extension '%s', use .yaml or .json", m[1])
	}

	return config, nil
}

func (f *CodeArchiveConfig) fromFlags(flags *Flags) {
	if flags.ArchivePath != "" {
		f.Config.Archive.Path = flags.ArchivePath
	}
	if flags.Load {
		f.Config.Archive.LoadCachedCode = true
	}
	if flags.Store {
		f.Config.Archive.StoreCachedCode = true
	}
	if flags.MaxSize > 0 {
		f.Config.Archive.MaxSize = flags.MaxSize
	}
	if flags.Verify {
		f.Config.Archive.Verify = true
	}
	if flags.PreloadWorkers > 0 {
		f.Config.Archive.PreloadWorkers = flags.PreloadWorkers
	}
	if flags.LogLevel != "" {
		f.Config.Logging.Level = flags.LogLevel
	}
}

func configErr(err error) error {
	return fmt.Errorf("invalid config: %w", err)
}
