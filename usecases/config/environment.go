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
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// FromEnv takes a *Config as it will respect initial config that has been
// provided by other means (e.g. a config file) and will only extend those that
// are set
func FromEnv(config *Config) error {
	if v := os.Getenv("CODE_ARCHIVE_LOAD"); v != "" {
		config.Archive.LoadCachedCode = enabled(v)
	}

	if v := os.Getenv("CODE_ARCHIVE_STORE"); v != "" {
		config.Archive.StoreCachedCode = enabled(v)
	}

	if v := os.Getenv("CODE_ARCHIVE_PATH"); v != "" {
		config.Archive.Path = v
	} else if config.Archive.Path == "" {
		config.Archive.Path = DefaultArchivePath
	}

	if err := parsePositiveInt("CODE_ARCHIVE_MAX_SIZE",
		func(val int) { config.Archive.MaxSize = val },
		orDefault(config.Archive.MaxSize, DefaultMaxSize),
	); err != nil {
		return err
	}

	if err := parseNonNegativeInt("CODE_ARCHIVE_PRELOAD_START",
		func(val int) { config.Archive.PreloadStart = val },
		config.Archive.PreloadStart,
	); err != nil {
		return err
	}

	if err := parseNonNegativeInt("CODE_ARCHIVE_PRELOAD_STOP",
		func(val int) { config.Archive.PreloadStop = val },
		config.Archive.PreloadStop,
	); err != nil {
		return err
	}

	if v := os.Getenv("CODE_ARCHIVE_PRELOAD_EXCLUDE"); v != "" {
		config.Archive.PreloadExclude = commaSeparated(v)
	}

	if err := parsePositiveInt("CODE_ARCHIVE_PRELOAD_WORKERS",
		func(val int) { config.Archive.PreloadWorkers = val },
		orDefault(config.Archive.PreloadWorkers, DefaultPreloadWorkers),
	); err != nil {
		return err
	}

	if enabled(os.Getenv("CODE_ARCHIVE_VERIFY")) {
		config.Archive.Verify = true
	}

	if v := os.Getenv("CODE_ARCHIVE_CLOSE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "parse CODE_ARCHIVE_CLOSE_TIMEOUT as duration")
		}
		config.Archive.CloseTimeout = d
	} else if config.Archive.CloseTimeout == 0 {
		config.Archive.CloseTimeout = DefaultCloseTimeout
	}

	if enabled(os.Getenv("PROMETHEUS_MONITORING_ENABLED")) {
		config.Monitoring.Enabled = true
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		config.Logging.Format = v
	}

	return nil
}

func parsePositiveInt(envName string, cb func(val int), defaultValue int) error {
	return parseInt(envName, cb, defaultValue, func(val int) bool { return val > 0 }, "positive")
}

func parseNonNegativeInt(envName string, cb func(val int), defaultValue int) error {
	return parseInt(envName, cb, defaultValue, func(val int) bool { return val >= 0 }, "non-negative")
}

func parseInt(envName string, cb func(val int), defaultValue int,
	valid func(val int) bool, expected string,
) error {
	if v := os.Getenv(envName); v != "" {
		asInt, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "parse %s as int", envName)
		}
		if !valid(asInt) {
			return errors.Errorf("%s must be a %s integer, got %d", envName, expected, asInt)
		}
		cb(asInt)
	} else {
		cb(defaultValue)
	}
	return nil
}

func orDefault(val, def int) int {
	if val == 0 {
		return def
	}
	return val
}

func commaSeparated(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func enabled(value string) bool {
	if value == "" {
		return false
	}

	if value == "on" ||
		value == "enabled" ||
		value == "1" ||
		value == "true" {
		return true
	}

	return false
}
