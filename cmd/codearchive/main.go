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

package main

import (
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/codearchive/usecases/config"
)

// Options are the flags shared by every command.
type Options struct {
	ConfigFile string `long:"config-file" description:"path to config file (default: ./codearchive.conf.json)"`
	LogLevel   string `long:"log-level" description:"log level (debug, info, warning, error)"`
	LogFormat  string `long:"log-format" description:"log format" choice:"text" choice:"json"`
}

// archiveArg is the optional archive path of a command. The configured
// archive path is used when it is omitted.
type archiveArg struct {
	Args struct {
		Path string `positional-arg-name:"archive"`
	} `positional-args:"yes"`
}

var (
	opts   Options
	parser = flags.NewParser(&opts, flags.Default)
)

func main() {
	parser.AddCommand("dump", "Print the archive header and entries",
		"Print the header and one line per entry of a code archive.", &dumpCommand{})
	parser.AddCommand("stats", "Summarize an archive",
		"Print entry counts per kind and the size of every part of a code archive.", &statsCommand{})
	parser.AddCommand("verify", "Relocate every entry into a scratch code heap",
		"Verify the checksum of a code archive and relocate every method and blob "+
			"into a scratch code heap, reporting those which fail.", &verifyCommand{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

// setup builds the logger and the archive configuration a command runs
// with. The path given on the command line wins over the configuration.
func setup(path string) (logrus.FieldLogger, config.Archive, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	cfg := config.CodeArchiveConfig{}
	if err := cfg.LoadConfig(&config.Flags{
		ConfigFile:  opts.ConfigFile,
		ArchivePath: path,
		LogLevel:    opts.LogLevel,
	}, logger); err != nil {
		return nil, config.Archive{}, err
	}

	format := cfg.Config.Logging.Format
	if opts.LogFormat != "" {
		format = opts.LogFormat
	}
	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if lvl := cfg.Config.Logging.Level; lvl != "" {
		level, err := logrus.ParseLevel(lvl)
		if err != nil {
			return nil, config.Archive{}, err
		}
		logger.SetLevel(level)
	}

	return logger.WithField("app", "codearchive"), cfg.Config.Archive, nil
}
