package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/TrongDang2608/Secure-Broadcaster/internal/config"
)

func runInit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Where to write the config file (default: ~/.securecast/config.toml)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: securecast init [options]\n\nWrite a default config file. An existing file is left alone.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if configPath == "" {
		path, err := config.DefaultConfigPath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		configPath = path
	}

	if err := config.WriteDefault(configPath); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Config: %s\n", configPath)
	return 0
}
