package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/TrongDang2608/Secure-Broadcaster/internal/config"
)

// explicitFlags records which flags were set on the command line, so a
// zero value given on purpose still overrides the config file.
func explicitFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}

// loadSettings loads the config file, lets merge apply the command's
// flags on top, fills defaults and validates the result. Errors are
// printed to stderr.
func loadSettings(path string, stderr io.Writer, merge func(cfg *config.Config)) (*config.Config, bool) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, false
	}
	merge(cfg)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, false
	}
	return cfg, true
}
