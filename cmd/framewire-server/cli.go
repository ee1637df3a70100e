package main

import "flag"

// Options holds CLI options for the server.
type Options struct {
	ConfigPath string
	Listen     string
	Kind       string
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("framewire-server", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.Listen, "listen", "", "Bind address (overrides config)")
	fs.StringVar(&opts.Kind, "kind", "", "Transport kind: tcp|udp|quic (overrides config)")
	_ = fs.Parse(args)
	return opts
}
