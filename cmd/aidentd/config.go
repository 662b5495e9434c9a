package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the optional on-disk defaults file, applied after flags
// are parsed and only to options not given on the command line. This
// mirrors how inetd-launched daemons are typically given persistent
// defaults: a single static file read once per invocation, since there
// is no long-lived process to hold configuration in memory.
type fileConfig struct {
	Timeout       *int    `yaml:"timeout,omitempty"`
	User          string  `yaml:"user,omitempty"`
	Group         string  `yaml:"group,omitempty"`
	Fixed         string  `yaml:"fixed,omitempty"`
	LocalOnly     *bool   `yaml:"localOnly,omitempty"`
	ConntrackPath string  `yaml:"conntrackPath,omitempty"`
	ValidateIP    *bool   `yaml:"validateIP,omitempty"`
	AcceptIP      *bool   `yaml:"acceptIP,omitempty"`
	ForwardIP     *bool   `yaml:"forwardIP,omitempty"`
	MetricsFile   string  `yaml:"metricsFile,omitempty"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// applyFileConfig fills in any flag that was not explicitly set on the
// command line (changed reports false for it) with the corresponding
// value from fc, so that explicit flags always win over the file.
func applyFileConfig(fc fileConfig, changed func(name string) bool) {
	if fc.Timeout != nil && !changed("timeout") {
		opts.timeoutSeconds = *fc.Timeout
	}
	if fc.User != "" && !changed("user") {
		opts.user = fc.User
	}
	if fc.Group != "" && !changed("group") {
		opts.group = fc.Group
	}
	if fc.Fixed != "" && !changed("fixed") {
		opts.fixedResult = fc.Fixed
	}
	if fc.LocalOnly != nil && !changed("local-only") {
		opts.localOnly = *fc.LocalOnly
	}
	if fc.ConntrackPath != "" && !changed("conntrack") {
		opts.conntrackPath = fc.ConntrackPath
	}
	if fc.ValidateIP != nil && !changed("validate-ip") {
		opts.validateIP = *fc.ValidateIP
	}
	if fc.AcceptIP != nil && !changed("accept-ip") {
		opts.acceptExtIP = *fc.AcceptIP
	}
	if fc.ForwardIP != nil && !changed("forward-ip") {
		opts.forwardOrigIP = *fc.ForwardIP
	}
	if fc.MetricsFile != "" && !changed("metrics-file") {
		opts.metricsFile = fc.MetricsFile
	}
}
