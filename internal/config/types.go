// Package config defines the scan configuration and its YAML loading.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ScanConfig is the complete configuration for a scan run. All fields
// have working defaults; a configuration file only overrides what it
// sets.
type ScanConfig struct {
	Analyzer     AnalyzerConfig `yaml:"analyzer"`
	NBD          NBDConfig      `yaml:"nbd"`
	MountBaseDir string         `yaml:"mount_base_dir,omitempty"` // Base directory for per-run mount points (default: /run/sbomvm)
	OutputDir    string         `yaml:"output_dir,omitempty"`     // Directory for report files (default: current directory)
}

// AnalyzerConfig describes the external analyzer invocation.
//
// Args may contain the placeholders {mount} and {output}, replaced with
// the mount-point directory and the report destination path. The
// default invocation targets syft.
type AnalyzerConfig struct {
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
}

// NBDConfig bounds the NBD device pool and device readiness wait.
type NBDConfig struct {
	MaxDevices           int `yaml:"max_devices,omitempty"`            // Number of /dev/nbdX slots to scan (default: 16)
	AttachTimeoutSeconds int `yaml:"attach_timeout_seconds,omitempty"` // Device readiness deadline after qemu-nbd connect (default: 10)
}

// AttachTimeout returns the configured attach deadline as a duration.
func (n *NBDConfig) AttachTimeout() time.Duration {
	return time.Duration(n.AttachTimeoutSeconds) * time.Second
}

// Default returns a ScanConfig with all defaults applied.
func Default() *ScanConfig {
	return &ScanConfig{
		Analyzer: AnalyzerConfig{
			Command: "syft",
			Args: []string{
				"--override-default-catalogers", "image",
				"{mount}",
				"-o", "syft-json={output}",
			},
		},
		NBD: NBDConfig{
			MaxDevices:           16,
			AttachTimeoutSeconds: 10,
		},
		MountBaseDir: "/run/sbomvm",
		OutputDir:    ".",
	}
}

// LoadFromFile loads a ScanConfig from a YAML file, layering it over
// the defaults, and validates the result.
func LoadFromFile(path string) (*ScanConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return LoadFromYAML(data)
}

// LoadFromYAML loads a ScanConfig from YAML bytes over the defaults.
func LoadFromYAML(data []byte) (*ScanConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors. It validates structure
// only; it does not check that the analyzer binary or mount base exist
// on the host.
func (c *ScanConfig) Validate() error {
	if c.Analyzer.Command == "" {
		return fmt.Errorf("analyzer.command is required")
	}
	if !hasPlaceholder(c.Analyzer.Args, "{mount}") {
		return fmt.Errorf("analyzer.args must reference the {mount} placeholder")
	}
	if c.NBD.MaxDevices <= 0 {
		return fmt.Errorf("nbd.max_devices must be greater than 0")
	}
	if c.NBD.AttachTimeoutSeconds <= 0 {
		return fmt.Errorf("nbd.attach_timeout_seconds must be greater than 0")
	}
	if c.MountBaseDir == "" {
		return fmt.Errorf("mount_base_dir is required")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}
	return nil
}

func hasPlaceholder(args []string, placeholder string) bool {
	for _, a := range args {
		if strings.Contains(a, placeholder) {
			return true
		}
	}
	return false
}
