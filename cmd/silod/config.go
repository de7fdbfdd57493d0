package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is silod's on-disk configuration shape, grounded on the
// teacher's apply.go WarrenResource: a flat YAML document with
// time.Duration fields expressed as Go duration strings ("30s", "5m").
type FileConfig struct {
	NodeID    string `yaml:"nodeID"`
	HostName  string `yaml:"hostName"`
	Role      string `yaml:"role"`
	ClusterID string `yaml:"clusterID"`

	BindAddr     string `yaml:"bindAddr"`
	RaftBindAddr string `yaml:"raftBindAddr"`
	StatusAddr   string `yaml:"statusAddr"`
	DataDir      string `yaml:"dataDir"`

	EncryptStateAtRest   bool   `yaml:"encryptStateAtRest"`
	DirectoryCacheSize   int    `yaml:"directoryCacheSize"`
	MaxLocalActivations  int    `yaml:"maxLocalActivations"`
	DeactivationCoolDown string `yaml:"deactivationCoolDown"`
	ReminderScanInterval string `yaml:"reminderScanInterval"`
	MembershipRefresh    string `yaml:"membershipRefresh"`
	StreamMaxAge         string `yaml:"streamMaxAge"`
	StreamMaxPerStream   int    `yaml:"streamMaxPerStream"`
	StreamPressureLimit  int    `yaml:"streamPressureLimit"`
	TxLockGroupDeadline  string `yaml:"txLockGroupDeadline"`
}

func loadFileConfig(path string) (FileConfig, error) {
	var cfg FileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %v", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %v", err)
	}
	return cfg, nil
}

// durationOrDefault parses a Go duration string, falling back to def for
// an empty value; a malformed value is reported to the caller rather than
// silently ignored.
func durationOrDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %v", s, err)
	}
	return d, nil
}
