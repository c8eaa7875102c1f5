package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const sampleHeader = `# cephmount Configuration File
#
# Environment variables override any value here, for example:
#   CEPHMOUNT_MOUNT_MONITORS=10.0.0.1:6789,10.0.0.2:6789
#   CEPHMOUNT_LOGGING_LEVEL=DEBUG
`

// sectionComments documents each top-level section of the sample file.
var sectionComments = map[string]string{
	"logging":   "# Log output: level (DEBUG, INFO, WARN, ERROR), format (text, json), output (stdout, stderr or a file path)",
	"mount":     "# Cluster to join and directory to mount.\n# Each wait for the cluster maps lasts `timeout`; `attempts` join requests are sent before giving up.",
	"messenger": "# Transport tuning and the shared inbound delivery queue",
	"metrics":   "# Prometheus endpoint served at http://localhost:<port>/metrics",
	"dispatch":  "# Throttling of warnings about messages with an unknown type (lines per second, burst)",
}

// InitConfig writes a sample configuration file to the default location and
// returns its path. An existing file is only replaced when force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a sample configuration file to path, creating
// parent directories as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	data, err := generateSample(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateSample renders cfg as commented YAML.
func generateSample(cfg *Config) ([]byte, error) {
	var doc yaml.Node
	if err := doc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode sample config: %w", err)
	}

	// doc is a mapping of alternating key and value nodes
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i]
		if comment, ok := sectionComments[key.Value]; ok {
			key.HeadComment = comment
		}
	}

	var buf bytes.Buffer
	buf.WriteString(sampleHeader)
	buf.WriteString("\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("failed to render sample config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to render sample config: %w", err)
	}
	return buf.Bytes(), nil
}
