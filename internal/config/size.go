package config

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// ByteSize is a byte count that accepts human-readable YAML values.
// Supported formats:
//   - Decimal units: 100B, 10KB, 1MB (1KB = 1000 bytes)
//   - Binary units: 10KiB, 1MiB (1KiB = 1024 bytes)
//   - Plain number: 1024 (interpreted as bytes)
type ByteSize int64

// ParseSize parses a human-readable size string to bytes.
func ParseSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size format '%s': %w", s, err)
	}

	return ByteSize(n), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	size, err := ParseSize(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*b = size
	return nil
}

// MarshalYAML writes the exact byte count so the value round-trips.
func (b ByteSize) MarshalYAML() (any, error) {
	return int64(b), nil
}

// String formats the size with IEC binary units.
func (b ByteSize) String() string {
	if b < 0 {
		return fmt.Sprintf("%d B", int64(b))
	}
	return humanize.IBytes(uint64(b))
}
