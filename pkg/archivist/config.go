package archivist

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/celerix-dev/archivist/pkg/value"
)

// Config declares the vaults of a process and the topics stored in them.
type Config struct {
	Vaults map[string]VaultConfig `json:"vaults,omitempty"`
	Topics map[string]TopicConfig `json:"topics,omitempty"`
}

// VaultConfig names a vault implementation and its loosely typed options.
// The options are decoded by the implementation.
type VaultConfig struct {
	Type    string         `json:"type"`
	Options map[string]any `json:"options,omitempty"`
}

// TopicConfig is the static topology of one record type.
type TopicConfig struct {
	// Index lists the field names that identify a record.
	Index []string `json:"index"`
	// Read lists vaults in read-preference order. When empty, the readable
	// write vaults are used in declaration order.
	Read []string `json:"read,omitempty"`
	// Write lists the vaults every mutation is distributed to, in order.
	Write       []string    `json:"write,omitempty"`
	ReadOptions ReadOptions `json:"readOptions,omitzero"`
	// Shard is "public" or "index:<field>". It installs the shard function
	// of every vault the topic uses.
	Shard string `json:"shard,omitempty"`
	// TTL is the default expiration of writes, e.g. "10m".
	TTL string `json:"ttl,omitempty"`
}

// ReadOptions constrain what a read may return.
type ReadOptions struct {
	MediaTypes []value.MediaType `json:"mediaTypes,omitempty"`
	Encodings  []value.Encoding  `json:"encodings,omitempty"`
	Optional   bool              `json:"optional,omitempty"`
}

// DefaultConfig returns an empty configuration.
func DefaultConfig() Config {
	return Config{
		Vaults: make(map[string]VaultConfig),
		Topics: make(map[string]TopicConfig),
	}
}

// Merge applies the vaults and topics of source over c. Entries are replaced
// whole, never field by field.
func (c *Config) Merge(source *Config) {
	if c.Vaults == nil {
		c.Vaults = make(map[string]VaultConfig)
	}
	if c.Topics == nil {
		c.Topics = make(map[string]TopicConfig)
	}
	for name, v := range source.Vaults {
		c.Vaults[name] = v
	}
	for name, t := range source.Topics {
		c.Topics[name] = t
	}
}

// LoadConfig reads a JSON config file, merges it with defaults, and returns
// the resulting Config.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Merge(&loaded)
	return &cfg, nil
}
