// Package shardfile loads and validates shard collections from YAML.
package shardfile

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/shardweave/shardweave/pkg/models"
)

// ErrNoShards is returned when a shard file contains no shards.
var ErrNoShards = errors.New("shard file contains no shards")

// File is the on-disk shape of a shard collection.
type File struct {
	// Version is the file format version. Zero means version 1.
	Version int `yaml:"version,omitempty"`
	// Shards is the shard collection.
	Shards []*models.Shard `yaml:"shards"`
}

// Load reads and validates a shard file.
func Load(path string) ([]*models.Shard, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read shard file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates shard YAML.
func Parse(data []byte) ([]*models.Shard, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse shard file: %w", err)
	}
	if err := validate(f.Shards); err != nil {
		return nil, err
	}

	for _, s := range f.Shards {
		if s.Status == "" {
			s.Status = models.ShardStatusPending
		}
	}
	return f.Shards, nil
}

// Save writes a shard collection back to disk.
func Save(path string, shards []*models.Shard) error {
	data, err := yaml.Marshal(File{Version: 1, Shards: shards})
	if err != nil {
		return fmt.Errorf("encode shard file: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write shard file: %w", err)
	}
	return nil
}

func validate(shards []*models.Shard) error {
	if len(shards) == 0 {
		return ErrNoShards
	}

	seen := make(map[string]bool, len(shards))
	for i, s := range shards {
		if s == nil {
			return fmt.Errorf("shard %d is empty", i)
		}
		if s.ID == "" {
			return fmt.Errorf("shard %d has no id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate shard id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Prompt == "" {
			return fmt.Errorf("shard %q has no prompt", s.ID)
		}
		if s.Status != "" && !s.Status.Valid() {
			return fmt.Errorf("shard %q has unknown status %q", s.ID, s.Status)
		}
	}
	return nil
}
