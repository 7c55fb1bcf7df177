package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// GetPath retrieves a value from the configuration using a dot-notation
// path such as "plugins.task_timeout".
func (c *Config) GetPath(path string) (any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return getValue(m, path)
}

func getValue(m map[string]any, path string) (any, error) {
	var current any = m
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}
		val, exists := m[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}
	return current, nil
}

// SetPath writes value at a dot-notation path in the root config file,
// creating intermediate keys. The edited configuration must still load;
// otherwise the file is restored and the load error returned.
func SetPath(configPath, path, value string) error {
	if strings.Trim(path, ".") == "" {
		return fmt.Errorf("config path is empty")
	}
	target, err := resolveConfigPath(configPath)
	if err != nil {
		return err
	}

	original, err := os.ReadFile(target)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(original, &doc); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}

	node, err := ensureNode(doc.Content[0], path)
	if err != nil {
		return fmt.Errorf("failed to navigate/create path %q: %w", path, err)
	}
	node.Kind = yaml.ScalarNode
	node.Content = nil
	node.Value = value
	node.Tag = guessTag(value)

	candidate, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return persistWithValidation(target, original, candidate)
}

// ensureNode walks a dot-notation path through mapping nodes, appending
// missing keys.
func ensureNode(node *yaml.Node, path string) (*yaml.Node, error) {
	current := node
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		if current.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%q is not a mapping", part)
		}
		current = childOrAppend(current, part)
	}
	return current, nil
}

func childOrAppend(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	child := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, child)
	return child
}

func guessTag(v string) string {
	if v == "true" || v == "false" {
		return "!!bool"
	}
	if _, err := strconv.ParseInt(v, 10, 64); err == nil {
		return "!!int"
	}
	return "!!str"
}

func persistWithValidation(target string, original, candidate []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(target); err == nil {
		mode = info.Mode().Perm()
	}

	if err := os.WriteFile(target, candidate, mode); err != nil {
		return fmt.Errorf("failed to persist config change: %w", err)
	}
	if _, err := Load(target); err != nil {
		if restoreErr := os.WriteFile(target, original, mode); restoreErr != nil {
			return fmt.Errorf("validation failed (%v) and rollback failed (%v)", err, restoreErr)
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
