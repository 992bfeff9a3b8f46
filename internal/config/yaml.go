package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

type fileFormat string

const (
	formatJSON fileFormat = "json"
	formatYAML fileFormat = "yaml"
)

func formatOf(name string) fileFormat {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatJSON
	}
}

// asJSON re-encodes YAML documents as JSON; JSON passes through untouched.
func asJSON(f fileFormat, data []byte) ([]byte, error) {
	if f != formatYAML {
		return data, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	out, err := json.Marshal(jsonSafe(doc))
	if err != nil {
		return nil, fmt.Errorf("re-encode yaml: %w", err)
	}
	return out, nil
}

// jsonSafe rewrites mappings with non-string keys, which encoding/json refuses.
func jsonSafe(v any) any {
	switch node := v.(type) {
	case []any:
		out := make([]any, len(node))
		for i, item := range node {
			out[i] = jsonSafe(item)
		}
		return out
	case map[string]any:
		for k, item := range node {
			node[k] = jsonSafe(item)
		}
		return node
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, item := range node {
			out[fmt.Sprint(k)] = jsonSafe(item)
		}
		return out
	}
	return v
}
