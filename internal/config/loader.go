package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/warden/internal/errdef"
)

const includeKey = "$include"

// loadRaw reads a config file into a merged raw map, resolving
// $include directives with cycle detection. Environment references in
// string values are expanded after parsing, so secrets stay out of the
// file and directive keys like $include survive expansion.
func loadRaw(path string, seen map[string]bool) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[absPath] {
		return nil, errdef.Newf(errdef.PermanentValidation, "config include cycle at %s", absPath)
	}
	seen[absPath] = true
	defer delete(seen, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	raw, err := parseRaw(data, absPath)
	if err != nil {
		return nil, err
	}
	expandEnv(raw)

	includes, err := extractIncludes(raw)
	if err != nil {
		return nil, err
	}
	merged := map[string]any{}
	baseDir := filepath.Dir(absPath)
	for _, inc := range includes {
		if strings.TrimSpace(inc) == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(baseDir, inc)
		}
		incRaw, err := loadRaw(inc, seen)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, incRaw)
	}
	return mergeMaps(merged, raw), nil
}

// parseRaw decodes one document. JSON5 is accepted for .json/.json5
// files; everything else parses as YAML.
func parseRaw(data []byte, pathHint string) (map[string]any, error) {
	switch strings.ToLower(filepath.Ext(pathHint)) {
	case ".json", ".json5":
		var raw map[string]any
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, errdef.Newf(errdef.PermanentValidation, "parse %s: %v", pathHint, err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
		return raw, nil
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil && err != io.EOF {
		return nil, errdef.Newf(errdef.PermanentValidation, "parse %s: %v", pathHint, err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, errdef.Newf(errdef.PermanentValidation, "parse %s: expected a single document", pathHint)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// expandEnv rewrites environment references in every string value of
// the parsed document in place. Keys are left alone.
func expandEnv(raw map[string]any) {
	for key, value := range raw {
		raw[key] = expandValue(value)
	}
}

func expandValue(value any) any {
	switch typed := value.(type) {
	case string:
		return os.ExpandEnv(typed)
	case map[string]any:
		expandEnv(typed)
		return typed
	case []any:
		for i, entry := range typed {
			typed[i] = expandValue(entry)
		}
		return typed
	default:
		return value
	}
}

func extractIncludes(raw map[string]any) ([]string, error) {
	val, ok := raw[includeKey]
	if !ok {
		return nil, nil
	}
	delete(raw, includeKey)

	switch typed := val.(type) {
	case string:
		return []string{typed}, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			s, ok := entry.(string)
			if !ok {
				return nil, errdef.New(errdef.PermanentValidation, "$include entries must be strings")
			}
			paths = append(paths, s)
		}
		return paths, nil
	default:
		return nil, errdef.New(errdef.PermanentValidation, "$include must be a string or list of strings")
	}
}

// mergeMaps deep-merges src over dst. Later files win key by key;
// nested maps merge recursively.
func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if valueMap, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(existing, valueMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// decode maps the merged raw config onto the typed Config. Unknown
// fields are rejected so typos fail loudly at startup.
func decode(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, errdef.Newf(errdef.PermanentValidation, "parse config: %v", err)
	}
	return &cfg, nil
}
