package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Paths use the JSON field names joined by dots. List elements are
// addressed by index, so "rules.0.target" is the target of the first
// static rule.

// GetByPath returns the config value at path (e.g. "telegram.mode").
func GetByPath(cfg *Config, path string) (any, error) {
	tree, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	return walk(tree, splitPath(path))
}

// SetByPath parses value according to the type of the field at path and
// stores it. Unknown fields are rejected.
func SetByPath(cfg *Config, path string, value string) error {
	if path == "" {
		return errors.New("empty path")
	}
	tree, err := toTree(cfg)
	if err != nil {
		return err
	}

	parts := splitPath(path)
	parent, err := walk(tree, parts[:len(parts)-1])
	if err != nil {
		return err
	}
	last := parts[len(parts)-1]

	switch p := parent.(type) {
	case map[string]any:
		v, err := coerce(p[last], value)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		p[last] = v
	case []any:
		idx, err := index(last, len(p))
		if err != nil {
			return err
		}
		v, err := coerce(p[idx], value)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		p[idx] = v
	default:
		return fmt.Errorf("%s is not an object", strings.Join(parts[:len(parts)-1], "."))
	}

	return fromTree(tree, cfg)
}

// coerce converts raw to the JSON type of current. Fields left out of the
// JSON (empty omitempty values) have no current value, so raw is decoded as
// JSON when it parses and kept as a string otherwise.
func coerce(current any, raw string) (any, error) {
	switch current.(type) {
	case string:
		return raw, nil
	case bool:
		return strconv.ParseBool(raw)
	case float64:
		return strconv.ParseFloat(raw, 64)
	case []any, map[string]any:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("expected JSON: %w", err)
		}
		return v, nil
	default:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			return v, nil
		}
		return raw, nil
	}
}

// Sanitize returns a copy of the config with the bot token masked.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	out.Rules = append([]RuleSpec(nil), cfg.Rules...)
	out.Telegram.AllowFrom = append(FlexStringList(nil), cfg.Telegram.AllowFrom...)
	if out.Telegram.Token != "" {
		out.Telegram.Token = maskString(out.Telegram.Token)
	}
	return &out
}

// maskString keeps the first and last four characters.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns "path = value" lines for every scalar setting, sorted
// by path. Lists are shown as JSON.
func ListPaths(cfg *Config) []string {
	tree, err := toTree(cfg)
	if err != nil {
		return nil
	}
	var lines []string
	flatten("", tree, func(path string, v any) {
		data, _ := json.Marshal(v)
		lines = append(lines, path+" = "+string(data))
	})
	sort.Strings(lines)
	return lines
}

func flatten(prefix string, m map[string]any, emit func(string, any)) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(path, child, emit)
			continue
		}
		emit(path, v)
	}
}

func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, "."), ".")
}

func walk(node any, parts []string) (any, error) {
	for i, key := range parts {
		switch v := node.(type) {
		case map[string]any:
			child, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", strings.Join(parts[:i+1], "."))
			}
			node = child
		case []any:
			idx, err := index(key, len(v))
			if err != nil {
				return nil, err
			}
			node = v[idx]
		default:
			return nil, fmt.Errorf("%s is a value, not an object", strings.Join(parts[:i], "."))
		}
	}
	return node, nil
}

func index(key string, n int) (int, error) {
	idx, err := strconv.Atoi(key)
	if err != nil || idx < 0 || idx >= n {
		return 0, fmt.Errorf("invalid list index %q (have %d items)", key, n)
	}
	return idx, nil
}

func toTree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// fromTree decodes tree into cfg, failing on fields Config does not have.
func fromTree(tree map[string]any, cfg *Config) error {
	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var out Config
	if err := dec.Decode(&out); err != nil {
		return err
	}
	*cfg = out
	return nil
}
