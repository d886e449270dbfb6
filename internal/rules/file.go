package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"copybot/internal/config"
)

// File is the layout of a YAML rules file:
//
//	rules:
//	  - name: announcements
//	    source: -1001234567890
//	    target: "@mirror_channel"
//	    silent: true
//	    ttl: 720h
type File struct {
	Rules []config.RuleSpec `yaml:"rules"`
}

// LoadFile reads and validates a YAML rules file. Unknown keys are errors.
func LoadFile(path string) ([]config.RuleSpec, error) {
	data, err := os.ReadFile(config.ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	specs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}
	return specs, nil
}

// Parse decodes and validates rules from YAML.
func Parse(data []byte) ([]config.RuleSpec, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}

	var errs []string
	for i, spec := range f.Rules {
		for _, e := range spec.Validate() {
			errs = append(errs, fmt.Sprintf("rules[%d]: %s", i, e))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid rules:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return f.Rules, nil
}

// Marshal renders specs in the rules file layout.
func Marshal(specs []config.RuleSpec) ([]byte, error) {
	return yaml.Marshal(File{Rules: specs})
}
