package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	"nightpilot/internal/errors"
)

// Decode parses JSON or YAML (chosen by the extension of name) over Default
// and validates the result. Unknown fields and trailing documents are
// rejected for both formats.
func Decode(name string, b []byte) (*Config, error) {
	if isYAML(name) {
		var err error
		if b, err = yamlToJSON(b); err != nil {
			return nil, errors.Wrapf(err, "decode config %s", name)
		}
	}

	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "decode config %s", name)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.Newf("decode config %s: trailing data", name)
		}
		return nil, errors.Wrapf(err, "decode config %s", name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON re-encodes a YAML document so one strict JSON decoder serves
// both formats.
func yamlToJSON(b []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(stringKeys(v))
}

// stringKeys rewrites map[any]any (non-string YAML keys) into map[string]any.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			out[fmt.Sprint(k)] = stringKeys(v)
		}
		return out
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case []any:
		for i, v := range x {
			x[i] = stringKeys(v)
		}
		return x
	}
	return in
}
