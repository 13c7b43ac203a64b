package extractor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"ctsync/internal/model"
)

// format is a definition file encoding, chosen by file extension.
type format string

const (
	formatJSON format = "json"
	formatYAML format = "yaml"
	formatTOML format = "toml"
)

func formatOf(name string) (format, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return formatJSON, true
	case ".yaml", ".yml":
		return formatYAML, true
	case ".toml":
		return formatTOML, true
	}
	return "", false
}

// decode parses data into a definition. YAML and TOML documents are first
// decoded generically and re-encoded as JSON so every format goes through
// the same attribute handling, including the extension bags.
func decode(f format, data []byte) (*model.ContentTypeDefinition, error) {
	raw := data
	if f != formatJSON {
		var doc map[string]any
		var err error
		switch f {
		case formatYAML:
			err = yaml.Unmarshal(data, &doc)
		case formatTOML:
			err = toml.Unmarshal(data, &doc)
		}
		if err != nil {
			return nil, err
		}
		if raw, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("converting %s document: %w", f, err)
		}
	}

	var def model.ContentTypeDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// encode renders def in format f.
func encode(f format, def *model.ContentTypeDefinition) ([]byte, error) {
	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return nil, err
	}
	if f == formatJSON {
		return append(data, '\n'), nil
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	dropNulls(doc)
	var buf bytes.Buffer
	switch f {
	case formatYAML:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
	case formatTOML:
		if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// dropNulls removes null members, which TOML cannot represent.
func dropNulls(v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if child == nil {
				delete(t, k)
				continue
			}
			dropNulls(child)
		}
	case []any:
		for _, child := range t {
			dropNulls(child)
		}
	}
}
