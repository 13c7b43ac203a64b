package model

import (
	"encoding/json"
	"fmt"
	"sort"
)

// FieldType is the tag that selects which settings block a Field carries.
type FieldType string

const (
	FieldText      FieldType = "text"
	FieldRichText  FieldType = "rich_text"
	FieldNumber    FieldType = "number"
	FieldBoolean   FieldType = "boolean"
	FieldDate      FieldType = "date"
	FieldMedia     FieldType = "media"
	FieldReference FieldType = "reference"
	FieldEnum      FieldType = "enum"
	FieldList      FieldType = "list"
)

// KnownFieldTypes lists every field type the engine understands.
var KnownFieldTypes = []FieldType{
	FieldText, FieldRichText, FieldNumber, FieldBoolean, FieldDate,
	FieldMedia, FieldReference, FieldEnum, FieldList,
}

// IsKnown reports whether t is one of KnownFieldTypes.
func (t FieldType) IsKnown() bool {
	for _, k := range KnownFieldTypes {
		if t == k {
			return true
		}
	}
	return false
}

// ContentTypeDefinition is a content schema: a named set of fields plus metadata.
// Key is stable across versions. Top-level attributes this version does not
// know about are preserved in Extensions.
type ContentTypeDefinition struct {
	Key         string                     `json:"key"`
	DisplayName string                     `json:"displayName"`
	Description string                     `json:"description,omitempty"`
	Category    string                     `json:"category,omitempty"`
	Fields      []Field                    `json:"fields"`
	Metadata    map[string]string          `json:"metadata,omitempty"`
	Extensions  map[string]json.RawMessage `json:"extensions,omitempty"`
}

// Field is one entry of a definition. Exactly one settings block may be set,
// and it must match Type. Unknown attributes land in Extensions.
type Field struct {
	Key        string                     `json:"key"`
	Label      string                     `json:"label,omitempty"`
	Type       FieldType                  `json:"type"`
	Required   bool                       `json:"required,omitempty"`
	Localized  bool                       `json:"localized,omitempty"`
	HelpText   string                     `json:"helpText,omitempty"`
	Text       *TextSettings              `json:"text,omitempty"`
	Number     *NumberSettings            `json:"number,omitempty"`
	Reference  *ReferenceSettings         `json:"reference,omitempty"`
	Enum       *EnumSettings              `json:"enum,omitempty"`
	List       *ListSettings              `json:"list,omitempty"`
	Extensions map[string]json.RawMessage `json:"extensions,omitempty"`
}

type TextSettings struct {
	MaxLength int    `json:"maxLength,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
	Multiline bool   `json:"multiline,omitempty"`
}

type NumberSettings struct {
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Integer bool     `json:"integer,omitempty"`
}

type ReferenceSettings struct {
	TargetTypes []string `json:"targetTypes"`
	Multiple    bool     `json:"multiple,omitempty"`
}

type EnumSettings struct {
	Options  []string `json:"options"`
	Multiple bool     `json:"multiple,omitempty"`
}

type ListSettings struct {
	ItemType FieldType `json:"itemType"`
	MinItems int       `json:"minItems,omitempty"`
	MaxItems int       `json:"maxItems,omitempty"`
}

var definitionKeys = map[string]bool{
	"key": true, "displayName": true, "description": true, "category": true,
	"fields": true, "metadata": true, "extensions": true,
}

var fieldKeys = map[string]bool{
	"key": true, "label": true, "type": true, "required": true, "localized": true,
	"helpText": true, "text": true, "number": true, "reference": true, "enum": true,
	"list": true, "extensions": true,
}

// UnmarshalJSON decodes a definition and folds unrecognised top-level
// attributes into Extensions.
func (d *ContentTypeDefinition) UnmarshalJSON(data []byte) error {
	type plain ContentTypeDefinition
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := unknownAttributes(data, definitionKeys)
	if err != nil {
		return err
	}
	*d = ContentTypeDefinition(p)
	d.Extensions = mergeExtensions(d.Extensions, extra)
	return nil
}

// UnmarshalJSON decodes a field and folds unrecognised attributes into Extensions.
func (f *Field) UnmarshalJSON(data []byte) error {
	type plain Field
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := unknownAttributes(data, fieldKeys)
	if err != nil {
		return err
	}
	*f = Field(p)
	f.Extensions = mergeExtensions(f.Extensions, extra)
	return nil
}

func unknownAttributes(data []byte, known map[string]bool) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	for k, v := range raw {
		if known[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}
	return extra, nil
}

func mergeExtensions(dst, src map[string]json.RawMessage) map[string]json.RawMessage {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]json.RawMessage, len(src))
	}
	for k, v := range src {
		if _, exists := dst[k]; !exists {
			dst[k] = v
		}
	}
	return dst
}

// Clone returns a deep copy of the definition.
func (d *ContentTypeDefinition) Clone() *ContentTypeDefinition {
	if d == nil {
		return nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		// Only invalid raw extension JSON can fail here; fall back to a shallow copy.
		c := *d
		return &c
	}
	var c ContentTypeDefinition
	if err := json.Unmarshal(data, &c); err != nil {
		c := *d
		return &c
	}
	return &c
}

// FieldByKey returns the field with the given key, or nil.
func (d *ContentTypeDefinition) FieldByKey(key string) *Field {
	for i := range d.Fields {
		if d.Fields[i].Key == key {
			return &d.Fields[i]
		}
	}
	return nil
}

// Signature returns the sorted "key:type" pairs of the definition's fields.
// Two definitions with equal signatures have the same structure.
func (d *ContentTypeDefinition) Signature() []string {
	if d == nil {
		return nil
	}
	sig := make([]string, 0, len(d.Fields))
	for _, f := range d.Fields {
		sig = append(sig, fmt.Sprintf("%s:%s", f.Key, f.Type))
	}
	sort.Strings(sig)
	return sig
}

// RemoteContentType is a definition as held by the remote provider, together
// with the precondition token required to update it.
type RemoteContentType struct {
	Definition ContentTypeDefinition
	ETag       string
}
