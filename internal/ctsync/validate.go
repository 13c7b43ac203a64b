package ctsync

import (
	"fmt"
	"regexp"

	"ctsync/internal/model"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)

// ValidKey reports whether key can name a content type or field.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// ValidateDefinition checks that def can be sent to the provider. It returns
// a *ValidationError listing every problem, or nil.
func ValidateDefinition(def *model.ContentTypeDefinition) error {
	if def == nil {
		return &ValidationError{Problems: []string{"definition is empty"}}
	}
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !ValidKey(def.Key) {
		add("key %q must start with a letter and contain only letters, digits, '_' or '-'", def.Key)
	}
	if def.DisplayName == "" {
		add("displayName is required")
	}

	seen := make(map[string]bool, len(def.Fields))
	for i, f := range def.Fields {
		name := f.Key
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		if !ValidKey(f.Key) {
			add("field %s: invalid key", name)
		}
		if seen[f.Key] {
			add("field %s: duplicate key", name)
		}
		seen[f.Key] = true

		for _, p := range fieldProblems(f) {
			add("field %s: %s", name, p)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{TypeKey: def.Key, Problems: problems}
}

func fieldProblems(f model.Field) []string {
	var out []string
	if !f.Type.IsKnown() {
		return append(out, fmt.Sprintf("unknown type %q", f.Type))
	}

	settings := map[model.FieldType]bool{
		model.FieldText:      f.Text != nil,
		model.FieldNumber:    f.Number != nil,
		model.FieldReference: f.Reference != nil,
		model.FieldEnum:      f.Enum != nil,
		model.FieldList:      f.List != nil,
	}
	for t, set := range settings {
		if set && t != f.Type {
			out = append(out, fmt.Sprintf("%s settings not allowed on %s field", t, f.Type))
		}
	}

	switch f.Type {
	case model.FieldText:
		if f.Text != nil && f.Text.Pattern != "" {
			if _, err := regexp.Compile(f.Text.Pattern); err != nil {
				out = append(out, fmt.Sprintf("invalid pattern: %v", err))
			}
		}
		if f.Text != nil && f.Text.MaxLength < 0 {
			out = append(out, "maxLength must not be negative")
		}
	case model.FieldNumber:
		if n := f.Number; n != nil && n.Min != nil && n.Max != nil && *n.Min > *n.Max {
			out = append(out, "min is greater than max")
		}
	case model.FieldReference:
		if f.Reference == nil || len(f.Reference.TargetTypes) == 0 {
			out = append(out, "reference fields must name at least one target type")
		} else {
			for _, t := range f.Reference.TargetTypes {
				if !ValidKey(t) {
					out = append(out, fmt.Sprintf("invalid target type %q", t))
				}
			}
		}
	case model.FieldEnum:
		if f.Enum == nil || len(f.Enum.Options) == 0 {
			out = append(out, "enum fields must list options")
		} else {
			opts := make(map[string]bool, len(f.Enum.Options))
			for _, o := range f.Enum.Options {
				if opts[o] {
					out = append(out, fmt.Sprintf("duplicate option %q", o))
				}
				opts[o] = true
			}
		}
	case model.FieldList:
		l := f.List
		switch {
		case l == nil:
			out = append(out, "list fields must declare an itemType")
		case !l.ItemType.IsKnown():
			out = append(out, fmt.Sprintf("unknown itemType %q", l.ItemType))
		case l.ItemType == model.FieldList:
			out = append(out, "lists of lists are not supported")
		}
		if l != nil && l.MaxItems > 0 && l.MinItems > l.MaxItems {
			out = append(out, "minItems is greater than maxItems")
		}
	}
	return out
}
