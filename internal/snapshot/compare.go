package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Diff lists leaf paths by how they changed between two snapshots.
// Paths use dots for object members ("metadata.owner") and brackets for
// array elements: the element's "key" attribute when every element of the
// array has one ("fields[title].label"), otherwise its index ("tags[0]").
type Diff struct {
	Added     []string `json:"added"`
	Modified  []string `json:"modified"`
	Removed   []string `json:"removed"`
	Unchanged []string `json:"unchanged"`
}

// HasChanges reports whether anything was added, modified or removed.
func (d *Diff) HasChanges() bool {
	return len(d.Added)+len(d.Modified)+len(d.Removed) > 0
}

// Compare restores both envelopes (verifying each) and diffs their payloads.
func Compare(a, b string) (*Diff, error) {
	left, err := Restore(a)
	if err != nil {
		return nil, fmt.Errorf("restoring first snapshot: %w", err)
	}
	right, err := Restore(b)
	if err != nil {
		return nil, fmt.Errorf("restoring second snapshot: %w", err)
	}
	return CompareJSON(left, right)
}

// CompareJSON diffs two JSON documents.
func CompareJSON(a, b []byte) (*Diff, error) {
	left, err := leaves(a)
	if err != nil {
		return nil, err
	}
	right, err := leaves(b)
	if err != nil {
		return nil, err
	}

	d := &Diff{Added: []string{}, Modified: []string{}, Removed: []string{}, Unchanged: []string{}}
	for p, lv := range left {
		rv, ok := right[p]
		switch {
		case !ok:
			d.Removed = append(d.Removed, p)
		case lv == rv:
			d.Unchanged = append(d.Unchanged, p)
		default:
			d.Modified = append(d.Modified, p)
		}
	}
	for p := range right {
		if _, ok := left[p]; !ok {
			d.Added = append(d.Added, p)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Modified)
	sort.Strings(d.Removed)
	sort.Strings(d.Unchanged)
	return d, nil
}

func leaves(doc []byte) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding snapshot payload: %w", err)
	}
	out := make(map[string]string)
	if err := flatten("", v, out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(prefix string, v any, out map[string]string) error {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 && prefix != "" {
			out[prefix] = "{}"
			return nil
		}
		for k, child := range t {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			if err := flatten(p, child, out); err != nil {
				return err
			}
		}
	case []any:
		if len(t) == 0 {
			out[prefix] = "[]"
			return nil
		}
		keyed := keyedElements(t)
		for i, child := range t {
			label := strconv.Itoa(i)
			if keyed != nil {
				label = keyed[i]
			}
			if err := flatten(prefix+"["+label+"]", child, out); err != nil {
				return err
			}
		}
	default:
		enc, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encoding leaf %s: %w", prefix, err)
		}
		out[prefix] = string(enc)
	}
	return nil
}

// keyedElements returns each element's "key" when all elements are objects
// with distinct string keys, or nil.
func keyedElements(items []any) []string {
	keys := make([]string, len(items))
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil
		}
		k, ok := obj["key"].(string)
		if !ok || k == "" || seen[k] {
			return nil
		}
		seen[k] = true
		keys[i] = k
	}
	return keys
}
