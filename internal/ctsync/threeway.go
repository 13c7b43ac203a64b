package ctsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"ctsync/internal/hashing"
	"ctsync/internal/model"
)

// slot is a value in a three-way comparison; ok is false when the attribute
// is absent on that side.
type slot struct {
	v  any
	ok bool
}

// definitionTree decodes def into a generic tree with fields keyed by their
// key. A nil definition (tombstone) yields an absent slot.
func definitionTree(def *model.ContentTypeDefinition) (slot, error) {
	if def == nil {
		return slot{}, nil
	}
	data, err := hashing.Canonicalize(hashing.Normalize(def))
	if err != nil {
		return slot{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var tree map[string]any
	if err := dec.Decode(&tree); err != nil {
		return slot{}, fmt.Errorf("decoding %s: %w", def.Key, err)
	}

	if list, ok := tree["fields"].([]any); ok {
		byKey := make(map[string]any, len(list))
		for _, item := range list {
			f, ok := item.(map[string]any)
			if !ok {
				continue
			}
			k, _ := f["key"].(string)
			byKey[k] = f
		}
		tree["fields"] = byKey
	}
	return slot{v: tree, ok: true}, nil
}

// expands reports whether the node at path is compared member by member.
// Deeper nodes, and any node whose shape differs between sides, are leaves.
func expands(path []string) bool {
	switch len(path) {
	case 0:
		return true
	case 1:
		return path[0] == "fields" || path[0] == "metadata" || path[0] == "extensions"
	case 2:
		return path[0] == "fields"
	default:
		return false
	}
}

func (s slot) object() (map[string]any, bool) {
	if !s.ok {
		return nil, false
	}
	m, ok := s.v.(map[string]any)
	return m, ok
}

func (s slot) encode() string {
	if !s.ok {
		return ""
	}
	data, err := json.Marshal(s.v)
	if err != nil {
		return fmt.Sprintf("%#v", s.v)
	}
	return string(data)
}

func (s slot) raw() json.RawMessage {
	if !s.ok {
		return nil
	}
	return json.RawMessage(s.encode())
}

func member(m map[string]any, k string) slot {
	v, ok := m[k]
	return slot{v: v, ok: ok}
}

// merge3 merges local and remote against ancestor. Attributes changed on one
// side take that side's value; attributes changed identically on both sides
// converge. Attributes changed differently are appended to conflicts and the
// local value is kept.
func merge3(path []string, ancestor, local, remote slot, conflicts *[]model.ConflictingField) slot {
	if expands(path) {
		am, aok := ancestor.object()
		lm, lok := local.object()
		rm, rok := remote.object()
		// An absent ancestor compares as an empty object.
		if lok && rok && (aok || !ancestor.ok) {
			keys := unionKeys(am, lm, rm)
			out := make(map[string]any, len(keys))
			for _, k := range keys {
				child := append(path[:len(path):len(path)], k)
				s := merge3(child, member(am, k), member(lm, k), member(rm, k), conflicts)
				if s.ok {
					out[k] = s.v
				}
			}
			return slot{v: out, ok: true}
		}
	}

	a, l, r := ancestor.encode(), local.encode(), remote.encode()
	switch {
	case l == r:
		return local
	case a == l:
		return remote
	case a == r:
		return local
	}
	*conflicts = append(*conflicts, model.ConflictingField{
		Field:         strings.Join(path, "."),
		LocalValue:    local.raw(),
		RemoteValue:   remote.raw(),
		AncestorValue: ancestor.raw(),
	})
	return local
}

func unionKeys(maps ...map[string]any) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, m := range maps {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

// mergeDefinitions three-way merges two definitions. The merged definition
// is only meaningful when no conflicting fields are returned. A nil merged
// definition means the merge result is a deletion.
func mergeDefinitions(ancestor, local, remote *model.ContentTypeDefinition) (*model.ContentTypeDefinition, []model.ConflictingField, error) {
	a, err := definitionTree(ancestor)
	if err != nil {
		return nil, nil, err
	}
	l, err := definitionTree(local)
	if err != nil {
		return nil, nil, err
	}
	r, err := definitionTree(remote)
	if err != nil {
		return nil, nil, err
	}

	var conflicts []model.ConflictingField
	merged := merge3(nil, a, l, r, &conflicts)
	if !merged.ok {
		return nil, conflicts, nil
	}
	def, err := treeToDefinition(merged.v.(map[string]any), local, remote)
	if err != nil {
		return nil, nil, err
	}
	return def, conflicts, nil
}

// treeToDefinition rebuilds a definition from a merged tree. Fields follow
// the order they have in the order hints, then key order.
func treeToDefinition(tree map[string]any, hints ...*model.ContentTypeDefinition) (*model.ContentTypeDefinition, error) {
	out := make(map[string]any, len(tree))
	for k, v := range tree {
		out[k] = v
	}

	if byKey, ok := tree["fields"].(map[string]any); ok {
		var order []string
		placed := make(map[string]bool, len(byKey))
		for _, h := range hints {
			if h == nil {
				continue
			}
			for _, f := range h.Fields {
				if _, ok := byKey[f.Key]; ok && !placed[f.Key] {
					placed[f.Key] = true
					order = append(order, f.Key)
				}
			}
		}
		var rest []string
		for k := range byKey {
			if !placed[k] {
				rest = append(rest, k)
			}
		}
		sort.Strings(rest)
		order = append(order, rest...)

		list := make([]any, 0, len(order))
		for _, k := range order {
			list = append(list, byKey[k])
		}
		out["fields"] = list
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encoding merged definition: %w", err)
	}
	var def model.ContentTypeDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decoding merged definition: %w", err)
	}
	return &def, nil
}
