// Package canonical derives stable byte representations and hashes for
// arbitrary values, for use as map keys inside multiset and index internals.
//
// The traversal mirrors the reflection-driven walk in internal/jsonschema:
// rather than trusting encoding/json's default map-key ordering, it
// recursively normalizes the value into maps, slices and scalars itself, so
// the resulting bytes are stable across Go versions and independent of
// struct field order surprises with embedded fields.
package canonical

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"reflect"
	"sort"
)

// Bytes returns a canonical JSON-like byte encoding of v. Two values that are
// structurally equal (same fields/elements, any map key order) produce
// identical bytes.
func Bytes(v any) []byte {
	normalized := normalize(reflect.ValueOf(v))
	encoded, err := json.Marshal(normalized)
	if err != nil {
		// normalize() only ever produces json-marshalable primitives, maps
		// and slices, so this path is unreachable in practice.
		return []byte(fmt.Sprintf("%#v", v))
	}
	return encoded
}

// Hash returns an FNV-1a hash of v's canonical encoding, suitable as a Go map
// key when v itself is not comparable (slices, maps, pointers to structs
// containing those).
func Hash(v any) uint64 {
	h := fnv.New64a()
	h.Write(Bytes(v))
	return h.Sum64()
}

// Equal reports whether a and b have identical canonical encodings.
func Equal(a, b any) bool {
	return string(Bytes(a)) == string(Bytes(b))
}

func normalize(val reflect.Value) any {
	if !val.IsValid() {
		return nil
	}

	switch val.Kind() {
	case reflect.Pointer, reflect.Interface:
		if val.IsNil() {
			return nil
		}
		return normalize(val.Elem())
	case reflect.Struct:
		return normalizeStruct(val)
	case reflect.Map:
		return normalizeMap(val)
	case reflect.Slice, reflect.Array:
		return normalizeSlice(val)
	default:
		return val.Interface()
	}
}

func normalizeStruct(val reflect.Value) map[string]any {
	typ := val.Type()
	out := make(map[string]any, typ.NumField())
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}
		out[field.Name] = normalize(val.Field(i))
	}
	return out
}

func normalizeMap(val reflect.Value) map[string]any {
	out := make(map[string]any, val.Len())
	iter := val.MapRange()
	for iter.Next() {
		out[fmt.Sprint(iter.Key().Interface())] = normalize(iter.Value())
	}
	return out
}

func normalizeSlice(val reflect.Value) []any {
	if val.Kind() == reflect.Slice && val.IsNil() {
		return nil
	}
	out := make([]any, val.Len())
	for i := 0; i < val.Len(); i++ {
		out[i] = normalize(val.Index(i))
	}
	return out
}

// SortedKeys returns the keys of m in sorted order. Exposed for callers that
// need deterministic iteration over a canonical-keyed map without paying for
// a full re-encode.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
