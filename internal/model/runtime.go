package model

import "encoding/json"

// UnparsedRuntimeTag is the sentinel RuntimeTag used when the "runtime" field
// of a keepalive could not be matched against any registered variant.
const UnparsedRuntimeTag = "unparsed"

// RuntimeDecoder attempts to decode a raw JSON value as a known runtime
// variant, returning the tag it was decoded as. Decoders are tried in
// registration order; the first one that parses successfully wins.
type RuntimeDecoder func(raw json.RawMessage) (tag string, ok bool)

// RuntimeRegistry is a small closed set of runtime-variant decoders, the same
// register-by-name / lookup-by-name shape as the teacher's adapter registry,
// applied to decoding the "runtime" tagged union instead of dispatching
// per-agent adapters.
type RuntimeRegistry struct {
	order    []string
	decoders map[string]RuntimeDecoder
}

// NewRuntimeRegistry returns an empty registry.
func NewRuntimeRegistry() *RuntimeRegistry {
	return &RuntimeRegistry{decoders: map[string]RuntimeDecoder{}}
}

// DefaultRuntimeRegistry returns a registry that accepts any well-formed JSON
// object or array as an opaque runtime payload, tagged "generic". Callers
// compose additional, more specific variants on top with Register.
func DefaultRuntimeRegistry() *RuntimeRegistry {
	reg := NewRuntimeRegistry()
	reg.Register("generic", func(raw json.RawMessage) (string, bool) {
		if len(raw) == 0 {
			return "", false
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return "", false
		}
		switch v.(type) {
		case map[string]any, []any:
			return "generic", true
		}
		return "", false
	})
	return reg
}

// Register adds a named decoder, tried after every previously registered one.
func (r *RuntimeRegistry) Register(tag string, decode RuntimeDecoder) {
	if _, exists := r.decoders[tag]; !exists {
		r.order = append(r.order, tag)
	}
	r.decoders[tag] = decode
}

// Decode runs the registered decoders in order and returns the first match's
// tag, or UnparsedRuntimeTag if none matched (including an empty payload).
func (r *RuntimeRegistry) Decode(raw json.RawMessage) string {
	for _, tag := range r.order {
		if decodedTag, ok := r.decoders[tag](raw); ok {
			return decodedTag
		}
	}
	return UnparsedRuntimeTag
}
