// Package codec provides payload marshalers for application messages
// carried over framewire transports. The frame layer moves opaque byte
// slices; codecs give callers a uniform way to put structured data
// inside them.
package codec

import "fmt"

// Codec marshals typed values to the byte payloads the transports carry.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry resolves codecs by content type or short alias
// ("json", "cbor", "proto").
type Registry struct {
	byType  map[string]Codec
	byAlias map[string]Codec
}

// NewRegistry returns a registry preloaded with JSON and Protobuf.
// CBOR carries an error path on construction and is added via
// Register(MustCBOR(), "cbor") or explicitly by the caller.
func NewRegistry() *Registry {
	r := &Registry{
		byType:  make(map[string]Codec),
		byAlias: make(map[string]Codec),
	}
	r.Register(JSON(), "json")
	r.Register(Proto(), "proto")
	return r
}

// Register adds a codec under its content type and any extra aliases.
func (r *Registry) Register(c Codec, aliases ...string) {
	r.byType[c.ContentType()] = c
	for _, a := range aliases {
		r.byAlias[a] = c
	}
}

// Get returns the codec for a content type or alias, or nil.
func (r *Registry) Get(name string) Codec {
	if c, ok := r.byType[name]; ok {
		return c
	}
	return r.byAlias[name]
}

// Resolve is Get with an error for unknown names.
func (r *Registry) Resolve(name string) (Codec, error) {
	if c := r.Get(name); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("codec: unknown format %q", name)
}
