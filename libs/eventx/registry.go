package eventx

import "sort"

// Registry is the set of event types a service knows how to speak. Decoding
// an envelope whose type is not registered fails with ErrUnknownType so the
// consumer can park the message instead of guessing at its schema.
type Registry struct {
	types map[string]struct{}
}

func NewRegistry(types ...string) *Registry {
	r := &Registry{types: make(map[string]struct{}, len(types))}
	r.Register(types...)
	return r
}

func (r *Registry) Register(types ...string) {
	for _, t := range types {
		if t != "" {
			r.types[t] = struct{}{}
		}
	}
}

func (r *Registry) Known(eventType string) bool {
	_, ok := r.types[eventType]
	return ok
}

func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
