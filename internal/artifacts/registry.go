package artifacts

import (
	"fmt"
)

// Registry is the fixed set of translators the service runs, keyed by
// protocol name.
type Registry struct {
	translators map[string]Translator
	names       []string
}

// NewRegistry builds a registry of the given translators, failing if two
// of them have the same name.
func NewRegistry(translators ...Translator) (*Registry, error) {
	r := &Registry{translators: make(map[string]Translator, len(translators))}
	for _, t := range translators {
		name := t.Name()
		if _, exists := r.translators[name]; exists {
			return nil, fmt.Errorf("duplicate translator for protocol %q", name)
		}
		r.translators[name] = t
		r.names = append(r.names, name)
	}
	return r, nil
}

func (r *Registry) Get(name string) (Translator, bool) {
	t, ok := r.translators[name]
	return t, ok
}

// Names returns the protocol names in the order the translators were
// given to [NewRegistry].
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// SubscribeEvents subscribes every translator that implements
// [EventSubscriber] to the given notifier.
func (r *Registry) SubscribeEvents(n *Notifier) {
	for _, name := range r.names {
		if sub, ok := r.translators[name].(EventSubscriber); ok {
			sub.SubscribeEvents(n)
		}
	}
}
