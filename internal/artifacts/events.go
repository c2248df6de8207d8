package artifacts

import (
	"context"
	"fmt"
	"sync"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/logging"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/ocidist"
)

// EventKind is the kind of change the host registry reported.
type EventKind int

const (
	EventPush EventKind = iota + 1
	EventDelete
)

func (k EventKind) String() string {
	switch k {
	case EventPush:
		return "push"
	case EventDelete:
		return "delete"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event describes a manifest being pushed to or deleted from a repository.
type Event struct {
	Kind       EventKind
	Repository ocidist.Repository
	Tag        string
	Digest     digest.Digest
	MediaType  string
}

// EventHandler reacts to an event.
type EventHandler func(ctx context.Context, ev Event) error

// EventSubscriber is implemented by translators that want to hear about
// changes made to the registry by any client, not just through the
// translator itself.
type EventSubscriber interface {
	SubscribeEvents(n *Notifier)
}

// Notifier dispatches events to the handlers subscribed to their kind.
//
// Handlers are isolated from one another: a handler that returns an error
// or panics is logged, and the remaining handlers still run.
type Notifier struct {
	mu       sync.RWMutex
	handlers map[EventKind][]subscription
}

type subscription struct {
	name   string
	handle EventHandler
}

func NewNotifier() *Notifier {
	return &Notifier{handlers: make(map[EventKind][]subscription)}
}

// Subscribe registers a handler, under a name used in logs, for events of
// the given kind. Handlers run in the order they were subscribed.
func (n *Notifier) Subscribe(kind EventKind, name string, handle EventHandler) {
	n.mu.Lock()
	n.handlers[kind] = append(n.handlers[kind], subscription{name: name, handle: handle})
	n.mu.Unlock()
}

// Notify runs every handler subscribed to the event's kind, returning how
// many of them failed.
func (n *Notifier) Notify(ctx context.Context, ev Event) int {
	n.mu.RLock()
	subs := n.handlers[ev.Kind]
	n.mu.RUnlock()

	ctx = logging.ContextWithFields(ctx, logrus.Fields{
		"event":      ev.Kind.String(),
		"repository": ev.Repository.String(),
		"digest":     ev.Digest,
	})
	failed := 0
	for _, sub := range subs {
		if err := runHandler(ctx, sub, ev); err != nil {
			logging.ContextLogger(ctx).WithField("handler", sub.name).WithError(err).Error("event handler failed")
			failed++
		}
	}
	return failed
}

func runHandler(ctx context.Context, sub subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return sub.handle(ctx, ev)
}
