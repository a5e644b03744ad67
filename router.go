package emficampaign

import (
	"fmt"

	"go.viam.com/rdk/logging"
)

// Handler processes one transmission carrying a specific keyword.
type Handler func(Transmission)

// MessageRouter dispatches parsed transmissions to handlers by keyword
// (case-sensitive). Handlers are registered once during setup; Seal freezes
// the table before any serial traffic is processed. Unknown keywords are
// logged and ignored.
type MessageRouter struct {
	logger   logging.Logger
	handlers map[string]Handler
	sealed   bool
}

func NewMessageRouter(logger logging.Logger) *MessageRouter {
	return &MessageRouter{
		logger:   logger,
		handlers: map[string]Handler{},
	}
}

// Register binds keyword to handler. It must be called before Seal.
func (r *MessageRouter) Register(keyword string, handler Handler) error {
	if r.sealed {
		return fmt.Errorf("router is sealed, cannot register %q", keyword)
	}
	if handler == nil {
		return fmt.Errorf("nil handler for keyword %q", keyword)
	}
	if _, ok := r.handlers[keyword]; ok {
		return fmt.Errorf("keyword %q already registered", keyword)
	}
	r.handlers[keyword] = handler
	return nil
}

// Seal makes the routing table immutable for the lifetime of the run.
func (r *MessageRouter) Seal() {
	r.sealed = true
}

// Route invokes the matching handler synchronously.
func (r *MessageRouter) Route(t Transmission) {
	handler, ok := r.handlers[t.Keyword]
	if !ok {
		r.logger.Warnf("target sent unexpected keyword: %q", t.Keyword)
		return
	}
	handler(t)
}
