package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/morphgrid/model"
)

// HandlerRequest is what the engine hands to an execution handler: the
// resolved node identity, its gathered input values, the authoring-time
// parameter map, and the names of the outputs the node declares.
type HandlerRequest struct {
	Node      model.Identity
	Reference string
	Inputs    map[string]cty.Value
	Params    map[string]cty.Value
	Outputs   []string
}

// HandlerResult carries a handler's named outputs and any metrics it
// reports, confidence in particular.
type HandlerResult struct {
	Outputs map[string]cty.Value
	Metrics map[string]float64
}

// Handler is one opaque callable execution unit. The engine tolerates it
// failing, timing out, or returning a result missing declared output names.
type Handler func(ctx context.Context, req HandlerRequest) (*HandlerResult, error)

// Handlers maps execution-logic reference strings to Go handler functions.
// Registration happens at process start; unknown references are rejected at
// composition time rather than deep into execution.
type Handlers struct {
	mu    sync.RWMutex
	byRef map[string]Handler
}

// NewHandlers creates an empty handler registry.
func NewHandlers() *Handlers {
	return &Handlers{byRef: make(map[string]Handler)}
}

// Register binds a reference string to a handler. Registering the same
// reference twice is a programming error and panics, mirroring how module
// registration behaves elsewhere in the process bootstrap.
func (h *Handlers) Register(ref string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.byRef[ref]; exists {
		panic(fmt.Sprintf("handler with reference %q already registered", ref))
	}
	slog.Debug("Registering execution handler.", "reference", ref)
	h.byRef[ref] = handler
}

// Resolve returns the handler bound to a reference.
func (h *Handlers) Resolve(ref string) (Handler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handler, ok := h.byRef[ref]
	return handler, ok
}

// References returns all registered reference strings, sorted.
func (h *Handlers) References() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.byRef))
	for ref := range h.byRef {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

// Module is implemented by built-in handler packages that register
// themselves during process bootstrap.
type Module interface {
	Register(h *Handlers)
}
