package engine

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/a-essam23/go-relay/pkg/pipeline"
)

/*
* The central registry of frame handlers, keyed by inbound frame type.
 */
type Registry struct {
	logger    *slog.Logger
	handlers  map[string]pipeline.HandlerFunc
	handlerMu sync.RWMutex
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]pipeline.HandlerFunc),
		logger:   logger.With(slog.String("component", "engine_registry")),
	}
}

func (r *Registry) RegisterHandler(frameType string, fn pipeline.HandlerFunc) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	if _, exists := r.handlers[frameType]; exists {
		panic("handler already registered: " + frameType)
	}
	r.handlers[frameType] = fn
}

func (r *Registry) GetHandler(frameType string) (pipeline.HandlerFunc, bool) {
	r.handlerMu.RLock()
	defer r.handlerMu.RUnlock()
	fn, ok := r.handlers[frameType]
	return fn, ok
}

// Types returns every registered frame type, sorted.
func (r *Registry) Types() []string {
	r.handlerMu.RLock()
	defer r.handlerMu.RUnlock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
