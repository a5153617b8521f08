package gateway

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-chatflow/core"
)

type Factory func(cfg core.GatewayConfig) (core.OutboundGateway, error)

// Registry maps gateway.kind values to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// NewDefaultRegistry knows the noop, simulated and rest kinds.
func NewDefaultRegistry() *Registry {
	registry := NewRegistry()
	_ = registry.Register(KindNoop, func(core.GatewayConfig) (core.OutboundGateway, error) {
		return NoopGateway{}, nil
	})
	_ = registry.Register(KindSimulated, func(core.GatewayConfig) (core.OutboundGateway, error) {
		return NewSimulatedGateway(), nil
	})
	_ = registry.Register(KindREST, func(cfg core.GatewayConfig) (core.OutboundGateway, error) {
		return NewRESTGateway(cfg)
	})
	return registry
}

func (r *Registry) Register(kind string, factory Factory) error {
	if r == nil {
		return fmt.Errorf("gateway: registry is nil")
	}
	kind = normalizeKind(kind)
	if kind == "" {
		return fmt.Errorf("gateway: kind is required")
	}
	if factory == nil {
		return fmt.Errorf("gateway: factory is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("gateway: kind %q already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// Build returns the gateway selected by cfg.Kind. An empty kind builds noop.
func (r *Registry) Build(cfg core.GatewayConfig) (core.OutboundGateway, error) {
	if r == nil {
		return nil, fmt.Errorf("gateway: registry is nil")
	}
	kind := normalizeKind(cfg.Kind)
	if kind == "" {
		kind = KindNoop
	}

	r.mu.RLock()
	factory := r.factories[kind]
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("gateway: kind %q not registered", kind)
	}
	built, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	if built == nil {
		return nil, fmt.Errorf("gateway: factory for %q returned nil gateway", kind)
	}
	return built, nil
}

func (r *Registry) Kinds() []string {
	if r == nil {
		return []string{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// New builds the configured gateway from the default registry.
func New(cfg core.GatewayConfig) (core.OutboundGateway, error) {
	return NewDefaultRegistry().Build(cfg)
}

func normalizeKind(kind string) string {
	return strings.TrimSpace(strings.ToLower(kind))
}
