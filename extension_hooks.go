package chatflow

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-chatflow/core"
)

// ConsumerPack is a named set of downstream consumers installed together.
type ConsumerPack struct {
	Name      string
	Consumers map[string]core.EventConsumer
}

// VerifierPack supplies signature verifiers keyed by provider id.
type VerifierPack struct {
	Name      string
	Verifiers map[string]core.SignatureVerifier
}

type CommandQueryBundleFactory func(service CommandQueryService) (any, error)

// ExtensionHooks collects consumers, verifiers and command/query bundles
// contributed by embedding applications. Packs are applied in name order.
type ExtensionHooks struct {
	mu sync.RWMutex

	consumerPacks map[string]ConsumerPack
	verifierPacks map[string]VerifierPack
	bundles       map[string]CommandQueryBundleFactory
}

func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{
		consumerPacks: map[string]ConsumerPack{},
		verifierPacks: map[string]VerifierPack{},
		bundles:       map[string]CommandQueryBundleFactory{},
	}
}

func (h *ExtensionHooks) RegisterConsumerPack(pack ConsumerPack) error {
	if h == nil {
		return fmt.Errorf("chatflow: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("chatflow: consumer pack name is required")
	}
	if len(pack.Consumers) == 0 {
		return fmt.Errorf("chatflow: consumer pack %q has no consumers", name)
	}
	consumers := make(map[string]core.EventConsumer, len(pack.Consumers))
	for consumerName, consumer := range pack.Consumers {
		consumerName = strings.TrimSpace(consumerName)
		if consumerName == "" || consumer == nil {
			return fmt.Errorf("chatflow: consumer pack %q has an unnamed or nil consumer", name)
		}
		consumers[consumerName] = consumer
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.consumerPacks[name]; exists {
		return fmt.Errorf("chatflow: consumer pack %q already registered", name)
	}
	h.consumerPacks[name] = ConsumerPack{Name: name, Consumers: consumers}
	return nil
}

func (h *ExtensionHooks) RegisterVerifierPack(pack VerifierPack) error {
	if h == nil {
		return fmt.Errorf("chatflow: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("chatflow: verifier pack name is required")
	}
	if len(pack.Verifiers) == 0 {
		return fmt.Errorf("chatflow: verifier pack %q has no verifiers", name)
	}
	verifiers := make(map[string]core.SignatureVerifier, len(pack.Verifiers))
	for providerID, verifier := range pack.Verifiers {
		providerID = strings.TrimSpace(strings.ToLower(providerID))
		if providerID == "" || verifier == nil {
			return fmt.Errorf("chatflow: verifier pack %q has an unnamed or nil verifier", name)
		}
		verifiers[providerID] = verifier
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.verifierPacks[name]; exists {
		return fmt.Errorf("chatflow: verifier pack %q already registered", name)
	}
	h.verifierPacks[name] = VerifierPack{Name: name, Verifiers: verifiers}
	return nil
}

func (h *ExtensionHooks) RegisterCommandQueryBundle(
	name string,
	factory CommandQueryBundleFactory,
) error {
	if h == nil {
		return fmt.Errorf("chatflow: extension hooks are nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("chatflow: command/query bundle name is required")
	}
	if factory == nil {
		return fmt.Errorf("chatflow: command/query bundle %q factory is required", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.bundles[name]; exists {
		return fmt.Errorf("chatflow: command/query bundle %q already registered", name)
	}
	h.bundles[name] = factory
	return nil
}

// ApplyConsumerPacks registers every pack consumer as "<pack>.<consumer>".
func (h *ExtensionHooks) ApplyConsumerPacks(registry core.ConsumerRegistry) error {
	if h == nil {
		return nil
	}
	if registry == nil {
		return fmt.Errorf("chatflow: consumer registry is required")
	}
	for _, pack := range h.ConsumerPacks() {
		names := make([]string, 0, len(pack.Consumers))
		for name := range pack.Consumers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			registry.Register(pack.Name+"."+name, pack.Consumers[name])
		}
	}
	return nil
}

// ServiceOptions turns the verifier packs into core options. A provider id
// claimed by two packs is rejected.
func (h *ExtensionHooks) ServiceOptions() ([]core.Option, error) {
	if h == nil {
		return nil, nil
	}
	h.mu.RLock()
	packNames := make([]string, 0, len(h.verifierPacks))
	for name := range h.verifierPacks {
		packNames = append(packNames, name)
	}
	sort.Strings(packNames)
	owners := map[string]string{}
	opts := []core.Option{}
	for _, packName := range packNames {
		pack := h.verifierPacks[packName]
		providers := make([]string, 0, len(pack.Verifiers))
		for providerID := range pack.Verifiers {
			providers = append(providers, providerID)
		}
		sort.Strings(providers)
		for _, providerID := range providers {
			if owner, taken := owners[providerID]; taken {
				h.mu.RUnlock()
				return nil, fmt.Errorf("chatflow: provider %q verifier registered by %q and %q", providerID, owner, packName)
			}
			owners[providerID] = packName
			opts = append(opts, core.WithSignatureVerifier(providerID, pack.Verifiers[providerID]))
		}
	}
	h.mu.RUnlock()
	return opts, nil
}

func (h *ExtensionHooks) BuildCommandQueryBundles(
	service CommandQueryService,
) (map[string]any, error) {
	if h == nil {
		return map[string]any{}, nil
	}
	if service == nil {
		return nil, fmt.Errorf("chatflow: command/query service is required")
	}

	h.mu.RLock()
	names := make([]string, 0, len(h.bundles))
	factories := make(map[string]CommandQueryBundleFactory, len(h.bundles))
	for name, factory := range h.bundles {
		names = append(names, name)
		factories[name] = factory
	}
	h.mu.RUnlock()
	sort.Strings(names)

	result := make(map[string]any, len(names))
	for _, name := range names {
		bundle, err := factories[name](service)
		if err != nil {
			return nil, fmt.Errorf("chatflow: bundle %q: %w", name, err)
		}
		result[name] = bundle
	}
	return result, nil
}

func (h *ExtensionHooks) ConsumerPacks() []ConsumerPack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.consumerPacks))
	for name := range h.consumerPacks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ConsumerPack, 0, len(names))
	for _, name := range names {
		pack := h.consumerPacks[name]
		consumers := make(map[string]core.EventConsumer, len(pack.Consumers))
		for key, consumer := range pack.Consumers {
			consumers[key] = consumer
		}
		out = append(out, ConsumerPack{Name: pack.Name, Consumers: consumers})
	}
	return out
}

func (h *ExtensionHooks) BundleNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
