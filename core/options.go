package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type serviceBuilder struct {
	runtimeConfig     Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	store             Store
	assigneeDirectory AssigneeDirectory
	normalizer        Normalizer
	verifiers         map[string]SignatureVerifier
	policy            AssignmentPolicy
	consumers         ConsumerRegistry
	notifier          PublishNotifier
	gateway           OutboundGateway
	now               func() time.Time
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorFactory(factory ErrorFactory) Option {
	return func(b *serviceBuilder) {
		b.errorFactory = factory
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithStore(store Store) Option {
	return func(b *serviceBuilder) {
		b.store = store
	}
}

// WithAssigneeDirectory overrides where the routing roster is read from.
// Load is always read from the store.
func WithAssigneeDirectory(directory AssigneeDirectory) Option {
	return func(b *serviceBuilder) {
		b.assigneeDirectory = directory
	}
}

func WithNormalizer(normalizer Normalizer) Option {
	return func(b *serviceBuilder) {
		b.normalizer = normalizer
	}
}

func WithSignatureVerifier(providerID string, verifier SignatureVerifier) Option {
	return func(b *serviceBuilder) {
		key := normalizeProviderID(providerID)
		if key == "" || verifier == nil {
			return
		}
		if b.verifiers == nil {
			b.verifiers = map[string]SignatureVerifier{}
		}
		b.verifiers[key] = verifier
	}
}

func WithAssignmentPolicy(policy AssignmentPolicy) Option {
	return func(b *serviceBuilder) {
		b.policy = policy
	}
}

func WithConsumerRegistry(registry ConsumerRegistry) Option {
	return func(b *serviceBuilder) {
		b.consumers = registry
	}
}

func WithPublishNotifier(notifier PublishNotifier) Option {
	return func(b *serviceBuilder) {
		b.notifier = notifier
	}
}

func WithOutboundGateway(gateway OutboundGateway) Option {
	return func(b *serviceBuilder) {
		b.gateway = gateway
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *serviceBuilder) {
		b.now = now
	}
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	loggerProvider, logger := glog.Resolve("chatflow", nil, nil)
	return serviceBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorFactory:    goerrors.New,
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		consumers:       NewConsumerRegistry(),
		notifier:        NopPublishNotifier{},
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return serviceErrorMapper(err)
}

type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	putString(layer, "service_name", cfg.ServiceName, includeZero)

	ingest := map[string]any{}
	putString(ingest, "timeout", cfg.Ingest.Timeout, includeZero)
	putString(ingest, "default_provider", cfg.Ingest.DefaultProvider, includeZero)
	putString(ingest, "default_channel", cfg.Ingest.DefaultChannel, includeZero)
	if includeZero || cfg.Ingest.RequireSignature {
		ingest["require_signature"] = cfg.Ingest.RequireSignature
	}
	if includeZero || cfg.Ingest.MaxBodyBytes > 0 {
		ingest["max_body_bytes"] = cfg.Ingest.MaxBodyBytes
	}
	putSection(layer, "ingest", ingest)

	routing := map[string]any{}
	putString(routing, "policy", cfg.Routing.Policy, includeZero)
	putString(routing, "roster_cache_ttl", cfg.Routing.RosterCacheTTL, includeZero)
	if includeZero || cfg.Routing.AutoAssign {
		routing["auto_assign"] = cfg.Routing.AutoAssign
	}
	if includeZero || cfg.Routing.MaxCASAttempts > 0 {
		routing["max_cas_attempts"] = cfg.Routing.MaxCASAttempts
	}
	if includeZero || len(cfg.Routing.Rules) > 0 {
		rules := make([]any, 0, len(cfg.Routing.Rules))
		for _, rule := range cfg.Routing.Rules {
			rules = append(rules, map[string]any{
				"tag":       rule.Tag,
				"skill":     rule.Skill,
				"assignees": append([]string(nil), rule.Assignees...),
			})
		}
		routing["rules"] = rules
	}
	putSection(layer, "routing", routing)

	publisher := map[string]any{}
	putString(publisher, "mode", cfg.Publisher.Mode, includeZero)
	putString(publisher, "initial_backoff", cfg.Publisher.InitialBackoff, includeZero)
	putString(publisher, "max_backoff", cfg.Publisher.MaxBackoff, includeZero)
	putString(publisher, "poll_interval", cfg.Publisher.PollInterval, includeZero)
	putString(publisher, "claim_lease", cfg.Publisher.ClaimLease, includeZero)
	if includeZero || cfg.Publisher.BatchSize > 0 {
		publisher["batch_size"] = cfg.Publisher.BatchSize
	}
	if includeZero || cfg.Publisher.MaxAttempts > 0 {
		publisher["max_attempts"] = cfg.Publisher.MaxAttempts
	}
	putSection(layer, "publisher", publisher)

	gateway := map[string]any{}
	putString(gateway, "kind", cfg.Gateway.Kind, includeZero)
	putString(gateway, "base_url", cfg.Gateway.BaseURL, includeZero)
	putString(gateway, "send_path", cfg.Gateway.SendPath, includeZero)
	putString(gateway, "token", cfg.Gateway.Token, includeZero)
	putString(gateway, "timeout", cfg.Gateway.Timeout, includeZero)
	putString(gateway, "handoff_notice", cfg.Gateway.HandoffNotice, includeZero)
	if includeZero || cfg.Gateway.RatePerSecond > 0 {
		gateway["rate_per_second"] = cfg.Gateway.RatePerSecond
	}
	if includeZero || cfg.Gateway.Burst > 0 {
		gateway["burst"] = cfg.Gateway.Burst
	}
	putSection(layer, "gateway", gateway)
	return layer
}

func putString(layer map[string]any, key, value string, includeZero bool) {
	if includeZero || strings.TrimSpace(value) != "" {
		layer[key] = value
	}
}

func putSection(layer map[string]any, key string, section map[string]any) {
	if len(section) == 0 {
		return
	}
	layer[key] = section
}
