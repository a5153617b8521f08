package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

type Service struct {
	config            Config
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
	router            *Router
	consumers         ConsumerRegistry
	notifier          PublishNotifier
	dispatcher        *OutboxDispatcher
	gateway           OutboundGateway
	now               func() time.Time
}

type ServiceDependencies struct {
	Logger            Logger
	LoggerProvider    LoggerProvider
	MetricsRecorder   MetricsRecorder
	ErrorFactory      ErrorFactory
	ErrorMapper       ErrorMapper
	ConfigProvider    ConfigProvider
	OptionsResolver   OptionsResolver
	Store             Store
	AssigneeDirectory AssigneeDirectory
	Normalizer        Normalizer
	Router            *Router
	Consumers         ConsumerRegistry
	Notifier          PublishNotifier
	Dispatcher        *OutboxDispatcher
	Gateway           OutboundGateway
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("chatflow", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("chatflow"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.consumers == nil {
		builder.consumers = NewConsumerRegistry()
	}
	if builder.notifier == nil {
		builder.notifier = NopPublishNotifier{}
	}
	if builder.now == nil {
		builder.now = func() time.Time { return time.Now().UTC() }
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	policy := builder.policy
	if policy == nil {
		policy, err = NewAssignmentPolicy(finalConfig.Routing)
		if err != nil {
			return nil, mapBuildError(builder.errorMapper, err)
		}
	}
	router := NewRouter(policy, finalConfig.Routing, builder.assigneeDirectory)
	router.now = builder.now

	var dispatcher *OutboxDispatcher
	if builder.store != nil {
		stores := builder.store.Stores()
		dispatcher, err = NewOutboxDispatcher(stores.Outbox, stores.Events, builder.consumers, finalConfig.Publisher.DispatcherConfig())
		if err != nil {
			return nil, mapBuildError(builder.errorMapper, err)
		}
		dispatcher.logger = logger
		dispatcher.metrics = builder.metricsRecorder
		dispatcher.now = builder.now
	}

	return &Service{
		config:            finalConfig,
		logger:            logger,
		loggerProvider:    provider,
		metricsRecorder:   builder.metricsRecorder,
		errorFactory:      builder.errorFactory,
		errorMapper:       builder.errorMapper,
		configProvider:    builder.configProvider,
		optionsResolver:   builder.optionsResolver,
		store:             builder.store,
		assigneeDirectory: builder.assigneeDirectory,
		normalizer:        builder.normalizer,
		verifiers:         builder.verifiers,
		router:            router,
		consumers:         builder.consumers,
		notifier:          builder.notifier,
		dispatcher:        dispatcher,
		gateway:           builder.gateway,
		now:               builder.now,
	}, nil
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return NewService(cfg, opts...)
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:            s.logger,
		LoggerProvider:    s.loggerProvider,
		MetricsRecorder:   s.metricsRecorder,
		ErrorFactory:      s.errorFactory,
		ErrorMapper:       s.errorMapper,
		ConfigProvider:    s.configProvider,
		OptionsResolver:   s.optionsResolver,
		Store:             s.store,
		AssigneeDirectory: s.assigneeDirectory,
		Normalizer:        s.normalizer,
		Router:            s.router,
		Consumers:         s.consumers,
		Notifier:          s.notifier,
		Dispatcher:        s.dispatcher,
		Gateway:           s.gateway,
	}
}

// SetPublishNotifier swaps the notifier after construction, for notifiers
// that need the service's own dispatcher.
func (s *Service) SetPublishNotifier(notifier PublishNotifier) {
	if s == nil {
		return
	}
	if notifier == nil {
		notifier = NopPublishNotifier{}
	}
	s.notifier = notifier
}

func (s *Service) DispatchPending(ctx context.Context, batchSize int) (stats DispatchStats, err error) {
	startedAt := time.Now().UTC()
	defer func() {
		s.observeOperation(ctx, startedAt, "dispatch_pending", err, map[string]any{
			"claimed":   stats.Claimed,
			"delivered": stats.Delivered,
			"retried":   stats.Retried,
			"failed":    stats.Failed,
		})
	}()
	if s == nil || s.dispatcher == nil {
		err = s.mapError(fmt.Errorf("core: outbox dispatcher is not configured"))
		return DispatchStats{}, err
	}
	stats, err = s.dispatcher.DispatchPending(ctx, batchSize)
	if err != nil {
		err = s.mapError(err)
	}
	return stats, err
}

func (s *Service) GetConversation(ctx context.Context, conversationID string) (view ConversationView, err error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return ConversationView{}, badInputError("conversation_id", "conversation_id is required")
	}
	if err := s.requireStore(); err != nil {
		return ConversationView{}, err
	}
	stores := s.store.Stores()
	conversation, err := stores.Conversations.Get(ctx, conversationID)
	if err != nil {
		return ConversationView{}, s.storeError("get_conversation", err)
	}
	participants, err := stores.Participants.List(ctx, conversationID)
	if err != nil {
		return ConversationView{}, s.storeError("list_participants", err)
	}
	history, err := stores.History.List(ctx, conversationID)
	if err != nil {
		return ConversationView{}, s.storeError("list_assignment_history", err)
	}
	return ConversationView{
		Conversation: conversation,
		Participants: participants,
		History:      history,
	}, nil
}

func (s *Service) ListParticipants(ctx context.Context, conversationID string) ([]ThreadParticipant, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, badInputError("conversation_id", "conversation_id is required")
	}
	if err := s.requireStore(); err != nil {
		return nil, err
	}
	stores := s.store.Stores()
	if _, err := stores.Conversations.Get(ctx, conversationID); err != nil {
		return nil, s.storeError("get_conversation", err)
	}
	participants, err := stores.Participants.List(ctx, conversationID)
	if err != nil {
		return nil, s.storeError("list_participants", err)
	}
	return participants, nil
}

func (s *Service) GetEvent(ctx context.Context, eventID string) (CanonicalEvent, EventLink, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return CanonicalEvent{}, EventLink{}, badInputError("event_id", "event_id is required")
	}
	if err := s.requireStore(); err != nil {
		return CanonicalEvent{}, EventLink{}, err
	}
	stores := s.store.Stores()
	event, err := stores.Events.Get(ctx, eventID)
	if err != nil {
		return CanonicalEvent{}, EventLink{}, s.storeError("get_event", err)
	}
	link, err := stores.Events.GetLink(ctx, eventID)
	if err != nil && !isNotFound(err) {
		return CanonicalEvent{}, EventLink{}, s.storeError("get_event_link", err)
	}
	return event, link, nil
}

func (s *Service) requireStore() error {
	if s == nil || s.store == nil {
		return s.mapError(fmt.Errorf("core: store is not configured"))
	}
	return nil
}

// storeError keeps not-found and domain errors as they are and reports
// everything else as an unavailable store.
func (s *Service) storeError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return s.mapError(err)
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureServiceErrorEnvelope(richErr)
	}
	return storeUnavailableError(operation, err)
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	mapped := s.errorMapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func normalizeProviderID(providerID string) string {
	return strings.ToLower(strings.TrimSpace(providerID))
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
