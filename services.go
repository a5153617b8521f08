package chatflow

import "github.com/goliatone/go-chatflow/core"

type Config = core.Config

type Option = core.Option

type Service = core.Service

type ServiceDependencies = core.ServiceDependencies

type InboundRequest = core.InboundRequest
type IngestResult = core.IngestResult
type CanonicalEvent = core.CanonicalEvent
type Conversation = core.Conversation
type ConversationView = core.ConversationView

type AssignRequest = core.AssignRequest
type HandoffRequest = core.HandoffRequest
type ReleaseRequest = core.ReleaseRequest
type CloseRequest = core.CloseRequest

var (
	WithLogger            = core.WithLogger
	WithLoggerProvider    = core.WithLoggerProvider
	WithMetricsRecorder   = core.WithMetricsRecorder
	WithErrorFactory      = core.WithErrorFactory
	WithErrorMapper       = core.WithErrorMapper
	WithConfigProvider    = core.WithConfigProvider
	WithOptionsResolver   = core.WithOptionsResolver
	WithStore             = core.WithStore
	WithAssigneeDirectory = core.WithAssigneeDirectory
	WithNormalizer        = core.WithNormalizer
	WithSignatureVerifier = core.WithSignatureVerifier
	WithAssignmentPolicy  = core.WithAssignmentPolicy
	WithConsumerRegistry  = core.WithConsumerRegistry
	WithPublishNotifier   = core.WithPublishNotifier
	WithOutboundGateway   = core.WithOutboundGateway
	WithClock             = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return core.Setup(cfg, opts...)
}
