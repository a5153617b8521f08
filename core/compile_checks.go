package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ AssignmentPolicy = LeastLoadedPolicy{}
	_ AssignmentPolicy = RoundRobinPolicy{}
	_ AssignmentPolicy = RuleBasedPolicy{}
	_ ConsumerRegistry = (*EventConsumerRegistry)(nil)
	_ EventConsumer    = EventConsumerFunc(nil)
	_ EventConsumer    = LoggingConsumer{}
	_ PublishNotifier  = NopPublishNotifier{}
	_ PublishNotifier  = (*InProcessPublisher)(nil)
	_ PublishNotifier  = (*JobPublishNotifier)(nil)
	_ ConfigProvider   = (*CfgxConfigProvider)(nil)
	_ OptionsResolver  = GoOptionsResolver{}
	_ RawConfigLoader  = StaticRawConfigLoader{}

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
