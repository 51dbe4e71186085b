package runtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	configpkg "github.com/rpcflow/rpcflow/internal/runtime/config"
	errspkg "github.com/rpcflow/rpcflow/internal/runtime/errors"
	idspkg "github.com/rpcflow/rpcflow/internal/runtime/ids"
	loggingpkg "github.com/rpcflow/rpcflow/internal/runtime/logging"
	topicspkg "github.com/rpcflow/rpcflow/internal/runtime/topics"
	transportpkg "github.com/rpcflow/rpcflow/transport"
)

// BuiltinTokenClientID is the topic token bound to the service's client id.
// It is applied last during resolution and cannot be shadowed.
const BuiltinTokenClientID = "clientId"

// ServiceDependencies holds the optional collaborators a Service can use.
// Leave fields zero to get the defaults.
type ServiceDependencies struct {
	// TransportOverride bypasses the registry and uses the supplied
	// publisher/subscriber pair directly. Useful for tests.
	TransportOverride *transportpkg.Transport

	// Interceptors are appended after the default interceptor chain.
	Interceptors []Interceptor

	// DisableDefaultInterceptors skips the default chain when true.
	DisableDefaultInterceptors bool

	// Hooks observe every executor dispatch on this service.
	Hooks ExecutionHooks

	// MetricsRegisterer overrides prometheus.DefaultRegisterer.
	MetricsRegisterer prometheus.Registerer
}

// Service owns the transport connection and the shared protocol state that
// invokers, executors and telemetry components hang off. One Service maps to
// one client identity on the broker.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber

	clientID     string
	capabilities transportpkg.Capabilities

	interceptors []Interceptor
	hooks        ExecutionHooks
	metrics      *serviceMetrics

	metricsServer *http.Server

	closeMu sync.Mutex
	closed  bool
	closers []func() error
}

// NewService constructs a Service for the supplied configuration, panicking
// when the transport cannot be built. Use TryNewService for an error return.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService is NewService with an error return instead of a panic.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	normalized := conf.Normalize()
	conf = &normalized

	clientID := conf.ClientID
	if clientID == "" {
		clientID = idspkg.CreateULID()
		// Transports read the client id for broker-level naming, so the
		// generated identity has to land back in the config they see.
		conf.ClientID = clientID
	}

	log.Info("Creating rpcflow service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"client_id":     clientID,
		"config":        conf,
	})

	s := &Service{
		Conf:     conf,
		Logger:   log,
		clientID: clientID,
		hooks:    deps.Hooks,
	}

	if deps.TransportOverride != nil {
		s.publisher = deps.TransportOverride.Publisher
		s.subscriber = deps.TransportOverride.Subscriber
		s.capabilities = transportpkg.Capabilities{Name: "override"}
	} else {
		wmLogger := loggingpkg.NewWatermillAdapter(log)
		tr, err := transportpkg.Build(ctx, conf, wmLogger)
		if err != nil {
			return nil, err
		}
		s.publisher = tr.Publisher
		s.subscriber = tr.Subscriber
		s.capabilities = transportpkg.GetCapabilities(conf.PubSubSystem)
	}

	if !deps.DisableDefaultInterceptors {
		s.interceptors = DefaultInterceptors(log)
	}
	s.interceptors = append(s.interceptors, deps.Interceptors...)

	if conf.MetricsEnabled {
		registerer := deps.MetricsRegisterer
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		metrics, err := newServiceMetrics(registerer)
		if err != nil {
			return nil, fmt.Errorf("rpcflow: registering metrics: %w", err)
		}
		s.metrics = metrics

		if conf.MetricsPort > 0 {
			s.startMetricsServer(conf.MetricsPort)
		}
	}

	return s, nil
}

// ClientID returns this service's stable broker identity.
func (s *Service) ClientID() string { return s.clientID }

// Capabilities reports what the backing transport supports.
func (s *Service) Capabilities() transportpkg.Capabilities { return s.capabilities }

// Publisher exposes the underlying publisher for advanced integrations.
func (s *Service) Publisher() message.Publisher { return s.publisher }

// Subscriber exposes the underlying subscriber for advanced integrations.
func (s *Service) Subscriber() message.Subscriber { return s.subscriber }

// maxMessageSize is the effective chunking threshold: explicit config wins,
// then the transport's reported capability, then unlimited.
func (s *Service) maxMessageSize() int64 {
	if s.Conf.MaxMessageSize > 0 {
		return s.Conf.MaxMessageSize
	}
	return s.capabilities.MaxMessageSize
}

// newResolver builds a component topic resolver. Service-wide token defaults
// from the config sit below the component's own tokens, and the built-in
// {clientId} (plus {commandName} when bound to a command) is applied last and
// cannot be shadowed.
func (s *Service) newResolver(tokens topicspkg.TokenMap, commandName string) *topicspkg.Resolver {
	defaults := make(topicspkg.TokenMap, len(s.Conf.TopicTokens)+len(tokens))
	for k, v := range s.Conf.TopicTokens {
		defaults[k] = v
	}
	for k, v := range tokens {
		defaults[k] = v
	}

	builtin := topicspkg.TokenMap{BuiltinTokenClientID: s.clientID}
	if commandName != "" {
		builtin[BuiltinTokenCommandName] = commandName
	}
	return topicspkg.NewResolver(defaults, builtin)
}

// registerCloser queues a component teardown to run during Close, in reverse
// registration order.
func (s *Service) registerCloser(fn func() error) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	s.closers = append(s.closers, fn)
}

func (s *Service) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

func (s *Service) startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	s.metricsServer = &http.Server{Addr: addr, Handler: mux}

	s.Logger.Info("Starting metrics server", loggingpkg.LogFields{"address": addr})
	go func() {
		if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.Logger.Error("Metrics server failed", err, loggingpkg.LogFields{"address": addr})
		}
	}()
}

// Close tears down all components created from this service, then the
// transport. Pending invocations fail with a cancellation error. Close is
// idempotent.
func (s *Service) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	s.closeMu.Unlock()

	var firstErr error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.metricsServer.Shutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
	}

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.subscriber != nil {
		if err := s.subscriber.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.Logger.Info("Service closed", loggingpkg.LogFields{"client_id": s.clientID})
	return firstErr
}
