package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	chunkingpkg "github.com/rpcflow/rpcflow/internal/runtime/chunking"
	errspkg "github.com/rpcflow/rpcflow/internal/runtime/errors"
	idspkg "github.com/rpcflow/rpcflow/internal/runtime/ids"
	loggingpkg "github.com/rpcflow/rpcflow/internal/runtime/logging"
	metadatapkg "github.com/rpcflow/rpcflow/internal/runtime/metadata"
	topicspkg "github.com/rpcflow/rpcflow/internal/runtime/topics"
)

// BuiltinTokenCommandName is the topic token bound to the command name an
// invoker or executor was created for. Like the client id token it cannot be
// shadowed by caller-supplied maps.
const BuiltinTokenCommandName = "commandName"

// InvokerOptions configures a CommandInvoker.
type InvokerOptions struct {
	// CommandName names the remote command. Required.
	CommandName string

	// RequestTopicPattern is where requests are published. Required. May
	// reference {commandName}, {clientId} and custom tokens.
	RequestTopicPattern string

	// ResponseTopicPattern is where this invoker listens for responses.
	// Required. Resolved once at construction, so it must not reference
	// per-call tokens.
	ResponseTopicPattern string

	// TopicTokens supplies constructor-level token values.
	TopicTokens topicspkg.TokenMap

	// DefaultTimeout overrides the service-wide invocation timeout.
	DefaultTimeout time.Duration
}

// InvokeOption customises a single Invoke call.
type InvokeOption func(*invokeSettings)

type invokeSettings struct {
	timeout     time.Duration
	metadata    metadatapkg.Metadata
	tokens      topicspkg.TokenMap
	contentType string
}

// WithInvokeTimeout bounds this invocation instead of the configured default.
func WithInvokeTimeout(d time.Duration) InvokeOption {
	return func(s *invokeSettings) { s.timeout = d }
}

// WithInvokeMetadata attaches caller metadata to the request.
func WithInvokeMetadata(md metadatapkg.Metadata) InvokeOption {
	return func(s *invokeSettings) { s.metadata = md }
}

// WithInvokeTokens supplies per-call topic token values, the highest
// caller-controlled precedence layer.
func WithInvokeTokens(tokens topicspkg.TokenMap) InvokeOption {
	return func(s *invokeSettings) { s.tokens = tokens }
}

// WithContentType stamps the request's payload content type.
func WithContentType(ct string) InvokeOption {
	return func(s *invokeSettings) { s.contentType = ct }
}

type invokeResult struct {
	resp *ResponseEnvelope
	err  error
}

type pendingInvocation struct {
	result chan invokeResult
}

// CommandInvoker sends requests for one command and matches responses back to
// their callers by correlation id. Safe for concurrent use.
type CommandInvoker struct {
	service  *Service
	opts     InvokerOptions
	logger   loggingpkg.ServiceLogger
	resolver *topicspkg.Resolver

	responseTopic string
	reassembler   *chunkingpkg.Reassembler
	stats         *CommandStats

	pendingMu sync.Mutex
	pending   map[string]*pendingInvocation

	cancelListen context.CancelFunc
	closeOnce    sync.Once
	closed       chan struct{}
}

// NewCommandInvoker creates an invoker and starts its response listener. The
// context governs the response subscription; cancelling it stops delivery.
func NewCommandInvoker(ctx context.Context, s *Service, opts InvokerOptions) (*CommandInvoker, error) {
	if s == nil {
		return nil, errspkg.ErrServiceRequired
	}
	if s.isClosed() {
		return nil, errspkg.ErrClosed
	}
	if opts.CommandName == "" {
		return nil, errspkg.ErrCommandName
	}
	if opts.RequestTopicPattern == "" || opts.ResponseTopicPattern == "" {
		return nil, errspkg.ErrTopicRequired
	}

	resolver := s.newResolver(opts.TopicTokens, opts.CommandName)

	responseTopic, err := resolver.Resolve(opts.ResponseTopicPattern)
	if err != nil {
		return nil, err
	}

	logger := s.Logger.With(loggingpkg.LogFields{
		"component": "invoker",
		"command":   opts.CommandName,
	})

	listenCtx, cancel := context.WithCancel(ctx)
	messages, err := s.subscriber.Subscribe(listenCtx, responseTopic)
	if err != nil {
		cancel()
		return nil, errspkg.Wrap(errspkg.KindTransport, "subscribing to response topic", err)
	}

	inv := &CommandInvoker{
		service:       s,
		opts:          opts,
		logger:        logger,
		resolver:      resolver,
		responseTopic: responseTopic,
		reassembler:   chunkingpkg.NewReassembler(s.Conf.ChunkStaleAfter, logger),
		stats:         newCommandStats(opts.CommandName),
		pending:       make(map[string]*pendingInvocation),
		cancelListen:  cancel,
		closed:        make(chan struct{}),
	}

	go inv.listen(messages)
	s.registerCloser(inv.closeInternal)

	return inv, nil
}

// CommandName returns the command this invoker targets.
func (inv *CommandInvoker) CommandName() string { return inv.opts.CommandName }

// ResponseTopic returns the resolved topic this invoker listens on.
func (inv *CommandInvoker) ResponseTopic() string { return inv.responseTopic }

// Stats returns the invoker's rolling invocation statistics.
func (inv *CommandInvoker) Stats() CommandStats { return inv.stats.Snapshot() }

// Invoke publishes one request and blocks until the matching response
// arrives, the timeout elapses, or ctx is cancelled. A remote application
// error is returned as a non-nil response plus a KindRemote error carrying
// the code and error payload.
func (inv *CommandInvoker) Invoke(ctx context.Context, payload []byte, options ...InvokeOption) (*ResponseEnvelope, error) {
	select {
	case <-inv.closed:
		return nil, errspkg.ErrClosed
	default:
	}

	settings := invokeSettings{timeout: inv.opts.DefaultTimeout}
	if settings.timeout <= 0 {
		settings.timeout = inv.service.Conf.InvocationTimeout
	}
	for _, opt := range options {
		opt(&settings)
	}

	correlationID := idspkg.CreateCorrelationID()
	p, err := inv.addPending(correlationID)
	if err != nil {
		return nil, err
	}

	requestTopic, err := inv.resolver.Resolve(inv.opts.RequestTopicPattern, settings.tokens)
	if err != nil {
		inv.removePending(correlationID)
		return nil, err
	}

	env := &RequestEnvelope{
		Payload:       payload,
		CorrelationID: correlationID,
		ReplyTo:       inv.responseTopic,
		InvokerID:     inv.service.clientID,
		ContentType:   settings.contentType,
		TTL:           settings.timeout,
		Metadata:      settings.metadata,
	}

	chunks, err := chunkingpkg.Split(env.toMessage(ctx), inv.service.maxMessageSize())
	if err != nil {
		inv.removePending(correlationID)
		return nil, err
	}
	if len(chunks) > 1 {
		inv.service.metrics.chunkSplit()
	}

	inv.stats.onStart()
	inv.service.metrics.invocationStarted(inv.opts.CommandName)
	started := time.Now()

	if err := inv.service.publisher.Publish(requestTopic, chunks...); err != nil {
		inv.removePending(correlationID)
		inv.finish(started, metricOutcomeFailed)
		return nil, errspkg.Wrap(errspkg.KindTransport, "publishing request", err)
	}

	inv.logger.Debug("Request published", loggingpkg.LogFields{
		"correlation_id": correlationID,
		"topic":          requestTopic,
		"chunks":         len(chunks),
	})

	timer := time.NewTimer(settings.timeout)
	defer timer.Stop()

	select {
	case res := <-p.result:
		if res.err != nil {
			outcome := metricOutcomeFailed
			if errspkg.KindOf(res.err) == errspkg.KindRemote {
				outcome = metricOutcomeAppError
			}
			inv.finish(started, outcome)
			return res.resp, res.err
		}
		inv.finish(started, metricOutcomeOK)
		return res.resp, nil

	case <-ctx.Done():
		inv.removePending(correlationID)
		if ctx.Err() == context.DeadlineExceeded {
			inv.finish(started, metricOutcomeTimeout)
			return nil, errspkg.Newf(errspkg.KindTimeout,
				"invocation %s exceeded its deadline", correlationID)
		}
		inv.finish(started, metricOutcomeCancelled)
		return nil, errspkg.Newf(errspkg.KindCancelled,
			"invocation %s cancelled by caller", correlationID)

	case <-timer.C:
		inv.removePending(correlationID)
		inv.finish(started, metricOutcomeTimeout)
		return nil, errspkg.Newf(errspkg.KindTimeout,
			"no response for %s within %s", correlationID, settings.timeout)

	case <-inv.closed:
		inv.removePending(correlationID)
		inv.finish(started, metricOutcomeCancelled)
		return nil, errspkg.Newf(errspkg.KindCancelled,
			"invoker closed while awaiting %s", correlationID)
	}
}

func (inv *CommandInvoker) finish(started time.Time, outcome string) {
	failed := outcome != metricOutcomeOK
	inv.stats.onFinish(time.Since(started), failed)
	inv.service.metrics.invocationFinished(inv.opts.CommandName, outcome)
}

// addPending registers a correlation id, failing if it is already in flight.
func (inv *CommandInvoker) addPending(correlationID string) (*pendingInvocation, error) {
	inv.pendingMu.Lock()
	defer inv.pendingMu.Unlock()

	if _, exists := inv.pending[correlationID]; exists {
		return nil, errspkg.ErrCorrelationInUse
	}
	p := &pendingInvocation{result: make(chan invokeResult, 1)}
	inv.pending[correlationID] = p
	return p, nil
}

func (inv *CommandInvoker) removePending(correlationID string) {
	inv.pendingMu.Lock()
	delete(inv.pending, correlationID)
	inv.pendingMu.Unlock()
}

// takePending atomically claims the registry entry for a correlation id, so a
// duplicate response delivery finds nothing and is dropped.
func (inv *CommandInvoker) takePending(correlationID string) (*pendingInvocation, bool) {
	inv.pendingMu.Lock()
	defer inv.pendingMu.Unlock()

	p, ok := inv.pending[correlationID]
	if ok {
		delete(inv.pending, correlationID)
	}
	return p, ok
}

func (inv *CommandInvoker) listen(messages <-chan *message.Message) {
	for msg := range messages {
		inv.handleResponseMessage(msg)
		msg.Ack()
	}
}

func (inv *CommandInvoker) handleResponseMessage(msg *message.Message) {
	assembled, complete, err := inv.reassembler.OnMessage(msg)
	if err != nil {
		inv.logger.Debug("Dropping malformed response chunk", loggingpkg.LogFields{
			"message_uuid": msg.UUID,
			"error":        err.Error(),
		})
		return
	}
	if !complete {
		return
	}
	if assembled != msg {
		inv.service.metrics.chunkReassembled()
	}

	resp, err := decodeResponse(assembled)
	if err != nil {
		// A malformed response addressed to a pending invocation is a
		// protocol fault the caller should see immediately, not wait out.
		if id := assembled.Metadata.Get(metadatapkg.KeyCorrelationID); id != "" {
			if p, ok := inv.takePending(id); ok {
				p.result <- invokeResult{err: err}
				return
			}
		}
		inv.logger.Debug("Dropping undecodable response", loggingpkg.LogFields{
			"message_uuid": assembled.UUID,
			"error":        err.Error(),
		})
		return
	}

	p, ok := inv.takePending(resp.CorrelationID)
	if !ok {
		// Late or duplicate response; the invocation already finished.
		inv.logger.Debug("Dropping response with no pending invocation", loggingpkg.LogFields{
			"correlation_id": resp.CorrelationID,
		})
		return
	}

	if resp.IsError() {
		p.result <- invokeResult{
			resp: resp,
			err:  errspkg.Remote(resp.Error.Code, resp.Error.Payload),
		}
		return
	}
	p.result <- invokeResult{resp: resp}
}

// Close stops the response listener and fails every pending invocation with a
// cancellation error. Idempotent.
func (inv *CommandInvoker) Close() error {
	return inv.closeInternal()
}

func (inv *CommandInvoker) closeInternal() error {
	inv.closeOnce.Do(func() {
		close(inv.closed)
		inv.cancelListen()
		inv.reassembler.Close()

		inv.pendingMu.Lock()
		pending := inv.pending
		inv.pending = make(map[string]*pendingInvocation)
		inv.pendingMu.Unlock()

		for id, p := range pending {
			p.result <- invokeResult{err: errspkg.Newf(errspkg.KindCancelled,
				"invoker closed while awaiting %s", id)}
		}
	})
	return nil
}
