package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	chunkingpkg "github.com/rpcflow/rpcflow/internal/runtime/chunking"
	errspkg "github.com/rpcflow/rpcflow/internal/runtime/errors"
	loggingpkg "github.com/rpcflow/rpcflow/internal/runtime/logging"
	topicspkg "github.com/rpcflow/rpcflow/internal/runtime/topics"
)

// HandlerOptions configures one command registration on an executor.
type HandlerOptions struct {
	// RequestTopicPattern is where requests for this command arrive. Required.
	RequestTopicPattern string

	// TopicTokens supplies registration-level token values.
	TopicTokens topicspkg.TokenMap

	// ExecutionTimeout overrides the service-wide handler deadline.
	ExecutionTimeout time.Duration
}

type handlerRegistration struct {
	commandName string
	handler     CommandHandler
	dispatch    DispatchFunc
	timeout     time.Duration
	topic       string
	reassembler *chunkingpkg.Reassembler
	stats       *CommandStats
	cancel      context.CancelFunc
}

// CommandExecutor subscribes to request topics, runs registered handlers and
// publishes responses. Redelivered requests are answered from the response
// cache without re-running the handler, so handler side effects happen at
// most once per correlation id.
type CommandExecutor struct {
	service *Service
	logger  loggingpkg.ServiceLogger

	cache     *responseCache
	semaphore chan struct{}

	mu       sync.Mutex
	handlers map[string]*handlerRegistration

	closeOnce sync.Once
	closed    chan struct{}
}

// NewCommandExecutor creates an executor bound to the service's transport.
func NewCommandExecutor(s *Service) (*CommandExecutor, error) {
	if s == nil {
		return nil, errspkg.ErrServiceRequired
	}
	if s.isClosed() {
		return nil, errspkg.ErrClosed
	}

	ex := &CommandExecutor{
		service:   s,
		logger:    s.Logger.With(loggingpkg.LogFields{"component": "executor"}),
		cache:     newResponseCache(s.Conf.ResponseCacheTTL, s.Conf.ResponseCacheMaxEntries),
		semaphore: make(chan struct{}, s.Conf.DispatchConcurrency),
		handlers:  make(map[string]*handlerRegistration),
		closed:    make(chan struct{}),
	}
	s.registerCloser(ex.closeInternal)
	return ex, nil
}

// RegisterHandler subscribes to the command's request topic and dispatches
// arriving requests to the handler. One handler per command name.
func (ex *CommandExecutor) RegisterHandler(ctx context.Context, commandName string, handler CommandHandler, opts HandlerOptions) error {
	select {
	case <-ex.closed:
		return errspkg.ErrClosed
	default:
	}
	if commandName == "" {
		return errspkg.ErrCommandName
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if opts.RequestTopicPattern == "" {
		return errspkg.ErrTopicRequired
	}

	resolver := ex.service.newResolver(opts.TopicTokens, commandName)
	topic, err := resolver.Resolve(opts.RequestTopicPattern)
	if err != nil {
		return err
	}

	timeout := opts.ExecutionTimeout
	if timeout <= 0 {
		timeout = ex.service.Conf.ExecutionTimeout
	}

	ex.mu.Lock()
	if _, exists := ex.handlers[commandName]; exists {
		ex.mu.Unlock()
		return errspkg.ErrDuplicateHandler
	}

	listenCtx, cancel := context.WithCancel(ctx)
	messages, err := ex.service.subscriber.Subscribe(listenCtx, topic)
	if err != nil {
		ex.mu.Unlock()
		cancel()
		return errspkg.Wrap(errspkg.KindTransport, "subscribing to request topic", err)
	}

	reg := &handlerRegistration{
		commandName: commandName,
		handler:     handler,
		dispatch: chainInterceptors(
			func(c context.Context, req *RequestEnvelope) Outcome { return handler(c, req) },
			ex.service.interceptors,
		),
		timeout:     timeout,
		topic:       topic,
		reassembler: chunkingpkg.NewReassembler(ex.service.Conf.ChunkStaleAfter, ex.logger),
		stats:       newCommandStats(commandName),
		cancel:      cancel,
	}
	ex.handlers[commandName] = reg
	ex.mu.Unlock()

	ex.logger.Info("Handler registered", loggingpkg.LogFields{
		"command": commandName,
		"topic":   topic,
	})

	go ex.consume(listenCtx, reg, messages)
	return nil
}

// Stats returns the rolling dispatch statistics for a registered command.
func (ex *CommandExecutor) Stats(commandName string) (CommandStats, bool) {
	ex.mu.Lock()
	reg, ok := ex.handlers[commandName]
	ex.mu.Unlock()
	if !ok {
		return CommandStats{}, false
	}
	return reg.stats.Snapshot(), true
}

func (ex *CommandExecutor) consume(ctx context.Context, reg *handlerRegistration, messages <-chan *message.Message) {
	for msg := range messages {
		assembled, complete, err := reg.reassembler.OnMessage(msg)
		if err != nil {
			ex.logger.Debug("Dropping malformed request chunk", loggingpkg.LogFields{
				"command":      reg.commandName,
				"message_uuid": msg.UUID,
				"error":        err.Error(),
			})
			msg.Ack()
			continue
		}
		if !complete {
			msg.Ack()
			continue
		}
		if assembled != msg {
			ex.service.metrics.chunkReassembled()
		}

		env, err := decodeRequest(assembled)
		if err != nil {
			// No reply-to or correlation id means there is no way to answer.
			ex.logger.Debug("Dropping undecodable request", loggingpkg.LogFields{
				"command":      reg.commandName,
				"message_uuid": assembled.UUID,
				"error":        err.Error(),
			})
			msg.Ack()
			continue
		}

		// The semaphore bounds concurrent dispatches; excess requests queue
		// here rather than drop.
		select {
		case ex.semaphore <- struct{}{}:
		case <-ctx.Done():
			msg.Nack()
			return
		case <-ex.closed:
			msg.Nack()
			return
		}

		go func(m *message.Message, env *RequestEnvelope) {
			defer func() { <-ex.semaphore }()
			ex.processRequest(ctx, reg, env)
			m.Ack()
		}(msg, env)
	}
}

func (ex *CommandExecutor) processRequest(ctx context.Context, reg *handlerRegistration, env *RequestEnvelope) {
	entry, isOwner := ex.cache.beginOrJoin(env.CorrelationID)
	if !isOwner {
		ex.replayCached(ctx, reg, env, entry)
		return
	}

	reg.stats.onStart()
	started := time.Now()

	dispatchCtx := DispatchContext{
		CommandName:   reg.commandName,
		CorrelationID: env.CorrelationID,
		InvokerID:     env.InvokerID,
		Metadata:      env.Metadata,
		Context:       ctx,
		StartedAt:     started,
	}
	ex.service.hooks.fireStart(dispatchCtx)

	resp, out, interrupted := ex.runHandler(ctx, reg, env)
	if interrupted {
		// Shutdown cut the dispatch short. Release the correlation id instead
		// of caching the synthetic cancellation, so a redelivery after
		// restart re-runs the handler.
		ex.cache.abandon(env.CorrelationID)
	} else {
		ex.cache.complete(env.CorrelationID, resp)
	}

	duration := time.Since(started)
	dispatchCtx.Duration = duration
	reg.stats.onFinish(duration, resp.IsError())

	if out.IsFault() {
		ex.service.metrics.dispatchRecorded(reg.commandName, metricDispatchFault)
		ex.service.hooks.fireError(dispatchCtx, out.FaultError())
	} else {
		ex.service.metrics.dispatchRecorded(reg.commandName, metricDispatchHandled)
		ex.service.hooks.fireDone(dispatchCtx, out)
	}

	ex.publishResponse(ctx, reg, env, resp)
}

// runHandler executes the interceptor chain under the execution timeout. The
// handler goroutine is not forcibly stopped on timeout; its late outcome is
// discarded because the timeout response is already cached. interrupted is
// true when shutdown, not the deadline, ended the dispatch.
func (ex *CommandExecutor) runHandler(ctx context.Context, reg *handlerRegistration, env *RequestEnvelope) (resp *ResponseEnvelope, out Outcome, interrupted bool) {
	timeout := reg.timeout
	if env.TTL > 0 && env.TTL < timeout {
		timeout = env.TTL
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outCh := make(chan Outcome, 1)
	go func() {
		outCh <- reg.dispatch(execCtx, env)
	}()

	select {
	case out := <-outCh:
		return out.Response(env.CorrelationID), out, false

	case <-execCtx.Done():
		if ctx.Err() != nil {
			out = Faulted(errspkg.Newf(errspkg.KindCancelled,
				"executor shutting down during %s", env.CorrelationID))
			return NewErrorResponse(env.CorrelationID, ErrorCodeCancelled, nil, nil), out, true
		}
		out = Faulted(errspkg.Newf(errspkg.KindTimeout,
			"handler for %s exceeded %s", reg.commandName, timeout))
		return NewErrorResponse(env.CorrelationID, ErrorCodeTimeout, nil, nil), out, false
	}
}

// replayCached waits for the in-flight or cached response and republishes it
// verbatim, satisfying redeliveries without re-running the handler.
func (ex *CommandExecutor) replayCached(ctx context.Context, reg *handlerRegistration, env *RequestEnvelope, entry *cacheEntry) {
	select {
	case <-entry.done:
	case <-ctx.Done():
		return
	case <-ex.closed:
		return
	}

	if entry.resp == nil {
		return
	}
	ex.service.metrics.dispatchRecorded(reg.commandName, metricDispatchCached)
	ex.logger.Debug("Replaying cached response", loggingpkg.LogFields{
		"command":        reg.commandName,
		"correlation_id": env.CorrelationID,
	})
	ex.publishResponse(ctx, reg, env, entry.resp)
}

func (ex *CommandExecutor) publishResponse(ctx context.Context, reg *handlerRegistration, env *RequestEnvelope, resp *ResponseEnvelope) {
	chunks, err := chunkingpkg.Split(resp.toMessage(ctx), ex.service.maxMessageSize())
	if err != nil {
		ex.logger.Error("Response exceeds chunking limits", err, loggingpkg.LogFields{
			"command":        reg.commandName,
			"correlation_id": env.CorrelationID,
		})
		return
	}
	if len(chunks) > 1 {
		ex.service.metrics.chunkSplit()
	}

	if err := ex.service.publisher.Publish(env.ReplyTo, chunks...); err != nil {
		ex.logger.Error("Publishing response failed", err, loggingpkg.LogFields{
			"command":        reg.commandName,
			"correlation_id": env.CorrelationID,
			"reply_to":       env.ReplyTo,
		})
	}
}

// Close stops all subscriptions and the response cache. Idempotent.
func (ex *CommandExecutor) Close() error {
	return ex.closeInternal()
}

func (ex *CommandExecutor) closeInternal() error {
	ex.closeOnce.Do(func() {
		close(ex.closed)

		ex.mu.Lock()
		for _, reg := range ex.handlers {
			reg.cancel()
			reg.reassembler.Close()
		}
		ex.handlers = make(map[string]*handlerRegistration)
		ex.mu.Unlock()

		ex.cache.close()
	})
	return nil
}
