package runtime

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	chunkingpkg "github.com/rpcflow/rpcflow/internal/runtime/chunking"
	errspkg "github.com/rpcflow/rpcflow/internal/runtime/errors"
	idspkg "github.com/rpcflow/rpcflow/internal/runtime/ids"
	loggingpkg "github.com/rpcflow/rpcflow/internal/runtime/logging"
	metadatapkg "github.com/rpcflow/rpcflow/internal/runtime/metadata"
	topicspkg "github.com/rpcflow/rpcflow/internal/runtime/topics"
)

// StreamInvokerOptions configures a StreamInvoker.
type StreamInvokerOptions struct {
	// CommandName names the remote streaming command. Required.
	CommandName string

	// RequestTopicPattern is where request entries are published. Required.
	RequestTopicPattern string

	// ResponseTopicPattern is where response entries arrive. Required.
	// Resolved once at construction.
	ResponseTopicPattern string

	// TopicTokens supplies constructor-level token values.
	TopicTokens topicspkg.TokenMap
}

// StreamInvoker opens bidirectional streams against a remote streaming
// command. All streams opened from one invoker share its response
// subscription and are demultiplexed by correlation id.
type StreamInvoker struct {
	service  *Service
	opts     StreamInvokerOptions
	logger   loggingpkg.ServiceLogger
	resolver *topicspkg.Resolver

	responseTopic string
	reassembler   *chunkingpkg.Reassembler

	mu      sync.Mutex
	streams map[string]*ClientStream

	cancelListen context.CancelFunc
	closeOnce    sync.Once
	closed       chan struct{}
}

// ClientStream is the invoker's half of one open stream: Send feeds the
// request sub-stream, Recv drains the response sub-stream.
type ClientStream struct {
	session *streamSession
	invoker *StreamInvoker
}

// NewStreamInvoker creates a stream invoker and starts its response listener.
func NewStreamInvoker(ctx context.Context, s *Service, opts StreamInvokerOptions) (*StreamInvoker, error) {
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
		"component": "stream_invoker",
		"command":   opts.CommandName,
	})

	listenCtx, cancel := context.WithCancel(ctx)
	messages, err := s.subscriber.Subscribe(listenCtx, responseTopic)
	if err != nil {
		cancel()
		return nil, errspkg.Wrap(errspkg.KindTransport, "subscribing to response topic", err)
	}

	si := &StreamInvoker{
		service:       s,
		opts:          opts,
		logger:        logger,
		resolver:      resolver,
		responseTopic: responseTopic,
		reassembler:   chunkingpkg.NewReassembler(s.Conf.ChunkStaleAfter, logger),
		streams:       make(map[string]*ClientStream),
		cancelListen:  cancel,
		closed:        make(chan struct{}),
	}

	go si.listen(messages)
	s.registerCloser(si.closeInternal)

	return si, nil
}

// CommandName returns the streaming command this invoker targets.
func (si *StreamInvoker) CommandName() string { return si.opts.CommandName }

// Open starts a new stream under a fresh correlation id. The returned stream
// must be finished with CloseSend and a drained Recv, or with Cancel.
func (si *StreamInvoker) Open(ctx context.Context, tokens ...topicspkg.TokenMap) (*ClientStream, error) {
	select {
	case <-si.closed:
		return nil, errspkg.ErrClosed
	default:
	}

	requestTopic, err := si.resolver.Resolve(si.opts.RequestTopicPattern, tokens...)
	if err != nil {
		return nil, err
	}

	correlationID := idspkg.CreateCorrelationID()
	session := newStreamSession(si.service, si.logger, correlationID, requestTopic, si.responseTopic)
	cs := &ClientStream{session: session, invoker: si}

	si.mu.Lock()
	if _, exists := si.streams[correlationID]; exists {
		si.mu.Unlock()
		return nil, errspkg.ErrCorrelationInUse
	}
	si.streams[correlationID] = cs
	si.mu.Unlock()

	si.logger.Debug("Stream opened", loggingpkg.LogFields{
		"correlation_id": correlationID,
		"topic":          requestTopic,
	})
	return cs, nil
}

func (si *StreamInvoker) listen(messages <-chan *message.Message) {
	for msg := range messages {
		si.handleMessage(msg)
		msg.Ack()
	}
}

func (si *StreamInvoker) handleMessage(msg *message.Message) {
	assembled, complete, err := si.reassembler.OnMessage(msg)
	if err != nil {
		si.logger.Debug("Dropping malformed stream chunk", loggingpkg.LogFields{
			"message_uuid": msg.UUID,
			"error":        err.Error(),
		})
		return
	}
	if !complete {
		return
	}
	if assembled != msg {
		si.service.metrics.chunkReassembled()
	}

	d, err := decodeStreamEntry(assembled)
	if err != nil {
		si.logger.Debug("Dropping undecodable stream message", loggingpkg.LogFields{
			"message_uuid": assembled.UUID,
			"error":        err.Error(),
		})
		return
	}

	si.mu.Lock()
	cs, ok := si.streams[d.correlationID]
	si.mu.Unlock()
	if !ok {
		si.logger.Debug("Dropping stream message with no open stream", loggingpkg.LogFields{
			"correlation_id": d.correlationID,
		})
		return
	}

	cs.session.handleEntry(d)
}

func (si *StreamInvoker) forget(correlationID string) {
	si.mu.Lock()
	delete(si.streams, correlationID)
	si.mu.Unlock()
}

// Close cancels the response listener and terminates every open stream
// locally. Idempotent.
func (si *StreamInvoker) Close() error {
	return si.closeInternal()
}

func (si *StreamInvoker) closeInternal() error {
	si.closeOnce.Do(func() {
		close(si.closed)
		si.cancelListen()
		si.reassembler.Close()

		si.mu.Lock()
		streams := si.streams
		si.streams = make(map[string]*ClientStream)
		si.mu.Unlock()

		for _, cs := range streams {
			cs.session.finish(errspkg.New(errspkg.KindCancelled, "stream invoker closed"))
		}
	})
	return nil
}

// CorrelationID identifies this stream on the wire.
func (cs *ClientStream) CorrelationID() string { return cs.session.correlationID }

// Send publishes the next request entry. Under manual acknowledgement it
// blocks until the executor acks the previous entry.
func (cs *ClientStream) Send(ctx context.Context, payload []byte, options ...InvokeOption) error {
	var settings invokeSettings
	for _, opt := range options {
		opt(&settings)
	}
	return cs.session.send(ctx, payload, settings.metadata, settings.contentType, false)
}

// CloseSend ends the request sub-stream. The executor keeps streaming
// responses until it ends its own side.
func (cs *ClientStream) CloseSend(ctx context.Context) error {
	return cs.session.closeSend(ctx)
}

// Recv blocks for the next in-order response entry. It returns ErrEndOfStream
// after the executor ends its sub-stream and a StreamCancelledError after
// either side cancels.
func (cs *ClientStream) Recv(ctx context.Context) (*StreamEntry, error) {
	entry, err := cs.session.recv(ctx)
	if err == ErrEndOfStream {
		cs.invoker.forget(cs.session.correlationID)
	}
	return entry, err
}

// Ack acknowledges the most recently received response entry, releasing the
// executor's next send when manual acknowledgement is enabled.
func (cs *ClientStream) Ack(ctx context.Context) error {
	return cs.session.ack(ctx)
}

// Cancel aborts the stream, notifying the executor with a reason and optional
// custom properties. Subsequent Send and Recv calls fail with a
// StreamCancelledError.
func (cs *ClientStream) Cancel(ctx context.Context, reason string, properties metadatapkg.Metadata) error {
	cs.invoker.forget(cs.session.correlationID)
	return cs.session.cancel(ctx, reason, properties)
}
