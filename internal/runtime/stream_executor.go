package runtime

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	chunkingpkg "github.com/rpcflow/rpcflow/internal/runtime/chunking"
	errspkg "github.com/rpcflow/rpcflow/internal/runtime/errors"
	loggingpkg "github.com/rpcflow/rpcflow/internal/runtime/logging"
	metadatapkg "github.com/rpcflow/rpcflow/internal/runtime/metadata"
	topicspkg "github.com/rpcflow/rpcflow/internal/runtime/topics"
)

// StreamHandler serves one open stream. Returning nil ends the response
// sub-stream normally; returning an error cancels the stream with the error
// text as the reason.
type StreamHandler func(ctx context.Context, stream *ServerStream) error

// StreamHandlerOptions configures one streaming command registration.
type StreamHandlerOptions struct {
	// RequestTopicPattern is where request entries for this command arrive.
	// Required.
	RequestTopicPattern string

	// TopicTokens supplies registration-level token values.
	TopicTokens topicspkg.TokenMap
}

type streamRegistration struct {
	commandName string
	handler     StreamHandler
	topic       string
	reassembler *chunkingpkg.Reassembler
	cancel      context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*ServerStream
}

// StreamExecutor serves streaming commands: each new correlation id on a
// request topic starts a handler with a ServerStream wired to the entry's
// reply-to topic.
type StreamExecutor struct {
	service   *Service
	logger    loggingpkg.ServiceLogger
	semaphore chan struct{}

	mu       sync.Mutex
	handlers map[string]*streamRegistration

	closeOnce sync.Once
	closed    chan struct{}
}

// ServerStream is the executor's half of one open stream: Recv drains the
// request sub-stream, Send feeds the response sub-stream.
type ServerStream struct {
	session   *streamSession
	invokerID string
}

// NewStreamExecutor creates a stream executor bound to the service's
// transport.
func NewStreamExecutor(s *Service) (*StreamExecutor, error) {
	if s == nil {
		return nil, errspkg.ErrServiceRequired
	}
	if s.isClosed() {
		return nil, errspkg.ErrClosed
	}

	se := &StreamExecutor{
		service:   s,
		logger:    s.Logger.With(loggingpkg.LogFields{"component": "stream_executor"}),
		semaphore: make(chan struct{}, s.Conf.DispatchConcurrency),
		handlers:  make(map[string]*streamRegistration),
		closed:    make(chan struct{}),
	}
	s.registerCloser(se.closeInternal)
	return se, nil
}

// RegisterHandler subscribes to the command's request topic. One handler per
// command name; each distinct correlation id gets its own handler invocation.
func (se *StreamExecutor) RegisterHandler(ctx context.Context, commandName string, handler StreamHandler, opts StreamHandlerOptions) error {
	select {
	case <-se.closed:
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

	resolver := se.service.newResolver(opts.TopicTokens, commandName)
	topic, err := resolver.Resolve(opts.RequestTopicPattern)
	if err != nil {
		return err
	}

	se.mu.Lock()
	if _, exists := se.handlers[commandName]; exists {
		se.mu.Unlock()
		return errspkg.ErrDuplicateHandler
	}

	listenCtx, cancel := context.WithCancel(ctx)
	messages, err := se.service.subscriber.Subscribe(listenCtx, topic)
	if err != nil {
		se.mu.Unlock()
		cancel()
		return errspkg.Wrap(errspkg.KindTransport, "subscribing to request topic", err)
	}

	reg := &streamRegistration{
		commandName: commandName,
		handler:     handler,
		topic:       topic,
		reassembler: chunkingpkg.NewReassembler(se.service.Conf.ChunkStaleAfter, se.logger),
		cancel:      cancel,
		sessions:    make(map[string]*ServerStream),
	}
	se.handlers[commandName] = reg
	se.mu.Unlock()

	se.logger.Info("Stream handler registered", loggingpkg.LogFields{
		"command": commandName,
		"topic":   topic,
	})

	go se.consume(listenCtx, reg, messages)
	return nil
}

func (se *StreamExecutor) consume(ctx context.Context, reg *streamRegistration, messages <-chan *message.Message) {
	for msg := range messages {
		assembled, complete, err := reg.reassembler.OnMessage(msg)
		if err != nil {
			se.logger.Debug("Dropping malformed stream chunk", loggingpkg.LogFields{
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
			se.service.metrics.chunkReassembled()
		}

		d, err := decodeStreamEntry(assembled)
		if err != nil {
			se.logger.Debug("Dropping undecodable stream message", loggingpkg.LogFields{
				"command":      reg.commandName,
				"message_uuid": assembled.UUID,
				"error":        err.Error(),
			})
			msg.Ack()
			continue
		}

		se.route(ctx, reg, d)
		msg.Ack()
	}
}

// route hands a decoded entry to its session, starting a new handler for the
// first entry of an unseen correlation id.
func (se *StreamExecutor) route(ctx context.Context, reg *streamRegistration, d *decodedStreamEntry) {
	reg.mu.Lock()
	stream, ok := reg.sessions[d.correlationID]
	if !ok {
		// Only a data entry can open a stream; stray acks and cancels for
		// finished streams are dropped.
		if d.kind != streamEntryData {
			reg.mu.Unlock()
			return
		}
		if d.replyTo == "" {
			reg.mu.Unlock()
			se.logger.Debug("Dropping stream opener without reply-to", loggingpkg.LogFields{
				"command":        reg.commandName,
				"correlation_id": d.correlationID,
			})
			return
		}

		session := newStreamSession(se.service, se.logger, d.correlationID, d.replyTo, "")
		stream = &ServerStream{session: session, invokerID: d.invokerID}
		reg.sessions[d.correlationID] = stream
		reg.mu.Unlock()

		go se.serve(ctx, reg, stream)
	} else {
		reg.mu.Unlock()
	}

	stream.session.handleEntry(d)
}

// serve runs the handler for one stream under the dispatch semaphore and
// finishes the response sub-stream according to the handler's result.
func (se *StreamExecutor) serve(ctx context.Context, reg *streamRegistration, stream *ServerStream) {
	select {
	case se.semaphore <- struct{}{}:
	case <-ctx.Done():
		return
	case <-se.closed:
		return
	}
	defer func() { <-se.semaphore }()

	defer func() {
		reg.mu.Lock()
		delete(reg.sessions, stream.session.correlationID)
		reg.mu.Unlock()
	}()

	err := se.runStreamHandler(ctx, reg, stream)
	if err != nil {
		var cancelled *StreamCancelledError
		if errors.As(err, &cancelled) {
			// Already terminated from one side; nothing more to publish.
			return
		}
		se.logger.Error("Stream handler failed", err, loggingpkg.LogFields{
			"command":        reg.commandName,
			"correlation_id": stream.session.correlationID,
		})
		if cancelErr := stream.session.cancel(ctx, err.Error(), nil); cancelErr != nil {
			se.logger.Error("Publishing stream cancel failed", cancelErr, loggingpkg.LogFields{
				"correlation_id": stream.session.correlationID,
			})
		}
		return
	}

	stream.session.sendMu.Lock()
	ended := stream.session.sendEnded
	stream.session.sendMu.Unlock()
	if !ended {
		if closeErr := stream.session.closeSend(ctx); closeErr != nil {
			se.logger.Error("Closing response sub-stream failed", closeErr, loggingpkg.LogFields{
				"correlation_id": stream.session.correlationID,
			})
		}
	}
}

func (se *StreamExecutor) runStreamHandler(ctx context.Context, reg *streamRegistration, stream *ServerStream) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errspkg.Newf(errspkg.KindUnknown, "stream handler panic: %v", r)
		}
	}()
	return reg.handler(ctx, stream)
}

// Close stops all subscriptions and terminates open streams locally.
// Idempotent.
func (se *StreamExecutor) Close() error {
	return se.closeInternal()
}

func (se *StreamExecutor) closeInternal() error {
	se.closeOnce.Do(func() {
		close(se.closed)

		se.mu.Lock()
		for _, reg := range se.handlers {
			reg.cancel()
			reg.reassembler.Close()

			reg.mu.Lock()
			for _, stream := range reg.sessions {
				stream.session.finish(errspkg.New(errspkg.KindCancelled, "stream executor closed"))
			}
			reg.sessions = make(map[string]*ServerStream)
			reg.mu.Unlock()
		}
		se.handlers = make(map[string]*streamRegistration)
		se.mu.Unlock()
	})
	return nil
}

// CorrelationID identifies this stream on the wire.
func (st *ServerStream) CorrelationID() string { return st.session.correlationID }

// InvokerID is the client id of the party that opened the stream.
func (st *ServerStream) InvokerID() string { return st.invokerID }

// Recv blocks for the next in-order request entry. It returns ErrEndOfStream
// after the invoker closes its sub-stream and a StreamCancelledError after
// either side cancels.
func (st *ServerStream) Recv(ctx context.Context) (*StreamEntry, error) {
	return st.session.recv(ctx)
}

// Send publishes the next response entry. Under manual acknowledgement it
// blocks until the invoker acks the previous entry.
func (st *ServerStream) Send(ctx context.Context, payload []byte, md metadatapkg.Metadata) error {
	return st.session.send(ctx, payload, md, "", false)
}

// CloseSend ends the response sub-stream early; the handler may keep reading
// request entries afterwards.
func (st *ServerStream) CloseSend(ctx context.Context) error {
	return st.session.closeSend(ctx)
}

// Ack acknowledges the most recently received request entry, releasing the
// invoker's next send when manual acknowledgement is enabled.
func (st *ServerStream) Ack(ctx context.Context) error {
	return st.session.ack(ctx)
}

// Cancel aborts the stream, notifying the invoker with a reason and optional
// custom properties.
func (st *ServerStream) Cancel(ctx context.Context, reason string, properties metadatapkg.Metadata) error {
	return st.session.cancel(ctx, reason, properties)
}
