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

// TelemetryOptions configures a telemetry sender or receiver.
type TelemetryOptions struct {
	// TopicPattern is the telemetry topic. Required. May reference {clientId}
	// and custom tokens.
	TopicPattern string

	// TopicTokens supplies constructor-level token values.
	TopicTokens topicspkg.TokenMap
}

// TelemetryOption customises a single Send call.
type TelemetryOption func(*telemetrySettings)

type telemetrySettings struct {
	metadata    metadatapkg.Metadata
	tokens      topicspkg.TokenMap
	contentType string
}

// WithTelemetryMetadata attaches caller metadata to the telemetry message.
func WithTelemetryMetadata(md metadatapkg.Metadata) TelemetryOption {
	return func(s *telemetrySettings) { s.metadata = md }
}

// WithTelemetryTokens supplies per-call topic token values.
func WithTelemetryTokens(tokens topicspkg.TokenMap) TelemetryOption {
	return func(s *telemetrySettings) { s.tokens = tokens }
}

// WithTelemetryContentType stamps the payload content type.
func WithTelemetryContentType(ct string) TelemetryOption {
	return func(s *telemetrySettings) { s.contentType = ct }
}

// TelemetrySender publishes fire-and-forget telemetry. There is no
// correlation, no response and no caching; delivery reliability is whatever
// the transport provides.
type TelemetrySender struct {
	service  *Service
	opts     TelemetryOptions
	resolver *topicspkg.Resolver
	logger   loggingpkg.ServiceLogger
}

// NewTelemetrySender creates a sender for the given topic pattern.
func NewTelemetrySender(s *Service, opts TelemetryOptions) (*TelemetrySender, error) {
	if s == nil {
		return nil, errspkg.ErrServiceRequired
	}
	if s.isClosed() {
		return nil, errspkg.ErrClosed
	}
	if opts.TopicPattern == "" {
		return nil, errspkg.ErrTopicRequired
	}

	return &TelemetrySender{
		service:  s,
		opts:     opts,
		resolver: s.newResolver(opts.TopicTokens, ""),
		logger:   s.Logger.With(loggingpkg.LogFields{"component": "telemetry_sender"}),
	}, nil
}

// Send publishes one telemetry payload. It returns as soon as the transport
// accepts the message; no acknowledgement is awaited.
func (t *TelemetrySender) Send(ctx context.Context, payload []byte, options ...TelemetryOption) error {
	if t.service.isClosed() {
		return errspkg.ErrClosed
	}

	var settings telemetrySettings
	for _, opt := range options {
		opt(&settings)
	}

	topic, err := t.resolver.Resolve(t.opts.TopicPattern, settings.tokens)
	if err != nil {
		return err
	}

	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata = metadatapkg.ToWatermill(settings.metadata)
	msg.Metadata[metadatapkg.KeyInvokerID] = t.service.clientID
	if settings.contentType != "" {
		msg.Metadata[metadatapkg.KeyContentType] = settings.contentType
	}
	msg.SetContext(ctx)

	chunks, err := chunkingpkg.Split(msg, t.service.maxMessageSize())
	if err != nil {
		return err
	}
	if len(chunks) > 1 {
		t.service.metrics.chunkSplit()
	}

	if err := t.service.publisher.Publish(topic, chunks...); err != nil {
		return errspkg.Wrap(errspkg.KindTransport, "publishing telemetry", err)
	}
	t.service.metrics.telemetryPublished()
	return nil
}

// TelemetryMessage is one received telemetry payload.
type TelemetryMessage struct {
	Payload     []byte
	SenderID    string
	ContentType string
	Metadata    metadatapkg.Metadata
}

// TelemetryHandler consumes received telemetry. Handler errors are logged,
// not propagated; there is no sender to report them to.
type TelemetryHandler func(ctx context.Context, msg *TelemetryMessage) error

// TelemetryReceiver subscribes to a telemetry topic and feeds assembled
// payloads to a handler.
type TelemetryReceiver struct {
	service     *Service
	topic       string
	reassembler *chunkingpkg.Reassembler
	logger      loggingpkg.ServiceLogger

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewTelemetryReceiver creates a receiver and starts consuming. The context
// governs the subscription; cancelling it stops delivery.
func NewTelemetryReceiver(ctx context.Context, s *Service, opts TelemetryOptions, handler TelemetryHandler) (*TelemetryReceiver, error) {
	if s == nil {
		return nil, errspkg.ErrServiceRequired
	}
	if s.isClosed() {
		return nil, errspkg.ErrClosed
	}
	if opts.TopicPattern == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	resolver := s.newResolver(opts.TopicTokens, "")
	topic, err := resolver.Resolve(opts.TopicPattern)
	if err != nil {
		return nil, err
	}

	logger := s.Logger.With(loggingpkg.LogFields{
		"component": "telemetry_receiver",
		"topic":     topic,
	})

	listenCtx, cancel := context.WithCancel(ctx)
	messages, err := s.subscriber.Subscribe(listenCtx, topic)
	if err != nil {
		cancel()
		return nil, errspkg.Wrap(errspkg.KindTransport, "subscribing to telemetry topic", err)
	}

	r := &TelemetryReceiver{
		service:     s,
		topic:       topic,
		reassembler: chunkingpkg.NewReassembler(s.Conf.ChunkStaleAfter, logger),
		logger:      logger,
		cancel:      cancel,
	}

	go r.consume(listenCtx, handler, messages)
	s.registerCloser(r.closeInternal)

	return r, nil
}

// Topic returns the resolved topic this receiver listens on.
func (r *TelemetryReceiver) Topic() string { return r.topic }

func (r *TelemetryReceiver) consume(ctx context.Context, handler TelemetryHandler, messages <-chan *message.Message) {
	for msg := range messages {
		assembled, complete, err := r.reassembler.OnMessage(msg)
		if err != nil {
			r.logger.Debug("Dropping malformed telemetry chunk", loggingpkg.LogFields{
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
			r.service.metrics.chunkReassembled()
		}

		telemetry := &TelemetryMessage{
			Payload:     assembled.Payload,
			SenderID:    assembled.Metadata.Get(metadatapkg.KeyInvokerID),
			ContentType: assembled.Metadata.Get(metadatapkg.KeyContentType),
			Metadata:    metadatapkg.FromWatermill(assembled.Metadata).StripReserved(),
		}

		r.service.metrics.telemetryDelivered()
		if err := handler(ctx, telemetry); err != nil {
			r.logger.Error("Telemetry handler failed", err, loggingpkg.LogFields{
				"message_uuid": assembled.UUID,
			})
		}
		msg.Ack()
	}
}

// Close stops the subscription and discards partial transfers. Idempotent.
func (r *TelemetryReceiver) Close() error {
	return r.closeInternal()
}

func (r *TelemetryReceiver) closeInternal() error {
	r.closeOnce.Do(func() {
		r.cancel()
		r.reassembler.Close()
	})
	return nil
}
