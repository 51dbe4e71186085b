package runtime

import (
	"context"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	chunkingpkg "github.com/rpcflow/rpcflow/internal/runtime/chunking"
	errspkg "github.com/rpcflow/rpcflow/internal/runtime/errors"
	idspkg "github.com/rpcflow/rpcflow/internal/runtime/ids"
	loggingpkg "github.com/rpcflow/rpcflow/internal/runtime/logging"
	metadatapkg "github.com/rpcflow/rpcflow/internal/runtime/metadata"
)

// ErrEndOfStream is returned by Recv when the peer closed its sub-stream
// normally. It marks completion, not failure.
var ErrEndOfStream = errspkg.New(errspkg.KindUnknown, "end of stream")

// StreamCancelledError is returned by Recv and Send after either side
// cancelled the stream. It unwraps to a cancellation-kind runtime error.
type StreamCancelledError struct {
	// Reason is the human-readable cancellation reason, empty when the
	// canceller supplied none.
	Reason string

	// Properties carries the canceller's custom metadata.
	Properties metadatapkg.Metadata

	// Local is true when this side initiated the cancellation.
	Local bool
}

func (e *StreamCancelledError) Error() string {
	msg := "rpcflow: stream cancelled"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *StreamCancelledError) Unwrap() error {
	return errspkg.New(errspkg.KindCancelled, e.Reason)
}

// StreamEntry is one element of a request or response sub-stream, delivered
// to receivers in index order.
type StreamEntry struct {
	// Index is the entry's position in its sub-stream, starting at 0.
	Index uint64

	Payload     []byte
	ContentType string

	// Metadata holds the sender's caller-supplied entries; protocol keys are
	// stripped.
	Metadata metadatapkg.Metadata
}

// streamEntryKind discriminates the wire forms a stream message can take.
type streamEntryKind int

const (
	streamEntryData streamEntryKind = iota
	streamEntryCancel
	streamEntryAck
)

// decodedStreamEntry is the parsed form of one inbound stream message.
type decodedStreamEntry struct {
	kind          streamEntryKind
	correlationID string
	replyTo       string
	invokerID     string

	// Data entries.
	entry *StreamEntry
	end   bool

	// Cancel entries.
	reason     string
	properties metadatapkg.Metadata

	// Ack entries.
	ackIndex uint64
}

// decodeStreamEntry parses an assembled stream message. Every stream message
// carries a correlation id; data entries additionally carry a strictly
// increasing index.
func decodeStreamEntry(msg *message.Message) (*decodedStreamEntry, error) {
	correlationID := msg.Metadata.Get(metadatapkg.KeyCorrelationID)
	if correlationID == "" {
		return nil, errspkg.New(errspkg.KindPayloadInvalid, "stream message missing correlation id")
	}

	d := &decodedStreamEntry{
		correlationID: correlationID,
		replyTo:       msg.Metadata.Get(metadatapkg.KeyReplyTo),
		invokerID:     msg.Metadata.Get(metadatapkg.KeyInvokerID),
	}

	if msg.Metadata.Get(metadatapkg.KeyStreamCancel) == metadatapkg.FlagSet {
		d.kind = streamEntryCancel
		d.reason = msg.Metadata.Get(metadatapkg.KeyStreamCancelReason)
		d.properties = metadatapkg.FromWatermill(msg.Metadata).StripReserved()
		return d, nil
	}

	if raw := msg.Metadata.Get(metadatapkg.KeyStreamAckIndex); raw != "" {
		index, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, errspkg.Wrap(errspkg.KindPayloadInvalid, "malformed stream ack index", err)
		}
		d.kind = streamEntryAck
		d.ackIndex = index
		return d, nil
	}

	raw := msg.Metadata.Get(metadatapkg.KeyStreamIndex)
	if raw == "" {
		return nil, errspkg.New(errspkg.KindPayloadInvalid, "stream message missing index")
	}
	index, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, errspkg.Wrap(errspkg.KindPayloadInvalid, "malformed stream index", err)
	}

	d.kind = streamEntryData
	d.end = msg.Metadata.Get(metadatapkg.KeyStreamEnd) == metadatapkg.FlagSet
	d.entry = &StreamEntry{
		Index:       index,
		Payload:     msg.Payload,
		ContentType: msg.Metadata.Get(metadatapkg.KeyContentType),
		Metadata:    metadatapkg.FromWatermill(msg.Metadata).StripReserved(),
	}
	return d, nil
}

// inboundStream reorders out-of-order arrivals and hands entries to Recv in
// strict index order. Duplicate or regressed indices fault the stream.
type inboundStream struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]*pendingStreamEntry
	queue   []*StreamEntry
	endAt   uint64
	hasEnd  bool
	err     error

	notify chan struct{}
}

type pendingStreamEntry struct {
	entry *StreamEntry
	end   bool
}

func newInboundStream() *inboundStream {
	return &inboundStream{
		pending: make(map[uint64]*pendingStreamEntry),
		notify:  make(chan struct{}, 1),
	}
}

func (in *inboundStream) signal() {
	select {
	case in.notify <- struct{}{}:
	default:
	}
}

// offer accepts one data entry. Entries ahead of the cursor are buffered;
// entries at the cursor are released together with any buffered successors.
func (in *inboundStream) offer(entry *StreamEntry, end bool) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.err != nil {
		return nil
	}

	if entry.Index < in.next {
		in.err = errspkg.Newf(errspkg.KindPayloadInvalid,
			"stream index %d regressed below cursor %d", entry.Index, in.next)
		in.signal()
		return in.err
	}
	if _, dup := in.pending[entry.Index]; dup {
		in.err = errspkg.Newf(errspkg.KindPayloadInvalid,
			"duplicate stream index %d", entry.Index)
		in.signal()
		return in.err
	}
	if in.hasEnd && entry.Index > in.endAt {
		in.err = errspkg.Newf(errspkg.KindPayloadInvalid,
			"stream index %d past end marker %d", entry.Index, in.endAt)
		in.signal()
		return in.err
	}

	if end {
		in.hasEnd = true
		in.endAt = entry.Index
	}
	in.pending[entry.Index] = &pendingStreamEntry{entry: entry, end: end}

	for {
		p, ok := in.pending[in.next]
		if !ok {
			break
		}
		delete(in.pending, in.next)
		in.next++
		// An end marker with an empty payload is a pure terminator and is not
		// surfaced as an entry.
		if len(p.entry.Payload) > 0 || !p.end {
			in.queue = append(in.queue, p.entry)
		}
		if p.end {
			in.err = ErrEndOfStream
			break
		}
	}

	in.signal()
	return nil
}

// fail terminates the stream with err unless it already ended.
func (in *inboundStream) fail(err error) {
	in.mu.Lock()
	if in.err == nil {
		in.err = err
	}
	in.mu.Unlock()
	in.signal()
}

// take pops the next in-order entry, or returns the terminal error once the
// queue drains. ok=false means nothing is available yet.
func (in *inboundStream) take() (entry *StreamEntry, err error, ok bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if len(in.queue) > 0 {
		entry = in.queue[0]
		in.queue = in.queue[1:]
		return entry, nil, true
	}
	if in.err != nil {
		return nil, in.err, true
	}
	return nil, nil, false
}

// streamSession is the shared half-duplex state behind ClientStream and
// ServerStream: an outbound cursor with optional ack gating, and an inbound
// reorder buffer.
type streamSession struct {
	service       *Service
	logger        loggingpkg.ServiceLogger
	correlationID string

	// peerTopic is where this side publishes its entries, acks and cancels.
	peerTopic string
	// replyTo is stamped on outbound entries so the peer can answer; empty on
	// the executor side.
	replyTo   string
	manualAck bool

	in *inboundStream

	sendMu     sync.Mutex
	nextSend   uint64
	sendEnded  bool
	acked      uint64
	ackNotify  chan struct{}
	lastRecv   uint64
	hasRecv    bool
	cancelOnce sync.Once
	done       chan struct{}
}

func newStreamSession(s *Service, logger loggingpkg.ServiceLogger, correlationID, peerTopic, replyTo string) *streamSession {
	return &streamSession{
		service:       s,
		logger:        logger,
		correlationID: correlationID,
		peerTopic:     peerTopic,
		replyTo:       replyTo,
		manualAck:     s.Conf.StreamManualAck,
		in:            newInboundStream(),
		ackNotify:     make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

func (ss *streamSession) publish(msg *message.Message) error {
	chunks, err := chunkingpkg.Split(msg, ss.service.maxMessageSize())
	if err != nil {
		return err
	}
	if len(chunks) > 1 {
		ss.service.metrics.chunkSplit()
	}
	if err := ss.service.publisher.Publish(ss.peerTopic, chunks...); err != nil {
		return errspkg.Wrap(errspkg.KindTransport, "publishing stream entry", err)
	}
	return nil
}

func (ss *streamSession) baseMessage(ctx context.Context, payload []byte) *message.Message {
	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata.Set(metadatapkg.KeyCorrelationID, ss.correlationID)
	if ss.replyTo != "" {
		msg.Metadata.Set(metadatapkg.KeyReplyTo, ss.replyTo)
		msg.Metadata.Set(metadatapkg.KeyInvokerID, ss.service.clientID)
	}
	msg.SetContext(ctx)
	return msg
}

// send publishes the next outbound entry. With manual ack enabled it blocks
// until the previously sent entry has been acknowledged.
func (ss *streamSession) send(ctx context.Context, payload []byte, md metadatapkg.Metadata, contentType string, end bool) error {
	ss.sendMu.Lock()
	defer ss.sendMu.Unlock()

	if ss.sendEnded {
		return errspkg.New(errspkg.KindUnknown, "sub-stream already closed")
	}

	if ss.manualAck && ss.nextSend > 0 {
		for {
			if ss.ackedAtLeast(ss.nextSend) {
				break
			}
			select {
			case <-ss.ackNotify:
			case <-ctx.Done():
				return errspkg.Wrap(errspkg.KindCancelled, "awaiting stream ack", ctx.Err())
			case <-ss.done:
				return ss.terminalError()
			}
		}
	}

	select {
	case <-ss.done:
		return ss.terminalError()
	default:
	}

	msg := ss.baseMessage(ctx, payload)
	for k, v := range md {
		if metadatapkg.IsReservedKey(k) {
			continue
		}
		msg.Metadata.Set(k, v)
	}
	msg.Metadata.Set(metadatapkg.KeyStreamIndex, strconv.FormatUint(ss.nextSend, 10))
	if contentType != "" {
		msg.Metadata.Set(metadatapkg.KeyContentType, contentType)
	}
	if end {
		msg.Metadata.Set(metadatapkg.KeyStreamEnd, metadatapkg.FlagSet)
	}

	if err := ss.publish(msg); err != nil {
		return err
	}
	ss.nextSend++
	if end {
		ss.sendEnded = true
	}
	return nil
}

// closeSend publishes an empty end marker, terminating this side's sub-stream.
func (ss *streamSession) closeSend(ctx context.Context) error {
	return ss.send(ctx, nil, nil, "", true)
}

func (ss *streamSession) ackedAtLeast(n uint64) bool {
	ss.in.mu.Lock()
	defer ss.in.mu.Unlock()
	return ss.acked >= n
}

func (ss *streamSession) handleAck(index uint64) {
	ss.in.mu.Lock()
	if index+1 > ss.acked {
		ss.acked = index + 1
	}
	ss.in.mu.Unlock()
	select {
	case ss.ackNotify <- struct{}{}:
	default:
	}
}

// recv blocks for the next in-order entry from the peer's sub-stream.
func (ss *streamSession) recv(ctx context.Context) (*StreamEntry, error) {
	for {
		entry, err, ok := ss.in.take()
		if ok {
			if err != nil {
				return nil, err
			}
			ss.in.mu.Lock()
			ss.lastRecv = entry.Index
			ss.hasRecv = true
			ss.in.mu.Unlock()
			return entry, nil
		}
		select {
		case <-ss.in.notify:
		case <-ctx.Done():
			return nil, errspkg.Wrap(errspkg.KindCancelled, "awaiting stream entry", ctx.Err())
		}
	}
}

// ack acknowledges the most recently received entry, releasing the peer's
// next send under manual ack. A no-op before the first entry arrives.
func (ss *streamSession) ack(ctx context.Context) error {
	ss.in.mu.Lock()
	hasRecv, index := ss.hasRecv, ss.lastRecv
	ss.in.mu.Unlock()
	if !hasRecv {
		return nil
	}

	msg := ss.baseMessage(ctx, nil)
	msg.Metadata.Set(metadatapkg.KeyStreamAckIndex, strconv.FormatUint(index, 10))
	return ss.publish(msg)
}

// cancel publishes a cancel control entry and terminates both directions
// locally with a StreamCancelledError.
func (ss *streamSession) cancel(ctx context.Context, reason string, properties metadatapkg.Metadata) error {
	var publishErr error
	ss.cancelOnce.Do(func() {
		msg := ss.baseMessage(ctx, nil)
		msg.Metadata.Set(metadatapkg.KeyStreamCancel, metadatapkg.FlagSet)
		if reason != "" {
			msg.Metadata.Set(metadatapkg.KeyStreamCancelReason, reason)
		}
		for k, v := range properties {
			if metadatapkg.IsReservedKey(k) {
				continue
			}
			msg.Metadata.Set(k, v)
		}
		publishErr = ss.publish(msg)

		ss.in.fail(&StreamCancelledError{Reason: reason, Properties: properties, Local: true})
		close(ss.done)
	})
	return publishErr
}

// handlePeerCancel terminates the session after the peer sent a cancel entry.
func (ss *streamSession) handlePeerCancel(reason string, properties metadatapkg.Metadata) {
	ss.cancelOnce.Do(func() {
		ss.in.fail(&StreamCancelledError{Reason: reason, Properties: properties})
		close(ss.done)
	})
}

// handleEntry routes one decoded peer message into the session.
func (ss *streamSession) handleEntry(d *decodedStreamEntry) {
	switch d.kind {
	case streamEntryAck:
		ss.handleAck(d.ackIndex)
	case streamEntryCancel:
		ss.handlePeerCancel(d.reason, d.properties)
	case streamEntryData:
		if err := ss.in.offer(d.entry, d.end); err != nil {
			ss.logger.Debug("Stream protocol fault", loggingpkg.LogFields{
				"correlation_id": ss.correlationID,
				"error":          err.Error(),
			})
		}
	}
}

// terminalError reports why the session ended, defaulting to a cancellation.
func (ss *streamSession) terminalError() error {
	ss.in.mu.Lock()
	err := ss.in.err
	ss.in.mu.Unlock()
	if err != nil && err != ErrEndOfStream {
		return err
	}
	return errspkg.New(errspkg.KindCancelled, "stream closed")
}

// finish tears the session down without notifying the peer, used when the
// owning component closes.
func (ss *streamSession) finish(err error) {
	ss.cancelOnce.Do(func() {
		ss.in.fail(err)
		close(ss.done)
	})
}
