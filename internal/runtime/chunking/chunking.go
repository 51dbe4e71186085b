// Package chunking fragments payloads that exceed the transport's single
// message size limit and reassembles them on the receiving side.
//
// Small payloads pass through byte-for-byte with no chunking metadata, so a
// receiver without this package installed still understands them. Oversized
// payloads are split into contiguous ranges sharing a transfer id; the
// receiver buffers partial transfers and releases the concatenated payload
// only once every index has arrived, regardless of arrival order. A transfer
// that stops making progress is evicted and never delivered — callers needing
// reliability use request/response semantics, where the missing response
// simply times out and can be retried.
package chunking

import (
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/rpcflow/rpcflow/internal/runtime/errors"
	idspkg "github.com/rpcflow/rpcflow/internal/runtime/ids"
	loggingpkg "github.com/rpcflow/rpcflow/internal/runtime/logging"
	metadatapkg "github.com/rpcflow/rpcflow/internal/runtime/metadata"
)

// OverheadEstimate is the fixed per-message allowance for metadata, topic and
// framing bytes when deciding whether a payload fits under the limit.
const OverheadEstimate = 512

// Split fragments msg when its payload plus overhead exceeds limit. A limit
// of zero or below disables chunking. The returned slice is either the input
// message untouched or a fresh sequence of chunk messages tagged with a
// shared transfer id, sequence index and total count.
func Split(msg *message.Message, limit int64) ([]*message.Message, error) {
	if limit <= 0 || int64(len(msg.Payload))+OverheadEstimate <= limit {
		return []*message.Message{msg}, nil
	}

	chunkSize := limit - OverheadEstimate
	if chunkSize <= 0 {
		return nil, errspkg.Newf(errspkg.KindPayloadInvalid,
			"message size limit %d leaves no room for payload", limit)
	}

	payload := msg.Payload
	total := (int64(len(payload)) + chunkSize - 1) / chunkSize
	transferID := idspkg.CreateULID()

	chunks := make([]*message.Message, 0, total)
	for i := int64(0); i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > int64(len(payload)) {
			end = int64(len(payload))
		}

		chunk := message.NewMessage(idspkg.CreateULID(), payload[start:end])
		// Clone so per-chunk keys do not alias across messages.
		chunk.Metadata = metadatapkg.ToWatermill(metadatapkg.FromWatermill(msg.Metadata))
		chunk.Metadata[metadatapkg.KeyChunkTransferID] = transferID
		chunk.Metadata[metadatapkg.KeyChunkIndex] = strconv.FormatInt(i, 10)
		chunk.Metadata[metadatapkg.KeyChunkTotal] = strconv.FormatInt(total, 10)
		chunk.SetContext(msg.Context())
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

type transfer struct {
	total    int
	parts    map[int][]byte
	size     int
	lastSeen time.Time
}

// Reassembler buffers chunked messages keyed by transfer id until complete.
type Reassembler struct {
	mu        sync.Mutex
	transfers map[string]*transfer

	staleAfter time.Duration
	logger     loggingpkg.ServiceLogger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewReassembler creates a Reassembler that evicts transfers with no new
// chunk for staleAfter. The janitor goroutine runs until Close.
func NewReassembler(staleAfter time.Duration, logger loggingpkg.ServiceLogger) *Reassembler {
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	r := &Reassembler{
		transfers:  make(map[string]*transfer),
		staleAfter: staleAfter,
		logger:     logger,
		stop:       make(chan struct{}),
	}
	if staleAfter > 0 {
		go r.janitor()
	}
	return r
}

// OnMessage feeds one received message into the reassembler. It returns the
// fully assembled message and true once a payload is complete. Messages
// without chunk metadata are returned immediately. A chunk belonging to a
// partial transfer is buffered and (nil, false, nil) is returned.
func (r *Reassembler) OnMessage(msg *message.Message) (*message.Message, bool, error) {
	transferID := msg.Metadata.Get(metadatapkg.KeyChunkTransferID)
	if transferID == "" {
		return msg, true, nil
	}

	index, err := strconv.Atoi(msg.Metadata.Get(metadatapkg.KeyChunkIndex))
	if err != nil {
		return nil, false, errspkg.Wrap(errspkg.KindPayloadInvalid, "bad chunk index", err)
	}
	total, err := strconv.Atoi(msg.Metadata.Get(metadatapkg.KeyChunkTotal))
	if err != nil {
		return nil, false, errspkg.Wrap(errspkg.KindPayloadInvalid, "bad chunk total", err)
	}
	if total <= 0 || index < 0 || index >= total {
		return nil, false, errspkg.Newf(errspkg.KindPayloadInvalid,
			"chunk index %d out of range for total %d", index, total)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transfers[transferID]
	if !ok {
		t = &transfer{total: total, parts: make(map[int][]byte, total)}
		r.transfers[transferID] = t
	} else if t.total != total {
		delete(r.transfers, transferID)
		return nil, false, errspkg.Newf(errspkg.KindPayloadInvalid,
			"transfer %s chunk count changed from %d to %d", transferID, t.total, total)
	}

	if _, dup := t.parts[index]; !dup {
		t.parts[index] = msg.Payload
		t.size += len(msg.Payload)
	}
	t.lastSeen = time.Now()

	if len(t.parts) < t.total {
		return nil, false, nil
	}
	delete(r.transfers, transferID)

	// Concatenate in index order; arrival order is not guaranteed.
	payload := make([]byte, 0, t.size)
	for i := 0; i < t.total; i++ {
		payload = append(payload, t.parts[i]...)
	}

	assembled := message.NewMessage(idspkg.CreateULID(), payload)
	assembled.Metadata = metadatapkg.ToWatermill(metadatapkg.FromWatermill(msg.Metadata))
	delete(assembled.Metadata, metadatapkg.KeyChunkTransferID)
	delete(assembled.Metadata, metadatapkg.KeyChunkIndex)
	delete(assembled.Metadata, metadatapkg.KeyChunkTotal)
	assembled.SetContext(msg.Context())
	return assembled, true, nil
}

// Pending reports the number of incomplete transfers currently buffered.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transfers)
}

// Close stops the janitor and discards all partial transfers.
func (r *Reassembler) Close() {
	r.stopOnce.Do(func() { close(r.stop) })

	r.mu.Lock()
	r.transfers = make(map[string]*transfer)
	r.mu.Unlock()
}

func (r *Reassembler) janitor() {
	interval := r.staleAfter / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > r.staleAfter {
		interval = r.staleAfter
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.evictStale(now)
		}
	}
}

func (r *Reassembler) evictStale(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range r.transfers {
		if now.Sub(t.lastSeen) > r.staleAfter {
			r.logger.Debug("Dropping stale chunk transfer", loggingpkg.LogFields{
				"transfer_id":     id,
				"chunks_received": len(t.parts),
				"chunks_expected": t.total,
			})
			delete(r.transfers, id)
		}
	}
}
