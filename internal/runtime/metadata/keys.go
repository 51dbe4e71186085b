package metadata

import "strings"

// Reserved metadata keys carried in transport user properties. The rf_ prefix
// keeps them clear of caller-supplied metadata; writing them directly from
// application code is unsupported.
const (
	// KeyCorrelationID links a response to the request that produced it.
	KeyCorrelationID = "correlation_id"

	// KeyReplyTo names the topic the executor publishes its response to.
	KeyReplyTo = "rf_reply_to"

	// KeyInvokerID is the stable client id of the invoking party.
	KeyInvokerID = "rf_invoker_id"

	// KeyTTLMillis is the optional request time-to-live in milliseconds.
	KeyTTLMillis = "rf_ttl_ms"

	// KeyContentType hints at the serializer used for the payload.
	KeyContentType = "rf_content_type"

	// KeyStatus distinguishes normal from error responses.
	KeyStatus = "rf_status"

	// KeyErrorCode carries the application error code on error responses.
	KeyErrorCode = "rf_error_code"

	// Chunking keys, present only on fragmented messages.
	KeyChunkTransferID = "rf_chunk_transfer_id"
	KeyChunkIndex      = "rf_chunk_index"
	KeyChunkTotal      = "rf_chunk_total"

	// Streaming keys, present only on stream entries.
	KeyStreamIndex        = "rf_stream_index"
	KeyStreamEnd          = "rf_stream_end"
	KeyStreamCancel       = "rf_stream_cancel"
	KeyStreamCancelReason = "rf_stream_cancel_reason"
	KeyStreamAckIndex     = "rf_stream_ack_index"
)

// Status values carried under KeyStatus.
const (
	StatusOK    = "ok"
	StatusError = "error"

	// FlagSet is the value used for boolean marker keys such as KeyStreamEnd.
	FlagSet = "1"
)

// IsReservedKey reports whether key belongs to the protocol rather than the
// application.
func IsReservedKey(key string) bool {
	return key == KeyCorrelationID || strings.HasPrefix(key, "rf_")
}
