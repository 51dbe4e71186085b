package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/rpcflow/rpcflow/internal/runtime/config"
	errspkg "github.com/rpcflow/rpcflow/internal/runtime/errors"
	idspkg "github.com/rpcflow/rpcflow/internal/runtime/ids"
	metadatapkg "github.com/rpcflow/rpcflow/internal/runtime/metadata"
)

const (
	testRequestTopic  = "rpc/{commandName}/requests"
	testResponseTopic = "rpc/{commandName}/responses/{clientId}"
)

// newTestPair wires an invoker and an executor with one handler over the same
// in-memory service.
func newTestPair(t *testing.T, conf *configpkg.Config, handler CommandHandler, handlerOpts HandlerOptions) (*Service, *CommandInvoker) {
	t.Helper()
	ctx := context.Background()

	s := newTestService(t, conf)
	ex, err := NewCommandExecutor(s)
	if err != nil {
		t.Fatalf("NewCommandExecutor: %v", err)
	}

	if handlerOpts.RequestTopicPattern == "" {
		handlerOpts.RequestTopicPattern = testRequestTopic
	}
	if err := ex.RegisterHandler(ctx, "echo", handler, handlerOpts); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	inv, err := NewCommandInvoker(ctx, s, InvokerOptions{
		CommandName:          "echo",
		RequestTopicPattern:  testRequestTopic,
		ResponseTopicPattern: testResponseTopic,
	})
	if err != nil {
		t.Fatalf("NewCommandInvoker: %v", err)
	}
	return s, inv
}

func TestInvokeRoundTrip(t *testing.T) {
	handler := func(ctx context.Context, req *RequestEnvelope) Outcome {
		return Ok(append([]byte("echo:"), req.Payload...))
	}
	_, inv := newTestPair(t, nil, handler, HandlerOptions{})

	resp, err := inv.Invoke(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(resp.Payload) != "echo:hello" {
		t.Fatalf("payload = %q", resp.Payload)
	}
	if resp.IsError() {
		t.Fatal("unexpected error response")
	}

	stats := inv.Stats()
	if stats.Completed != 1 || stats.Failed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestInvokeCarriesCallerMetadata(t *testing.T) {
	seen := make(chan metadatapkg.Metadata, 1)
	handler := func(ctx context.Context, req *RequestEnvelope) Outcome {
		seen <- req.Metadata
		return Ok(nil)
	}
	_, inv := newTestPair(t, nil, handler, HandlerOptions{})

	_, err := inv.Invoke(context.Background(), []byte("x"),
		WithInvokeMetadata(metadatapkg.New("tenant", "t-1")),
		WithContentType("application/json"),
	)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	md := <-seen
	if md["tenant"] != "t-1" {
		t.Fatalf("metadata = %v", md)
	}
	if _, reserved := md[metadatapkg.KeyReplyTo]; reserved {
		t.Fatal("protocol keys must not leak into handler metadata")
	}
}

func TestInvokeRemoteApplicationError(t *testing.T) {
	handler := func(ctx context.Context, req *RequestEnvelope) Outcome {
		return ApplicationError("QuotaExceeded", []byte(`{"limit":10}`))
	}
	_, inv := newTestPair(t, nil, handler, HandlerOptions{})

	resp, err := inv.Invoke(context.Background(), []byte("x"))
	if err == nil {
		t.Fatal("expected a remote error")
	}
	if !errspkg.IsRemote(err) {
		t.Fatalf("kind = %v, want remote", errspkg.KindOf(err))
	}

	var rerr *errspkg.Error
	if !errors.As(err, &rerr) || rerr.Code != "QuotaExceeded" {
		t.Fatalf("error = %v", err)
	}
	if resp == nil || resp.Error == nil || resp.Error.Code != "QuotaExceeded" {
		t.Fatalf("response envelope not surfaced: %+v", resp)
	}
}

func TestInvokeMalformedResponseFailsFast(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	// No executor: the test plays the remote side and answers with a message
	// that carries the correlation id but no recognisable status, so neither
	// payload variant is identifiable.
	requests, err := s.Subscriber().Subscribe(ctx, "rpc/echo/requests")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	inv, err := NewCommandInvoker(ctx, s, InvokerOptions{
		CommandName:          "echo",
		RequestTopicPattern:  testRequestTopic,
		ResponseTopicPattern: testResponseTopic,
	})
	if err != nil {
		t.Fatalf("NewCommandInvoker: %v", err)
	}

	go func() {
		msg := <-requests
		msg.Ack()
		bad := message.NewMessage(idspkg.CreateULID(), []byte("junk"))
		bad.Metadata.Set(metadatapkg.KeyCorrelationID, msg.Metadata.Get(metadatapkg.KeyCorrelationID))
		if err := s.Publisher().Publish(inv.ResponseTopic(), bad); err != nil {
			t.Errorf("Publish: %v", err)
		}
	}()

	started := time.Now()
	resp, err := inv.Invoke(ctx, []byte("x"), WithInvokeTimeout(5*time.Second))
	if errspkg.KindOf(err) != errspkg.KindPayloadInvalid {
		t.Fatalf("expected payload-invalid failure, got %v", err)
	}
	if resp != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	// The caller must fail as soon as the fault arrives, not wait out the
	// full invocation timeout.
	if elapsed := time.Since(started); elapsed >= 5*time.Second {
		t.Fatalf("caller burned the full timeout: %s", elapsed)
	}
}

func TestInvokeTimesOutWithoutResponse(t *testing.T) {
	s := newTestService(t, nil)

	// No executor registered: requests go nowhere.
	inv, err := NewCommandInvoker(context.Background(), s, InvokerOptions{
		CommandName:          "echo",
		RequestTopicPattern:  testRequestTopic,
		ResponseTopicPattern: testResponseTopic,
	})
	if err != nil {
		t.Fatalf("NewCommandInvoker: %v", err)
	}

	_, err = inv.Invoke(context.Background(), []byte("x"), WithInvokeTimeout(50*time.Millisecond))
	if !errspkg.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestInvokeShorterDeadlineTimesOutFirst(t *testing.T) {
	s := newTestService(t, nil)

	// No executor registered: both invocations run to their deadlines.
	inv, err := NewCommandInvoker(context.Background(), s, InvokerOptions{
		CommandName:          "echo",
		RequestTopicPattern:  testRequestTopic,
		ResponseTopicPattern: testResponseTopic,
	})
	if err != nil {
		t.Fatalf("NewCommandInvoker: %v", err)
	}

	done := make(chan string, 2)
	invoke := func(name string, timeout time.Duration) {
		_, err := inv.Invoke(context.Background(), []byte(name), WithInvokeTimeout(timeout))
		if !errspkg.IsTimeout(err) {
			t.Errorf("%s: expected timeout, got %v", name, err)
		}
		done <- name
	}

	go invoke("short", 50*time.Millisecond)
	go invoke("long", 500*time.Millisecond)

	if first := <-done; first != "short" {
		t.Fatalf("the shorter deadline must expire first, got %q", first)
	}
	<-done
}

func TestInvokeCancelledByCaller(t *testing.T) {
	s := newTestService(t, nil)

	inv, err := NewCommandInvoker(context.Background(), s, InvokerOptions{
		CommandName:          "echo",
		RequestTopicPattern:  testRequestTopic,
		ResponseTopicPattern: testResponseTopic,
	})
	if err != nil {
		t.Fatalf("NewCommandInvoker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = inv.Invoke(ctx, []byte("x"))
	if !errspkg.IsCancelled(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestInvokerCloseFailsPendingInvocations(t *testing.T) {
	s := newTestService(t, nil)

	inv, err := NewCommandInvoker(context.Background(), s, InvokerOptions{
		CommandName:          "echo",
		RequestTopicPattern:  testRequestTopic,
		ResponseTopicPattern: testResponseTopic,
	})
	if err != nil {
		t.Fatalf("NewCommandInvoker: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := inv.Invoke(context.Background(), []byte("x"))
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	inv.Close()

	select {
	case err := <-errCh:
		if !errspkg.IsCancelled(err) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending invocation not released on close")
	}

	if _, err := inv.Invoke(context.Background(), []byte("x")); err != errspkg.ErrClosed {
		t.Fatalf("invoke after close: %v", err)
	}
}

func TestRedeliveredRequestRunsHandlerOnce(t *testing.T) {
	var invocations atomic.Int32
	handler := func(ctx context.Context, req *RequestEnvelope) Outcome {
		invocations.Add(1)
		time.Sleep(30 * time.Millisecond)
		return Ok([]byte("done"))
	}

	s := newTestService(t, nil)
	ex, err := NewCommandExecutor(s)
	if err != nil {
		t.Fatalf("NewCommandExecutor: %v", err)
	}
	ctx := context.Background()
	if err := ex.RegisterHandler(ctx, "echo", handler, HandlerOptions{
		RequestTopicPattern: "rpc/echo/requests",
	}); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	replies, err := s.Subscriber().Subscribe(ctx, "rpc/echo/replies")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	env := &RequestEnvelope{
		Payload:       []byte("x"),
		CorrelationID: "fixed-corr",
		ReplyTo:       "rpc/echo/replies",
		InvokerID:     "tester",
	}

	// Simulate at-least-once delivery: the same request arrives twice.
	for i := 0; i < 2; i++ {
		if err := s.Publisher().Publish("rpc/echo/requests", env.toMessage(ctx)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	var responses int
	deadline := time.After(2 * time.Second)
	for responses < 2 {
		select {
		case msg := <-replies:
			resp, err := decodeResponse(msg)
			if err != nil {
				t.Fatalf("decodeResponse: %v", err)
			}
			if resp.CorrelationID != "fixed-corr" || string(resp.Payload) != "done" {
				t.Fatalf("unexpected response: %+v", resp)
			}
			msg.Ack()
			responses++
		case <-deadline:
			t.Fatalf("got %d responses, want 2", responses)
		}
	}

	if got := invocations.Load(); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
}
