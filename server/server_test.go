package server

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"svcbus/broker"
	"svcbus/codec"
	"svcbus/command"
	"svcbus/descriptor"
	"svcbus/message"
	"svcbus/protocol"
	"svcbus/registry"
)

var (
	self         = descriptor.New("calc", "test-host")
	orchestrator = descriptor.MustParse("svc:orc:")
)

func sum(_ context.Context, req *message.RPCCallRequest) ([][]byte, error) {
	if err := req.ExpectArgs(2); err != nil {
		return nil, err
	}
	a, err := strconv.Atoi(req.Arg(0))
	if err != nil {
		return nil, err
	}
	b, err := strconv.Atoi(req.Arg(1))
	if err != nil {
		return nil, err
	}
	return message.Bytes("go", strconv.Itoa(a+b)), nil
}

// caller publishes raw call envelopes and reads responses from its own mailbox.
type caller struct {
	t       *testing.T
	b       broker.Broker
	replyTo string
	replies <-chan []byte
	seq     uint32
}

func newCaller(t *testing.T, ctx context.Context, b broker.Broker) *caller {
	replyTo := broker.RepliesMailbox(orchestrator.Encode(), t.Name())
	replies, err := b.Subscribe(ctx, replyTo)
	require.NoError(t, err)
	return &caller{t: t, b: b, replyTo: replyTo, replies: replies}
}

func (c *caller) call(command string, args ...string) (*protocol.Header, *message.ResponseFrame) {
	c.t.Helper()
	c.seq++
	frame := &message.CallFrame{
		ID:      "call-" + strconv.Itoa(int(c.seq)),
		Target:  self.Encode(),
		ReplyTo: c.replyTo,
		Command: command,
		Args:    message.Bytes(args...),
	}
	envelope, err := protocol.Pack(codec.CodecTypeBinary, protocol.MsgTypeCall, 0, c.seq, frame)
	require.NoError(c.t, err)
	require.NoError(c.t, c.b.Publish(context.Background(), broker.CallsMailbox(self.Encode()), envelope))

	select {
	case data := <-c.replies:
		header, body, err := protocol.Unpack(data)
		require.NoError(c.t, err)
		var resp message.ResponseFrame
		require.NoError(c.t, protocol.DecodeBody(header, body, &resp))
		require.Equal(c.t, c.seq, header.Seq)
		require.Equal(c.t, frame.ID, resp.ID)
		return header, &resp
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for response")
		return nil, nil
	}
}

func startServer(t *testing.T, b broker.Broker, commands *command.Registry) (*Server, context.CancelFunc, <-chan error) {
	t.Helper()
	svr := NewServer(Options{Self: self, Broker: b, Commands: commands, Codec: codec.CodecTypeJSON, Logger: zap.NewNop()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svr.Serve(ctx) }()
	require.Eventually(t, func() bool { return svr.State() == StateListening }, time.Second, 5*time.Millisecond)
	return svr, cancel, done
}

func TestServerDispatch(t *testing.T) {
	b := broker.NewMemoryBroker()
	var invoked atomic.Int32
	commands := command.MustNewRegistry(map[string]command.Handler{
		"calculate-sum": func(ctx context.Context, req *message.RPCCallRequest) ([][]byte, error) {
			invoked.Add(1)
			return sum(ctx, req)
		},
	})
	svr, stop, _ := startServer(t, b, commands)
	defer stop()

	c := newCaller(t, context.Background(), b)
	header, resp := c.call("calculate-sum", "3", "4")

	assert.False(t, header.IsError())
	assert.False(t, resp.IsError)
	assert.Equal(t, []string{"go", "7"}, resp.Strings())
	assert.Equal(t, int32(1), invoked.Load())
	assert.Equal(t, uint64(1), svr.Served())
}

func TestServerUnknownCommand(t *testing.T) {
	b := broker.NewMemoryBroker()
	var invoked atomic.Int32
	commands := command.MustNewRegistry(map[string]command.Handler{
		"calculate-sum": func(ctx context.Context, req *message.RPCCallRequest) ([][]byte, error) {
			invoked.Add(1)
			return nil, nil
		},
	})
	_, stop, _ := startServer(t, b, commands)
	defer stop()

	c := newCaller(t, context.Background(), b)
	header, resp := c.call("calculate-product", "3", "4")

	assert.True(t, header.IsError(), "error flag must be set on the envelope")
	assert.True(t, resp.IsError)
	assert.Equal(t, message.KindNotFound, resp.Kind)
	assert.Zero(t, invoked.Load())
}

func TestServerSurvivesHandlerErrors(t *testing.T) {
	b := broker.NewMemoryBroker()
	commands := command.MustNewRegistry(map[string]command.Handler{
		"calculate-sum": sum,
		"explode": func(context.Context, *message.RPCCallRequest) ([][]byte, error) {
			panic("boom")
		},
	})
	svr, stop, _ := startServer(t, b, commands)
	defer stop()

	c := newCaller(t, context.Background(), b)

	_, resp := c.call("calculate-sum", "abc", "4")
	assert.True(t, resp.IsError)
	assert.Equal(t, message.KindHandler, resp.Kind)

	_, resp = c.call("calculate-sum", "1")
	assert.Equal(t, message.KindBadRequest, resp.Kind)

	_, resp = c.call("explode")
	assert.Equal(t, message.KindPanic, resp.Kind)

	_, resp = c.call("calculate-sum", "10", "5")
	assert.False(t, resp.IsError)
	assert.Equal(t, []string{"go", "15"}, resp.Strings())
	assert.NotEqual(t, StateStopped, svr.State())
}

func TestServerSequentialDispatch(t *testing.T) {
	b := broker.NewMemoryBroker()
	var running, overlaps atomic.Int32
	commands := command.MustNewRegistry(map[string]command.Handler{
		"slow": func(context.Context, *message.RPCCallRequest) ([][]byte, error) {
			if running.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil, nil
		},
	})
	_, stop, _ := startServer(t, b, commands)
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	replyTo := broker.RepliesMailbox(orchestrator.Encode(), "seq")
	replies, err := b.Subscribe(ctx, replyTo)
	require.NoError(t, err)

	const n = 5
	for i := 1; i <= n; i++ {
		frame := &message.CallFrame{ID: strconv.Itoa(i), ReplyTo: replyTo, Command: "slow"}
		envelope, err := protocol.Pack(codec.CodecTypeJSON, protocol.MsgTypeCall, 0, uint32(i), frame)
		require.NoError(t, err)
		require.NoError(t, b.Publish(ctx, broker.CallsMailbox(self.Encode()), envelope))
	}

	for i := 1; i <= n; i++ {
		select {
		case data := <-replies:
			header, _, err := protocol.Unpack(data)
			require.NoError(t, err)
			assert.Equal(t, uint32(i), header.Seq, "responses must follow arrival order")
		case <-time.After(2 * time.Second):
			t.Fatal("timed out")
		}
	}
	assert.Zero(t, overlaps.Load())
}

func TestServerDropsMalformedInput(t *testing.T) {
	b := broker.NewMemoryBroker()
	svr, stop, _ := startServer(t, b, command.MustNewRegistry(map[string]command.Handler{"calculate-sum": sum}))
	defer stop()

	require.NoError(t, b.Publish(context.Background(), broker.CallsMailbox(self.Encode()), []byte("garbage")))

	c := newCaller(t, context.Background(), b)
	_, resp := c.call("calculate-sum", "1", "2")
	assert.Equal(t, []string{"go", "3"}, resp.Strings())
	assert.Equal(t, uint64(1), svr.Served())
}

func TestServerStopsWhenBrokerCloses(t *testing.T) {
	b := broker.NewMemoryBroker()
	svr, stop, done := startServer(t, b, command.MustNewRegistry(map[string]command.Handler{"calculate-sum": sum}))
	defer stop()

	require.NoError(t, b.Close())

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrBrokerClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop")
	}
	assert.Equal(t, StateStopped, svr.State())
}

func TestServeStopsOnCancel(t *testing.T) {
	b := broker.NewMemoryBroker()
	svr, stop, done := startServer(t, b, command.MustNewRegistry(map[string]command.Handler{"calculate-sum": sum}))

	stop()
	require.NoError(t, <-done)
	assert.Equal(t, StateStopped, svr.State())
}

func TestRunStopsWhenRegistrationExhausted(t *testing.T) {
	b := broker.NewMemoryBroker()
	svr := NewServer(Options{
		Self:     self,
		Broker:   b,
		Commands: command.MustNewRegistry(map[string]command.Handler{"calculate-sum": sum}),
		Logger:   zap.NewNop(),
	})

	// No orchestrator is listening, so the single attempt times out.
	done := make(chan error, 1)
	go func() {
		done <- svr.Run(context.Background(), RegistrationOptions{
			Orchestrator:      orchestrator,
			Attempts:          1,
			PerAttemptTimeout: 50 * time.Millisecond,
		})
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, registry.ErrRegistrationExhausted))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after registration failure")
	}
	assert.Equal(t, 1, svr.Registrar().Attempts())
	assert.Equal(t, StateStopped, svr.State())
	assert.False(t, svr.Registered())
}

func TestRunRegistersAndUnregisters(t *testing.T) {
	b := broker.NewMemoryBroker()
	dir := registry.NewDirectory(b, orchestrator, codec.CodecTypeJSON, time.Minute, zap.NewNop())
	unregistered := make(chan bool, 1)
	dir.OnServiceUnregistering = func(d descriptor.ServiceDescriptor, isZombie bool) error {
		unregistered <- isZombie
		return nil
	}
	dctx, dstop := context.WithCancel(context.Background())
	defer dstop()
	go dir.Serve(dctx)
	require.Eventually(t, func() bool {
		return b.Subscribers(broker.RegistrationsMailbox(orchestrator.Encode())) == 1
	}, time.Second, 5*time.Millisecond)

	svr := NewServer(Options{
		Self:     self,
		Broker:   b,
		Commands: command.MustNewRegistry(map[string]command.Handler{"calculate-sum": sum}),
		Codec:    codec.CodecTypeBinary,
		Logger:   zap.NewNop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svr.Run(ctx, RegistrationOptions{
			Orchestrator:      orchestrator,
			Attempts:          3,
			PerAttemptTimeout: time.Second,
			HeartbeatInterval: 10 * time.Millisecond,
		})
	}()

	require.Eventually(t, svr.Registered, 2*time.Second, 5*time.Millisecond)
	found, err := dir.Discover("calc")
	require.NoError(t, err)
	assert.Equal(t, []descriptor.ServiceDescriptor{self}, found)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateStopped, svr.State())

	select {
	case zombie := <-unregistered:
		assert.False(t, zombie)
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator never saw the unregister")
	}
}

func TestRunStopsWhenReRegistrationRejected(t *testing.T) {
	b := broker.NewMemoryBroker()
	dir := registry.NewDirectory(b, orchestrator, codec.CodecTypeJSON, time.Minute, zap.NewNop())
	var closed atomic.Bool
	dir.OnServiceRegistering = func(d descriptor.ServiceDescriptor) error {
		if closed.Load() {
			return errors.New("orchestrator is draining")
		}
		return nil
	}
	dctx, dstop := context.WithCancel(context.Background())
	defer dstop()
	go dir.Serve(dctx)
	require.Eventually(t, func() bool {
		return b.Subscribers(broker.RegistrationsMailbox(orchestrator.Encode())) == 1
	}, time.Second, 5*time.Millisecond)

	svr := NewServer(Options{
		Self:     self,
		Broker:   b,
		Commands: command.MustNewRegistry(map[string]command.Handler{"calculate-sum": sum}),
		Codec:    codec.CodecTypeBinary,
		Logger:   zap.NewNop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- svr.Run(ctx, RegistrationOptions{
			Orchestrator:      orchestrator,
			Attempts:          3,
			PerAttemptTimeout: time.Second,
			HeartbeatInterval: 10 * time.Millisecond,
		})
	}()
	require.Eventually(t, svr.Registered, 2*time.Second, 5*time.Millisecond)

	closed.Store(true)
	dir.Sweep(time.Now().Add(2 * time.Minute))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, registry.ErrRegistrationRejected)
		assert.Contains(t, err.Error(), "orchestrator is draining")
	case <-time.After(2 * time.Second):
		t.Fatal("server kept running after the orchestrator dropped it")
	}
	assert.False(t, svr.Registered())
	assert.Equal(t, StateStopped, svr.State())
}
