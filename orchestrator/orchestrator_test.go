package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
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
	"svcbus/registry"
	"svcbus/server"
	"svcbus/services/calc"
	"svcbus/services/linalg"
)

func startOrchestrator(t *testing.T, b *broker.MemoryBroker) *Orchestrator {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	o, err := New(ctx, Options{
		Broker:        b,
		Codec:         codec.CodecTypeBinary,
		AcceptedTypes: []string{calc.ServiceType, linalg.ServiceType},
		ZombieTimeout: time.Minute,
		CallTimeout:   time.Second,
		Logger:        zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })

	go o.Serve(ctx)
	require.Eventually(t, func() bool {
		return b.Subscribers(broker.RegistrationsMailbox(Self.Encode())) == 1
	}, time.Second, 5*time.Millisecond)
	return o
}

// runService starts a service the way the binaries do and returns Run's result channel.
func runService(t *testing.T, b broker.Broker, self descriptor.ServiceDescriptor, commands *command.Registry) (*server.Server, <-chan error) {
	t.Helper()
	svr := server.NewServer(server.Options{Self: self, Broker: b, Commands: commands, Codec: codec.CodecTypeJSON, Logger: zap.NewNop()})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() {
		done <- svr.Run(ctx, server.RegistrationOptions{
			Orchestrator:      Self,
			Attempts:          5,
			PerAttemptTimeout: time.Second,
		})
	}()
	return svr, done
}

func TestCalculateAndMatmul(t *testing.T) {
	b := broker.NewMemoryBroker()
	o := startOrchestrator(t, b)

	calcSvr, _ := runService(t, b, descriptor.New(calc.ServiceType, "c1"), calc.Commands())
	linalgSvr, _ := runService(t, b, descriptor.New(linalg.ServiceType, "l1"), linalg.Commands())
	require.Eventually(t, calcSvr.Registered, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, linalgSvr.Registered, 2*time.Second, 5*time.Millisecond)

	sum, err := o.Calculate(context.Background(), "calculate-sum", 3, 4)
	require.NoError(t, err)
	assert.Equal(t, 7, sum)

	diff, err := o.Calculate(context.Background(), "calculate-subtract", 3, 4)
	require.NoError(t, err)
	assert.Equal(t, -1, diff)

	product, err := o.Matmul(context.Background(),
		codec.NewMatrix([][]int32{{1, 2, 3}, {4, 5, 6}}),
		codec.NewMatrix([][]int32{{2}, {2}, {2}}))
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{12}, {30}}, product.Rows())

	_, err = o.Matmul(context.Background(),
		codec.NewMatrix([][]int32{{1, 2, 3}, {4, 5, 6}}),
		codec.NewMatrix([][]int32{{2}, {2}, {2}, {2}}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "core dimension")
}

// A linalg peer replying with a shape too large to allocate yields an error, not a crash.
func TestMatmulOversizedReply(t *testing.T) {
	b := broker.NewMemoryBroker()
	o := startOrchestrator(t, b)

	rogue := command.MustNewRegistry(map[string]command.Handler{
		"linalg-matmul": func(context.Context, *message.RPCCallRequest) ([][]byte, error) {
			return [][]byte{[]byte("2147483648,2147483648"), nil}, nil
		},
	})
	svr, _ := runService(t, b, descriptor.New(linalg.ServiceType, "rogue"), rogue)
	require.Eventually(t, svr.Registered, 2*time.Second, 5*time.Millisecond)

	var err error
	require.NotPanics(t, func() {
		_, err = o.Matmul(context.Background(),
			codec.NewMatrix([][]int32{{1}}),
			codec.NewMatrix([][]int32{{1}}))
	})
	assert.ErrorIs(t, err, codec.ErrMatrixShape)
}

func TestRejectsUnknownServiceType(t *testing.T) {
	b := broker.NewMemoryBroker()
	o := startOrchestrator(t, b)

	svr, done := runService(t, b, descriptor.New("weird", "w1"), calc.Commands())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, registry.ErrRegistrationRejected)
		assert.Contains(t, err.Error(), "unknown service type to register: weird")
	case <-time.After(2 * time.Second):
		t.Fatal("rejected service kept running")
	}
	assert.Equal(t, server.StateStopped, svr.State())
	assert.Empty(t, o.Directory().Types())
}

func TestStatusAPI(t *testing.T) {
	b := broker.NewMemoryBroker()
	o := startOrchestrator(t, b)
	h := o.Handler()

	get := func(path string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		return rr
	}

	rr := get("/healthz")
	require.Equal(t, http.StatusOK, rr.Code)
	var health HealthzResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Zero(t, health.Services)

	assert.Equal(t, http.StatusNotFound, get("/services/calc").Code)

	svr, _ := runService(t, b, descriptor.New(calc.ServiceType, "c1"), calc.Commands())
	require.Eventually(t, svr.Registered, 2*time.Second, 5*time.Millisecond)

	rr = get("/services")
	require.Equal(t, http.StatusOK, rr.Code)
	var services ServicesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &services))
	assert.Equal(t, map[string][]string{"calc": {"svc:calc:c1"}}, services.Services)

	assert.Equal(t, http.StatusOK, get("/services/calc").Code)

	post := func(path, body string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
		return rr
	}

	rr = post("/services/calc/calls/calculate-sum", `{"args":["3","4"]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var call CallResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &call))
	assert.Equal(t, []string{"go", "7"}, call.Result)

	rr = post("/services/calc/calls/calculate-sum", `{"args":["abc","4"]}`)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	var apiErr ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &apiErr))
	assert.Equal(t, "handler", apiErr.Kind)

	assert.Equal(t, http.StatusNotFound, post("/services/linalg/calls/linalg-matmul", `{"args":[]}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("/services/calc/calls/calculate-sum", `not json`).Code)
}

func TestAcceptedTypes(t *testing.T) {
	o := startOrchestrator(t, broker.NewMemoryBroker())
	assert.Equal(t, []string{"calc", "linalg"}, o.AcceptedTypes())
}
