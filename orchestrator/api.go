package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"svcbus/client"
	"svcbus/message"
)

type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Services      int    `json:"services"`
	PendingCalls  int    `json:"pending_calls"`
}

type ServicesResponse struct {
	Services map[string][]string `json:"services"`
}

type CallRequest struct {
	Args []string `json:"args"`
}

type CallResponse struct {
	Service string   `json:"service"`
	Command string   `json:"command"`
	Result  []string `json:"result"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// Handler returns the status API:
//
//	GET  /healthz
//	GET  /services
//	GET  /services/{type}
//	POST /services/{type}/calls/{command}   body: {"args": [...]}
func (o *Orchestrator) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(o.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", o.handleHealthz)
	r.Get("/services", o.handleListServices)
	r.Get("/services/{type}", o.handleGetService)
	r.Post("/services/{type}/calls/{command}", o.handleCall)
	return r
}

// ListenAndServe serves the status API on addr until ctx is done.
func (o *Orchestrator) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           o.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	o.logger.Info("status API listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status API shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("status API: %w", err)
	}
}

func (o *Orchestrator) handleHealthz(w http.ResponseWriter, r *http.Request) {
	services := 0
	for _, t := range o.dir.Types() {
		list, _ := o.dir.Discover(t)
		services += len(list)
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(o.startedAt).Seconds()),
		Services:      services,
		PendingCalls:  o.client.Pending(),
	})
}

func (o *Orchestrator) handleListServices(w http.ResponseWriter, r *http.Request) {
	resp := ServicesResponse{Services: map[string][]string{}}
	for _, t := range o.dir.Types() {
		resp.Services[t] = o.instances(t)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (o *Orchestrator) handleGetService(w http.ResponseWriter, r *http.Request) {
	serviceType := chi.URLParam(r, "type")
	ids := o.instances(serviceType)
	if len(ids) == 0 {
		respondJSON(w, http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("no registered %s service", serviceType)})
		return
	}
	respondJSON(w, http.StatusOK, ServicesResponse{Services: map[string][]string{serviceType: ids}})
}

func (o *Orchestrator) handleCall(w http.ResponseWriter, r *http.Request) {
	serviceType := chi.URLParam(r, "type")
	command := chi.URLParam(r, "command")

	var req CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}

	out, err := o.client.Call(r.Context(), serviceType, command, message.Bytes(req.Args...))
	if err != nil {
		var er *message.ErrorResult
		switch {
		case errors.Is(err, client.ErrNoInstances):
			respondJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
		case errors.As(err, &er) && er.Kind == message.KindTimeout:
			respondJSON(w, http.StatusGatewayTimeout, ErrorResponse{Error: er.Message, Kind: er.Kind})
		case errors.As(err, &er):
			respondJSON(w, http.StatusBadGateway, ErrorResponse{Error: er.Message, Kind: er.Kind})
		default:
			respondJSON(w, http.StatusBadGateway, ErrorResponse{Error: err.Error()})
		}
		return
	}

	result := make([]string, len(out))
	for i, p := range out {
		result[i] = string(p)
	}
	respondJSON(w, http.StatusOK, CallResponse{Service: serviceType, Command: command, Result: result})
}

func (o *Orchestrator) instances(serviceType string) []string {
	list, _ := o.dir.Discover(serviceType)
	ids := make([]string, len(list))
	for i, d := range list {
		ids[i] = d.Encode()
	}
	return ids
}

func (o *Orchestrator) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		o.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
