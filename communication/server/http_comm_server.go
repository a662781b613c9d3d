// Package server exposes a communication.Handler over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"openbt/communication"
	"openbt/meta"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

type ServerCommunicator struct {
	handler communication.Handler
	rank    int
	mux     *http.ServeMux
	log     zerolog.Logger
}

// NewServerCommunicator routes POST /request, POST /decision and GET /health to handler.
func NewServerCommunicator(handler communication.Handler, rank int) *ServerCommunicator {
	sc := &ServerCommunicator{
		handler: handler,
		rank:    rank,
		mux:     http.NewServeMux(),
		log:     log.With().Str("component", "server").Int("rank", rank).Logger(),
	}
	sc.mux.HandleFunc("POST /request", sc.handleRequest)
	sc.mux.HandleFunc("POST /decision", sc.handleDecision)
	sc.mux.HandleFunc("GET /health", sc.handleHealth)
	return sc
}

func (sc *ServerCommunicator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sc.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (sc *ServerCommunicator) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return sc.Serve(ctx, listener)
}

func (sc *ServerCommunicator) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{Handler: sc, ReadHeaderTimeout: 10 * time.Second}
	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		done <- srv.Shutdown(shutdownCtx)
	}()

	sc.log.Info().Msgf("listening on %s", listener.Addr())
	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return <-done
}

func (sc *ServerCommunicator) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req communication.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sc.fail(w, http.StatusBadRequest, err)
		return
	}
	resp, err := sc.handler.Handle(r.Context(), req)
	if err != nil {
		sc.fail(w, status(err), err)
		return
	}
	sc.reply(w, resp)
}

func (sc *ServerCommunicator) handleDecision(w http.ResponseWriter, r *http.Request) {
	var d communication.Decision
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		sc.fail(w, http.StatusBadRequest, err)
		return
	}
	ack, err := sc.handler.Commit(r.Context(), d)
	if err != nil {
		sc.fail(w, status(err), err)
		return
	}
	sc.reply(w, ack)
}

func (sc *ServerCommunicator) handleHealth(w http.ResponseWriter, r *http.Request) {
	sc.reply(w, communication.Health{Rank: sc.rank, Version: meta.Version})
}

func status(err error) int {
	switch {
	case errors.Is(err, communication.ErrShardMismatch):
		return http.StatusPreconditionFailed
	case errors.Is(err, communication.ErrProtocol):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (sc *ServerCommunicator) fail(w http.ResponseWriter, code int, err error) {
	sc.log.Warn().Err(err).Int("status", code).Msg("request failed")
	sc.write(w, code, errorBody{Error: err.Error()})
}

func (sc *ServerCommunicator) reply(w http.ResponseWriter, body any) {
	sc.write(w, http.StatusOK, body)
}

func (sc *ServerCommunicator) write(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		sc.log.Error().Err(err).Msg("failed to write response")
	}
}
