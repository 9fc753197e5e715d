package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pyropy/s2s/core/client"
	"github.com/pyropy/s2s/core/model"
	"github.com/pyropy/s2s/core/queue"
)

// Sender is what the api needs from the client.
type Sender interface {
	Enqueue(ctx context.Context, rec model.Record) (uint64, error)
	Status() client.Status
}

// PeerSource lists directory snapshots.
type PeerSource interface {
	Clusters() []string
	State(cluster string) model.PeerDirectoryState
}

type enqueueReply struct {
	ID uint64 `json:"id"`
}

type errorReply struct {
	Error string `json:"error"`
}

func newAPI(sender Sender, directory PeerSource) http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.Recoverer)

	rtr.Post("/records", func(w http.ResponseWriter, r *http.Request) {
		var data model.RecordData
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			writeJSON(w, http.StatusBadRequest, errorReply{Error: err.Error()})
			return
		}

		id, err := sender.Enqueue(r.Context(), data.Record())
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			writeJSON(w, http.StatusServiceUnavailable, errorReply{Error: err.Error()})
			return
		case err != nil:
			log.Errorw("api", "event", "enqueue", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorReply{Error: err.Error()})
			return
		}

		log.Debugw("api", "event", "enqueue", "id", id)
		writeJSON(w, http.StatusCreated, enqueueReply{ID: id})
	})

	rtr.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, sender.Status())
	})

	rtr.Get("/peers", func(w http.ResponseWriter, _ *http.Request) {
		states := make([]model.PeerDirectoryState, 0)
		for _, cluster := range directory.Clusters() {
			states = append(states, directory.State(cluster))
		}

		writeJSON(w, http.StatusOK, states)
	})

	return rtr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnw("api", "event", "write response", "error", err)
	}
}
