// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package status

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bureau-foundation/modelfleet/lib/clock"
	"github.com/bureau-foundation/modelfleet/lib/round"
	"github.com/bureau-foundation/modelfleet/lib/selector"
	"github.com/bureau-foundation/modelfleet/lib/version"
)

// BestModelSource reports the current best model.
type BestModelSource interface {
	Best() (selector.BestModel, bool)
}

// RoundSource reports round progress.
type RoundSource interface {
	Status() round.Status
}

// Snapshot is the /status response body.
type Snapshot struct {
	Version   string              `json:"version"`
	Uptime    string              `json:"uptime"`
	BestModel *selector.BestModel `json:"best_model"`
	Round     *round.Status       `json:"round,omitempty"`
}

// HandlerConfig wires the handler to its sources. Round may be nil when
// the process runs without a round.
type HandlerConfig struct {
	Best    BestModelSource
	Round   RoundSource
	Clock   clock.Clock
	Started time.Time
}

// NewHandler returns the router for the status endpoint.
func NewHandler(cfg HandlerConfig) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(writer http.ResponseWriter, _ *http.Request) {
		writer.Header().Set("Content-Type", "text/plain; charset=utf-8")
		writer.Write([]byte("ok"))
	})

	router.Get("/status", func(writer http.ResponseWriter, _ *http.Request) {
		snapshot := Snapshot{
			Version: version.Info(),
			Uptime:  cfg.Clock.Now().Sub(cfg.Started).Truncate(time.Second).String(),
		}
		if best, ok := cfg.Best.Best(); ok {
			snapshot.BestModel = &best
		}
		if cfg.Round != nil {
			roundStatus := cfg.Round.Status()
			snapshot.Round = &roundStatus
		}
		writer.Header().Set("Content-Type", "application/json")
		encoder := json.NewEncoder(writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(snapshot); err != nil {
			http.Error(writer, err.Error(), http.StatusInternalServerError)
		}
	})
	return router
}
