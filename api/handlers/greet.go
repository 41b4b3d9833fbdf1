// SPDX-License-Identifier: Apache 2.0

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/freelan-developers/go-fscp/internal/fscp"
)

type greetResponse struct {
	RTTMilliseconds float64 `json:"rtt_ms,omitempty"`
	TimedOut        bool    `json:"timed_out"`
}

// GreetHandler serves POST /api/v1/peers/{endpoint}/greet: a one-shot
// HELLO probe, returning the measured round-trip time or a timeout.
func GreetHandler(srv *fscp.Server, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ep, err := fscp.ParseEndpoint(r.PathValue("endpoint"))
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid endpoint: %v", err), http.StatusBadRequest)
			return
		}

		slog.Debug("Greeting peer", "peer", ep.String())
		ctx, cancel := context.WithTimeout(r.Context(), timeout+time.Second)
		defer cancel()

		rtt, err := srv.Greet(ctx, ep)
		if err != nil {
			if errors.Is(err, fscp.ErrTimeout) {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(greetResponse{TimedOut: true})
				return
			}
			slog.Debug("Greet failed", "peer", ep.String(), "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(greetResponse{RTTMilliseconds: float64(rtt.Microseconds()) / 1000})
	}
}
