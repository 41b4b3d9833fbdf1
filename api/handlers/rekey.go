// SPDX-License-Identifier: Apache 2.0

package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/freelan-developers/go-fscp/internal/fscp"
)

// RekeyHandler serves POST /api/v1/peers/{endpoint}/rekey, forcing a new
// SESSION_REQUEST toward an already-known peer.
func RekeyHandler(srv *fscp.Server) http.HandlerFunc {
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

		slog.Debug("Forcing rekey", "peer", ep.String())
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := srv.Rekey(ctx, ep); err != nil {
			slog.Debug("Rekey failed", "peer", ep.String(), "err", err)
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}
