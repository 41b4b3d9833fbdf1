// SPDX-License-Identifier: Apache 2.0

// Package handlers exposes the fscp.Server's synchronous operations over
// a small administrative HTTP API, loopback-bound by default.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/freelan-developers/go-fscp/internal/fscp"
)

// peerView is the JSON shape of one entry in PeersHandler's response.
type peerView struct {
	Endpoint            string    `json:"endpoint"`
	Phase               string    `json:"phase"`
	LastInbound         time.Time `json:"last_inbound,omitempty"`
	LastOutbound        time.Time `json:"last_outbound,omitempty"`
	LocalSessionNumber  uint32    `json:"local_session_number,omitempty"`
	RemoteSessionNumber uint32    `json:"remote_session_number,omitempty"`
	HasLocalSession     bool      `json:"has_local_session"`
	HasRemoteSession    bool      `json:"has_remote_session"`
}

// PeersHandler returns GET /api/v1/peers: a snapshot of every peer the
// server currently knows about.
func PeersHandler(srv *fscp.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		slog.Debug("Listing peers")

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		snaps, err := srv.Peers(ctx)
		if err != nil {
			slog.Error("Error listing peers", "err", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		views := make([]peerView, len(snaps))
		for i, s := range snaps {
			views[i] = peerView{
				Endpoint:            s.Endpoint.String(),
				Phase:               s.Phase.String(),
				LastInbound:         s.LastInbound,
				LastOutbound:        s.LastOutbound,
				LocalSessionNumber:  s.LocalSessionNumber,
				RemoteSessionNumber: s.RemoteSessionNumber,
				HasLocalSession:     s.HasLocalSession,
				HasRemoteSession:    s.HasRemoteSession,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(views); err != nil {
			slog.Error("Error encoding peers response", "err", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
	}
}
