// SPDX-License-Identifier: Apache 2.0

package handlers

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/freelan-developers/go-fscp/internal/fscp"
)

// presentationRequest is the JSON body accepted by PUT .../presentation:
// DER certificates, base64-encoded.
type presentationRequest struct {
	SignatureCertificateDER  string `json:"signature_certificate_der"`
	EncryptionCertificateDER string `json:"encryption_certificate_der"`
}

type presentationResponse struct {
	Found                    bool   `json:"found"`
	SignatureCertificateDER  string `json:"signature_certificate_der,omitempty"`
	EncryptionCertificateDER string `json:"encryption_certificate_der,omitempty"`
}

// PresentationHandler serves GET/PUT/DELETE
// /api/v1/peers/{endpoint}/presentation, fronting
// Server.{GetPresentation,SetPresentation,ClearPresentation}.
func PresentationHandler(srv *fscp.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("Received presentation request", "method", r.Method, "path", r.URL.Path)
		ep, err := fscp.ParseEndpoint(r.PathValue("endpoint"))
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid endpoint: %v", err), http.StatusBadRequest)
			return
		}

		switch r.Method {
		case http.MethodGet:
			getPresentation(w, r, srv, ep)
		case http.MethodPut:
			putPresentation(w, r, srv, ep)
		case http.MethodDelete:
			srv.ClearPresentation(ep)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func getPresentation(w http.ResponseWriter, r *http.Request, srv *fscp.Server, ep fscp.Endpoint) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rec, found, err := srv.GetPresentation(ctx, ep)
	if err != nil {
		slog.Error("Error fetching presentation", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	resp := presentationResponse{Found: found}
	if found {
		resp.SignatureCertificateDER = base64.StdEncoding.EncodeToString(rec.SigCert.Raw)
		if rec.EncCert != nil {
			resp.EncryptionCertificateDER = base64.StdEncoding.EncodeToString(rec.EncCert.Raw)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Error encoding presentation response", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func putPresentation(w http.ResponseWriter, r *http.Request, srv *fscp.Server, ep fscp.Endpoint) {
	var req presentationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sigDER, err := base64.StdEncoding.DecodeString(req.SignatureCertificateDER)
	if err != nil {
		http.Error(w, "invalid signature_certificate_der", http.StatusBadRequest)
		return
	}
	sigCert, err := x509.ParseCertificate(sigDER)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid signature certificate: %v", err), http.StatusBadRequest)
		return
	}

	rec := fscp.PresentationRecord{SigCert: sigCert}
	if req.EncryptionCertificateDER != "" {
		encDER, err := base64.StdEncoding.DecodeString(req.EncryptionCertificateDER)
		if err != nil {
			http.Error(w, "invalid encryption_certificate_der", http.StatusBadRequest)
			return
		}
		encCert, err := x509.ParseCertificate(encDER)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid encryption certificate: %v", err), http.StatusBadRequest)
			return
		}
		rec.EncCert = encCert
	}

	srv.SetPresentation(ep, rec)
	w.WriteHeader(http.StatusNoContent)
}
