// Package server maps HTTP requests onto sync operations and the error
// taxonomy onto response codes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/apex/log"
	"github.com/gorilla/mux"

	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/auth"
	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/db"
	"github.com/onsetsoftware/automerge-repo-network-supabase/internal/protocol"
)

// SyncService is the orchestrator surface the dispatcher drives.
type SyncService interface {
	SetupPeer(peer protocol.PeerID)
	ResetDocState(peer protocol.PeerID, channel protocol.ChannelID)
	UpdateDoc(ctx context.Context, msg protocol.Message, identity *auth.Identity) ([]byte, error)
	GenerateSyncMessage(ctx context.Context, channel protocol.ChannelID, peer protocol.PeerID, identity *auth.Identity) ([]byte, error)
}

const allowedHeaders = "authorization, x-client-info, apikey, content-type"

type Handler struct {
	svc SyncService
}

func New(svc SyncService) *Handler {
	return &Handler{svc: svc}
}

// Router wires the closed set of actions. Anything else is a 404.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/connect", h.handleConnect).Methods(http.MethodPost)
	r.HandleFunc("/pull", h.handlePull).Methods(http.MethodPost)
	r.HandleFunc("/sync-message", h.handleSyncMessage).Methods(http.MethodPost)
	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(handlePreflight)
	r.NotFoundHandler = http.HandlerFunc(handleUnknown)
	return r
}

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	identity, err := auth.FromRequest(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	var body struct {
		SenderID string `json:"senderId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, err, identity)
		return
	}

	h.svc.SetupPeer(protocol.PeerID(body.SenderID))
	log.WithField("peer", body.SenderID).Info("peer connected")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "connected"})
}

func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	identity, err := auth.FromRequest(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	var body struct {
		SenderID  string `json:"senderId"`
		ChannelID string `json:"channelId"`
		TargetID  string `json:"targetId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, err, identity)
		return
	}

	data, err := h.svc.GenerateSyncMessage(r.Context(),
		protocol.ChannelID(body.ChannelID), protocol.PeerID(body.SenderID), identity)
	if err != nil {
		writeError(w, err, identity)
		return
	}

	writeEnvelope(w, protocol.Message{
		ChannelID: protocol.ChannelID(body.ChannelID),
		SenderID:  protocol.PeerID(body.TargetID),
		TargetID:  protocol.PeerID(body.SenderID),
		Data:      data,
	}, identity)
}

func (h *Handler) handleSyncMessage(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	identity, err := auth.FromRequest(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, err, identity)
		return
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		writeError(w, err, identity)
		return
	}

	data, err := h.svc.UpdateDoc(r.Context(), msg, identity)
	if err != nil {
		h.svc.ResetDocState(msg.SenderID, msg.ChannelID)
		writeError(w, err, identity)
		return
	}

	writeEnvelope(w, protocol.Message{
		ChannelID: msg.ChannelID,
		SenderID:  msg.TargetID,
		TargetID:  msg.SenderID,
		Data:      data,
	}, identity)
}

// writeEnvelope responds with a CBOR envelope. Data may be empty, meaning
// "nothing to send"; the empty payload travels inside the envelope, never as
// a bare sync-message.
func writeEnvelope(w http.ResponseWriter, msg protocol.Message, identity *auth.Identity) {
	encoded, err := protocol.Encode(msg)
	if err != nil {
		writeError(w, err, identity)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(encoded)
}

func writeError(w http.ResponseWriter, err error, identity *auth.Identity) {
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		http.Error(w, "Unauthorized - Invalid Token", http.StatusUnauthorized)
	case errors.Is(err, db.ErrRLSViolation):
		if identity != nil && identity.Role == "anon" {
			http.Error(w, "Unauthorized - RLS Error", http.StatusUnauthorized)
			return
		}
		http.Error(w, "Forbidden - RLS Error", http.StatusForbidden)
	case errors.Is(err, db.ErrBrokenConn):
		http.Error(w, "Connection Error - Please try again", http.StatusBadRequest)
	default:
		log.WithError(err).Error("request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func handlePreflight(w http.ResponseWriter, _ *http.Request) {
	setCORS(w)
	w.WriteHeader(http.StatusOK)
}

func handleUnknown(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	http.Error(w, "Invalid Action - "+r.URL.Path, http.StatusNotFound)
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
}
