// ABOUTME: Admin HTTP API: fleet CRUD, tunnel and session introspection, kick.
// ABOUTME: JSON DTOs over gorilla/mux with bearer-token middleware when configured.

package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/backhaul-dev/backhaul/internal/auth"
	"github.com/backhaul-dev/backhaul/internal/fleet"
)

// RegisterMachineRequest is the JSON body for POST /api/machines.
type RegisterMachineRequest struct {
	MachineID string            `json:"machine_id"`
	Provider  string            `json:"provider,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SessionResponse is one agent session with its call counters.
type SessionResponse struct {
	SessionID     string    `json:"session_id"`
	Principal     string    `json:"principal"`
	MachineID     string    `json:"machine_id"`
	ConnectedAt   time.Time `json:"connected_at"`
	PendingCalls  int       `json:"pending_calls"`
	QueuedResults int       `json:"queued_results"`
}

// DisconnectResponse is the JSON response for POST /api/machines/{id}/disconnect.
type DisconnectResponse struct {
	MachineID    string `json:"machine_id"`
	Disconnected bool   `json:"disconnected"`
}

// routes assembles the relay handler: health probes, the two WebSocket
// endpoints, and the admin API behind auth middleware.
func (r *Relay) routes() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", r.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", r.handleReady).Methods(http.MethodGet)
	router.HandleFunc("/tunnel", r.handleTunnelWS)
	router.HandleFunc("/agent", r.handleAgentWS)

	api := router.PathPrefix("/api").Subrouter()
	if r.cfg.Auth.JWTSecret != "" {
		api.Use(auth.HTTPAuthMiddleware(r.verifier))
	} else {
		api.Use(auth.NoAuthMiddleware())
	}

	api.HandleFunc("/machines", r.handleRegisterMachine).Methods(http.MethodPost)
	api.HandleFunc("/machines", r.handleListMachines).Methods(http.MethodGet)
	api.HandleFunc("/machines/{id}", r.handleGetMachine).Methods(http.MethodGet)
	api.HandleFunc("/machines/{id}", r.handleRemoveMachine).Methods(http.MethodDelete)
	api.HandleFunc("/machines/{id}/disconnect", r.handleDisconnectMachine).Methods(http.MethodPost)
	api.HandleFunc("/fleet/summary", r.handleFleetSummary).Methods(http.MethodGet)
	api.HandleFunc("/tunnels", r.handleListTunnels).Methods(http.MethodGet)
	api.HandleFunc("/sessions", r.handleListSessions).Methods(http.MethodGet)

	return router
}

// parseRegisterMachine parses and validates a RegisterMachineRequest.
// Returns an error if the JSON is invalid or machine_id is missing.
func parseRegisterMachine(body io.Reader) (*RegisterMachineRequest, error) {
	var req RegisterMachineRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.MachineID == "" {
		return nil, errors.New("machine_id is required")
	}
	return &req, nil
}

// handleRegisterMachine handles POST /api/machines. Registering an existing
// id refreshes the record and resets its status.
func (r *Relay) handleRegisterMachine(w http.ResponseWriter, req *http.Request) {
	body, err := parseRegisterMachine(req.Body)
	if err != nil {
		r.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	provider := body.Provider
	if provider == "" {
		provider = "unknown"
	}

	existed := r.registry.Has(body.MachineID)
	machine := r.registry.Register(body.MachineID, provider, body.IP, body.Metadata)

	w.Header().Set("Content-Type", "application/json")
	if existed {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
	json.NewEncoder(w).Encode(machine)
}

// handleListMachines handles GET /api/machines.
func (r *Relay) handleListMachines(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(r.registry.List())
}

// handleGetMachine handles GET /api/machines/{id}.
func (r *Relay) handleGetMachine(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	machine, err := r.registry.Get(id)
	if err != nil {
		if errors.Is(err, fleet.ErrNotFound) {
			r.sendJSONError(w, http.StatusNotFound, "machine not found")
			return
		}
		r.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(machine)
}

// handleRemoveMachine handles DELETE /api/machines/{id}. Removal deletes
// the record only; a live tunnel for the machine stays bound.
func (r *Relay) handleRemoveMachine(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if err := r.registry.Remove(id); err != nil {
		if errors.Is(err, fleet.ErrNotFound) {
			r.sendJSONError(w, http.StatusNotFound, "machine not found")
			return
		}
		r.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDisconnectMachine handles POST /api/machines/{id}/disconnect. The
// kick runs the full teardown: pending calls abort, status flips.
func (r *Relay) handleDisconnectMachine(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	dropped := r.tunnels.Kick(id)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(DisconnectResponse{MachineID: id, Disconnected: dropped})
}

// handleFleetSummary handles GET /api/fleet/summary.
func (r *Relay) handleFleetSummary(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(r.registry.Summary())
}

// handleListTunnels handles GET /api/tunnels.
func (r *Relay) handleListTunnels(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(r.tunnels.Snapshot())
}

// handleListSessions handles GET /api/sessions.
func (r *Relay) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := r.router.Sessions()
	response := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		pending, queued := r.router.SessionStats(s.ID)
		response = append(response, SessionResponse{
			SessionID:     s.ID,
			Principal:     s.Principal,
			MachineID:     s.MachineID,
			ConnectedAt:   s.ConnectedAt,
			PendingCalls:  pending,
			QueuedResults: queued,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// sendJSONError writes a JSON error response.
func (r *Relay) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
