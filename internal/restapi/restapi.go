// Package restapi implements the control-plane-facing REST surface:
// POST /api/machine and GET /api/machine/:id, bearer-token authenticated
// against the auth.Verifier and backed by the orchestrator.Client.
package restapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/eseiker/agent8-container-agent/internal/orchestrator"
)

// AuthVerifier validates bearer tokens.
type AuthVerifier interface {
	Verify(token string) bool
}

// Handlers holds the dependencies for the REST surface.
type Handlers struct {
	orchestrator *orchestrator.Future
	auth         AuthVerifier
	appName      string
	imageRef     string
}

// New constructs the REST handlers.
func New(future *orchestrator.Future, auth AuthVerifier, appName, imageRef string) *Handlers {
	return &Handlers{
		orchestrator: future,
		auth:         auth,
		appName:      appName,
		imageRef:     imageRef,
	}
}

// Register wires the handlers onto mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/machine", h.handleCreateMachine)
	mux.HandleFunc("GET /api/machine/{id}", h.handleGetMachine)
}

func (h *Handlers) bearerToken(r *http.Request) string {
	v := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(v, prefix) {
		return ""
	}
	return strings.TrimPrefix(v, prefix)
}

func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request) bool {
	token := h.bearerToken(r)
	if token == "" || !h.auth.Verify(token) {
		writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
		return false
	}
	return true
}

// handleCreateMachine creates a new machine via the orchestrator.
func (h *Handlers) handleCreateMachine(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	var body struct {
		Name   string            `json:"name"`
		Region string            `json:"region"`
		Env    map[string]string `json:"env"`
	}
	// Body is optional; defaults are used if decoding fails or body is empty.
	_ = json.NewDecoder(r.Body).Decode(&body)

	client := h.orchestrator.Await()

	machine, err := client.CreateMachine(orchestrator.MachineSpec{
		Name:   body.Name,
		Image:  h.imageRef,
		Env:    body.Env,
		Region: body.Region,
	}, h.bearerToken(r))
	if err != nil {
		slog.Error("failed to create machine", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create machine")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"machine_id": machine.ID,
	})
}

// handleGetMachine returns the current status of a machine.
func (h *Handlers) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "machine id is required")
		return
	}

	client := h.orchestrator.Await()

	machine, err := client.GetMachineStatus(id)
	if err != nil {
		if err == orchestrator.ErrMachineNotFound {
			writeError(w, http.StatusNotFound, "machine not found")
			return
		}
		slog.Error("failed to get machine status", "error", err, "machineId", id)
		writeError(w, http.StatusInternalServerError, "failed to get machine status")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"machine": machine,
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
