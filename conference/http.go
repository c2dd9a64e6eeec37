package conference

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Handler serves the wake-up endpoint other servers call when they start a
// conference this server has callers waiting for.
type Handler struct {
	registry *Registry
	log      *logrus.Entry
}

// NewHandler creates a Handler resolving waits in registry.
func NewHandler(registry *Registry, log *logrus.Entry) *Handler {
	return &Handler{registry: registry, log: log}
}

// Register adds the wake-up routes to r. Routes match on the escaped path
// because conference keys may contain slashes.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/v1/conference/{key}/{leg}", h.NotifyStart).Methods(http.MethodPost)
	r.HandleFunc("/v1/conference/{key}", h.NotifyStart).Methods(http.MethodPost)
}

// NewRouter returns a router serving only the wake-up routes.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter().UseEncodedPath()
	h.Register(r)
	return r
}

// NotifyStart decodes a StartNotice and wakes the matching waiting leg.
func (h *Handler) NotifyStart(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key, err := url.PathUnescape(vars["key"])
	if err != nil {
		http.Error(w, "bad conference key", http.StatusBadRequest)
		return
	}
	leg, err := url.PathUnescape(vars["leg"])
	if err != nil {
		http.Error(w, "bad leg", http.StatusBadRequest)
		return
	}

	var n StartNotice
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if n.OwnerAddress == "" {
		http.Error(w, "missing ownerAddress", http.StatusBadRequest)
		return
	}

	woken := h.registry.NotifyStart(key, leg, n)
	if woken == 0 {
		h.log.Infof("no caller waiting on %s (leg %q), ignoring start notice", key, leg)
		http.Error(w, "no waiting caller", http.StatusNotFound)
		return
	}
	h.log.Debugf("woke %d callers on %s", woken, key)
	w.WriteHeader(http.StatusNoContent)
}
