package admin

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/quorumkeeper/coordinator"
	"github.com/maxpert/quorumkeeper/replset"
	"github.com/rs/zerolog/log"
)

// hostView is one pod and, for running pods, its probe classification
type hostView struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	Phase    string `json:"phase"`
	Probe    string `json:"probe,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handleListDeployments handles GET /admin/deployments
func (h *AdminHandlers) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSONResponse(w, http.StatusOK, []DeploymentSummary{})
		return
	}
	writeJSONResponse(w, http.StatusOK, h.history.Deployments())
}

// handleOutcomes handles GET /admin/deployments/{namespace}/{name}/outcomes
func (h *AdminHandlers) handleOutcomes(w http.ResponseWriter, r *http.Request, namespace, name string) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	outcomes := []coordinator.Outcome{}
	if h.history != nil {
		if recent := h.history.Recent(namespace, name, limit); recent != nil {
			outcomes = recent
		}
	}
	writeJSONResponse(w, http.StatusOK, outcomes)
}

// handleMembers handles GET /admin/deployments/{namespace}/{name}/members
func (h *AdminHandlers) handleMembers(w http.ResponseWriter, r *http.Request, namespace, name string) {
	if h.hosts == nil || h.probe == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "membership probing unavailable")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	hosts, err := h.hosts.ListHosts(ctx, name, namespace)
	if err != nil {
		writeErrorResponse(w, http.StatusBadGateway, err.Error())
		return
	}

	observed := h.probe.Classify(ctx, replset.LiveHosts(hosts))

	views := make([]hostView, 0, len(hosts))
	for _, host := range hosts {
		view := hostView{
			ID:       host.ID,
			Endpoint: host.Endpoint(),
			Phase:    host.Phase.String(),
		}
		if result, ok := observed.Result(host.ID); ok {
			view.Probe = result.String()
		}
		if err := observed.Errors[host.ID]; err != nil {
			view.Error = err.Error()
		}
		views = append(views, view)
	}

	writeJSONResponse(w, http.StatusOK, views)
}

// handleReconcile handles POST /admin/deployments/{namespace}/{name}/reconcile
func (h *AdminHandlers) handleReconcile(w http.ResponseWriter, r *http.Request, namespace, name string) {
	if h.reconciler == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "reconciler unavailable")
		return
	}
	if name != h.deployment {
		writeErrorResponse(w, http.StatusNotFound, "unknown deployment: "+name)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	log.Info().Str("namespace", namespace).Str("deployment", name).Msg("Reconcile requested via admin API")

	outcome, err := h.reconciler.ReconcileNow(ctx, namespace, "admin request")
	if outcome == nil && err == nil {
		writeErrorResponse(w, http.StatusNotFound, "deployment not found in namespace "+namespace)
		return
	}

	status := http.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, coordinator.ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, coordinator.ErrQuorumUnreachable), errors.Is(err, coordinator.ErrNotReady):
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}

	if outcome == nil {
		writeErrorResponse(w, status, err.Error())
		return
	}
	writeJSONResponse(w, status, outcome)
}

// withDeployment extracts {namespace} and {name}
func withDeployment(fn func(http.ResponseWriter, *http.Request, string, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		namespace := chi.URLParam(r, "namespace")
		name := chi.URLParam(r, "name")
		if namespace == "" || name == "" {
			writeErrorResponse(w, http.StatusBadRequest, "namespace and deployment name are required")
			return
		}
		fn(w, r, namespace, name)
	}
}
