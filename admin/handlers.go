// Package admin serves the operator's HTTP admin API: recent reconciliation
// outcomes, live membership classification and on-demand reconciles.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/maxpert/quorumkeeper/coordinator"
	"github.com/maxpert/quorumkeeper/replset"
	"github.com/rs/zerolog/log"
)

// DefaultRequestTimeout bounds probe and reconcile requests
const DefaultRequestTimeout = 30 * time.Second

// HostLister lists every pod of a deployment, in any phase
type HostLister interface {
	ListHosts(ctx context.Context, deployment, namespace string) ([]replset.Host, error)
}

// Reconciler runs an on-demand reconciliation of a namespace's deployment
type Reconciler interface {
	ReconcileNow(ctx context.Context, namespace, reason string) (*coordinator.Outcome, error)
}

// HandlersConfig wires the admin API to the operator
type HandlersConfig struct {
	Deployment string // StatefulSet name managed in every namespace
	History    *OutcomeHistory
	Hosts      HostLister
	Probe      coordinator.MembershipProbe
	Reconciler Reconciler
	Timeout    time.Duration
}

// AdminHandlers handles admin API endpoints
type AdminHandlers struct {
	deployment string
	history    *OutcomeHistory
	hosts      HostLister
	probe      coordinator.MembershipProbe
	reconciler Reconciler
	timeout    time.Duration
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(config HandlersConfig) *AdminHandlers {
	if config.Timeout <= 0 {
		config.Timeout = DefaultRequestTimeout
	}
	return &AdminHandlers{
		deployment: config.Deployment,
		history:    config.History,
		hosts:      config.Hosts,
		probe:      config.Probe,
		reconciler: config.Reconciler,
		timeout:    config.Timeout,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return DefaultHistoryPerTarget, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}
	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}
	return limit, nil
}
