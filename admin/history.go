package admin

import (
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/quorumkeeper/coordinator"
)

// Default history sizes
const (
	DefaultHistorySize      = 256
	DefaultHistoryPerTarget = 20
)

// DeploymentSummary is the latest known state of one deployment
type DeploymentSummary struct {
	Namespace   string             `json:"namespace"`
	Name        string             `json:"name"`
	LastAction  coordinator.Action `json:"last_action"`
	LastResult  coordinator.Result `json:"last_result"`
	LastError   string             `json:"last_error,omitempty"`
	Version     int64              `json:"version"`
	Members     int                `json:"members"`
	Outcomes    int                `json:"outcomes"`
	LastChanged time.Time          `json:"last_changed"`
}

// OutcomeHistory keeps the most recent outcomes of the most recently active
// deployments in memory. It implements coordinator.Recorder.
type OutcomeHistory struct {
	mu        sync.Mutex
	cache     *lru.Cache[string, []coordinator.Outcome]
	perTarget int
}

// NewOutcomeHistory creates a history bounded to size deployments and
// perTarget outcomes each
func NewOutcomeHistory(size, perTarget int) (*OutcomeHistory, error) {
	if size <= 0 {
		size = DefaultHistorySize
	}
	if perTarget <= 0 {
		perTarget = DefaultHistoryPerTarget
	}

	cache, err := lru.New[string, []coordinator.Outcome](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create outcome cache: %w", err)
	}
	return &OutcomeHistory{cache: cache, perTarget: perTarget}, nil
}

// Record appends an outcome, evicting the oldest for that deployment
func (h *OutcomeHistory) Record(outcome *coordinator.Outcome) {
	if outcome == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	key := outcome.Key()
	outcomes, _ := h.cache.Get(key)
	outcomes = append(outcomes, *outcome)
	if len(outcomes) > h.perTarget {
		outcomes = append([]coordinator.Outcome(nil), outcomes[len(outcomes)-h.perTarget:]...)
	}
	h.cache.Add(key, outcomes)
}

// Recent returns up to limit outcomes for a deployment, newest first
func (h *OutcomeHistory) Recent(namespace, name string, limit int) []coordinator.Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()

	outcomes, ok := h.cache.Peek(coordinator.DeploymentKey(namespace, name))
	if !ok {
		return nil
	}
	if limit <= 0 || limit > len(outcomes) {
		limit = len(outcomes)
	}

	recent := make([]coordinator.Outcome, 0, limit)
	for i := len(outcomes) - 1; i >= 0 && len(recent) < limit; i-- {
		recent = append(recent, outcomes[i])
	}
	return recent
}

// Deployments summarizes every tracked deployment, ordered by key
func (h *OutcomeHistory) Deployments() []DeploymentSummary {
	h.mu.Lock()
	defer h.mu.Unlock()

	summaries := make([]DeploymentSummary, 0, h.cache.Len())
	for _, key := range h.cache.Keys() {
		outcomes, ok := h.cache.Peek(key)
		if !ok || len(outcomes) == 0 {
			continue
		}
		last := outcomes[len(outcomes)-1]
		summaries = append(summaries, DeploymentSummary{
			Namespace:   last.Namespace,
			Name:        last.Deployment,
			LastAction:  last.Action,
			LastResult:  last.Result,
			LastError:   last.Error,
			Version:     last.Version,
			Members:     len(last.Members),
			Outcomes:    len(outcomes),
			LastChanged: last.Finished,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Namespace != summaries[j].Namespace {
			return summaries[i].Namespace < summaries[j].Namespace
		}
		return summaries[i].Name < summaries[j].Name
	})
	return summaries
}

// DeploymentStats reports tracked deployments and those whose last run failed
func (h *OutcomeHistory) DeploymentStats() (tracked, failing int) {
	for _, s := range h.Deployments() {
		tracked++
		if s.LastResult == coordinator.ResultFailed {
			failing++
		}
	}
	return tracked, failing
}
