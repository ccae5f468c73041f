package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/quorumkeeper/membership"
	"github.com/maxpert/quorumkeeper/mongodb"
	"github.com/maxpert/quorumkeeper/replset"
)

// Action is what a reconciliation decided to do
type Action string

const (
	ActionBootstrap   Action = "bootstrap"
	ActionReconfigure Action = "reconfigure"
	ActionNoChange    Action = "no_change"
	ActionWaiting     Action = "waiting"
)

// Result is how a reconciliation ended
type Result string

const (
	ResultSuccess  Result = "success"
	ResultFailed   Result = "failed"
	ResultDeferred Result = "deferred"
)

// Error kinds carried on failed outcomes
const (
	KindVersionConflict   = "version_conflict"
	KindQuorumUnreachable = "quorum_unreachable"
	KindNotReady          = "not_ready"
	KindPlatform          = "platform"
	KindUnreachable       = "unreachable"
	KindInvalidConfig     = "invalid_config"
	KindUnclassified      = "unclassified"
)

// Outcome is the structured record of one reconciliation. Every call to
// Engine.Reconcile produces exactly one, successful or not.
type Outcome struct {
	ID              string            `json:"id" msgpack:"id"`
	Seq             uint64            `json:"seq,omitempty" msgpack:"seq"`
	Namespace       string            `json:"namespace" msgpack:"ns"`
	Deployment      string            `json:"deployment" msgpack:"dep"`
	Reason          string            `json:"reason,omitempty" msgpack:"reason"`
	Action          Action            `json:"action" msgpack:"action"`
	Result          Result            `json:"result" msgpack:"result"`
	ErrorKind       string            `json:"error_kind,omitempty" msgpack:"ekind"`
	Error           string            `json:"error,omitempty" msgpack:"err"`
	PreviousVersion int64             `json:"previous_version" msgpack:"pver"`
	Version         int64             `json:"version" msgpack:"ver"`
	Joined          []replset.Member  `json:"joined,omitempty" msgpack:"joined"`
	Removed         []replset.Member  `json:"removed,omitempty" msgpack:"removed"`
	Members         []replset.Member  `json:"members,omitempty" msgpack:"members"`
	States          map[string]string `json:"states,omitempty" msgpack:"states"`
	Observed        map[string]string `json:"observed,omitempty" msgpack:"observed"`
	Fingerprint     uint64            `json:"fingerprint,omitempty" msgpack:"fp"`
	Attempts        int               `json:"attempts" msgpack:"attempts"`
	Started         time.Time         `json:"started" msgpack:"started"`
	Finished        time.Time         `json:"finished" msgpack:"finished"`
}

// Key identifies the deployment the outcome belongs to
func (o *Outcome) Key() string {
	return DeploymentKey(o.Namespace, o.Deployment)
}

// Duration returns how long the reconciliation took
func (o *Outcome) Duration() time.Duration {
	return o.Finished.Sub(o.Started)
}

// Failed reports whether the outcome carries an error
func (o *Outcome) Failed() bool {
	return o.Result == ResultFailed
}

// DeploymentKey builds the namespace/name key used for locks and history
func DeploymentKey(namespace, deployment string) string {
	return fmt.Sprintf("%s/%s", namespace, deployment)
}

func (o *Outcome) setObserved(observed replset.ObservedMembership) {
	o.Observed = make(map[string]string, observed.Total())
	for _, h := range observed.Member {
		o.Observed[h.ID] = replset.ProbeMember.String()
	}
	for _, h := range observed.NotYetMember {
		o.Observed[h.ID] = replset.ProbeNotYetMember.String()
	}
	for _, h := range observed.Unreachable {
		o.Observed[h.ID] = replset.ProbeUnreachable.String()
	}
}

func (o *Outcome) setStates(lc *replset.Lifecycle) {
	states := lc.States()
	o.States = make(map[string]string, len(states))
	for h, s := range states {
		o.States[h] = s.String()
	}
}

// errorKind maps an engine error onto the outcome taxonomy
func errorKind(err error) string {
	var ce *membership.CommandError
	switch {
	case errors.Is(err, ErrVersionConflict):
		return KindVersionConflict
	case errors.Is(err, ErrQuorumUnreachable):
		return KindQuorumUnreachable
	case errors.Is(err, ErrNotReady):
		return KindNotReady
	case errors.As(err, &ce):
		if ce.Kind == mongodb.FailureUnreachable {
			return KindUnreachable
		}
		return KindUnclassified
	case errors.Is(err, errInvalidTarget):
		return KindInvalidConfig
	default:
		return KindUnclassified
	}
}

var errInvalidTarget = errors.New("invalid target configuration")
