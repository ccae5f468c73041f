// Package membership classifies hosts against the database's membership
// configuration and executes the administrative commands that change it.
package membership

import (
	"context"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/quorumkeeper/mongodb"
	"github.com/maxpert/quorumkeeper/replset"
	"github.com/maxpert/quorumkeeper/telemetry"
	"github.com/rs/zerolog/log"
)

// DefaultProbeTimeout bounds a single host status query
const DefaultProbeTimeout = 5 * time.Second

type probeResult struct {
	host   replset.Host
	result replset.ProbeResult
	err    error
}

// Prober runs status queries against candidate hosts
type Prober struct {
	dialer  mongodb.Dialer
	timeout time.Duration
}

// NewProber creates a Prober; timeout <= 0 uses DefaultProbeTimeout
func NewProber(dialer mongodb.Dialer, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Prober{dialer: dialer, timeout: timeout}
}

// Classify probes every host concurrently over a direct connection and
// partitions them into member, not-yet-member and unreachable. Results keep
// the input order within each partition. No retries happen here.
func (p *Prober) Classify(ctx context.Context, hosts []replset.Host) replset.ObservedMembership {
	futures := make([]*future.Future[probeResult], len(hosts))
	for i, h := range hosts {
		promise := future.NewPromise[probeResult]()
		futures[i] = promise.Future()

		go func(h replset.Host) {
			promise.Set(p.probe(ctx, h), nil)
		}(h)
	}

	var observed replset.ObservedMembership
	for _, fut := range futures {
		res, _ := fut.Get()
		observed.Add(res.host, res.result, res.err)
		telemetry.MembershipProbeTotal.With(res.result.String()).Inc()
	}

	log.Debug().
		Int("member", len(observed.Member)).
		Int("not_yet_member", len(observed.NotYetMember)).
		Int("unreachable", len(observed.Unreachable)).
		Msg("Classified hosts")

	return observed
}

func (p *Prober) probe(ctx context.Context, h replset.Host) probeResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res := probeResult{host: h}
	started := time.Now()
	defer func() { telemetry.MembershipProbeSeconds.Observe(time.Since(started).Seconds()) }()

	sess, err := p.dialer.DialDirect(ctx, h.Endpoint())
	if err != nil {
		res.result = replset.ProbeUnreachable
		res.err = err
		return res
	}
	defer closeSession(sess, h.Endpoint())

	_, err = sess.Status(ctx)
	switch {
	case err == nil:
		res.result = replset.ProbeMember
	case mongodb.IsNotYetInitialized(err):
		res.result = replset.ProbeNotYetMember
	default:
		res.result = replset.ProbeUnreachable
		res.err = err
		log.Debug().Err(err).Str("host", h.ID).Msg("Host did not answer status query")
	}
	return res
}

// closeSession uses a fresh context so an expired attempt deadline cannot leak the connection
func closeSession(sess mongodb.Session, hosts string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Close(ctx); err != nil {
		log.Warn().Err(err).Str("hosts", hosts).Msg("Failed to close database session")
	}
}
