// Package metrics wires the counters spec.md §6-§8 names throughout
// (dropped contributions, late arrivals, pool exhaustion, credit skips,
// round-robin distribution) to Prometheus, the CLI's --prometheusDir flag
// (spec.md §6) being this core's one observability surface.
//
// The teacher's own corpus carries no metrics library (high-frequency
// arbitrage bots report via stdout, see debug/debug.go); this is pulled
// from the rest of the example pack, where etalazz-vsa wires
// github.com/prometheus/client_golang for exactly this concern.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Registry groups every counter/gauge this core exposes. One Registry is
// constructed per process and threaded into the builder, poster and
// monitor.
type Registry struct {
	reg *prometheus.Registry

	ContributionsDropped   prometheus.Counter
	LateArrivals           prometheus.Counter
	PoolExhaustions        prometheus.Counter
	InFlightOverflows      prometheus.Counter
	CreditSkips            prometheus.Counter
	DuplicateBufferRelease prometheus.Counter
	EventsRetired          prometheus.Counter
	EventsFixedUp          prometheus.Counter
	PeerPostFailures       *prometheus.CounterVec
	BatchesPostedByPeer    *prometheus.CounterVec
	FanoutRingDrops        prometheus.Counter
	ResultsMatched         prometheus.Counter
}

// New builds and registers a fresh Registry.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.ContributionsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "teb_contributions_dropped_total",
		Help: "Contributions dropped because their source bit was not in the epoch's contract.",
	})
	r.LateArrivals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "teb_late_arrivals_total",
		Help: "Contributions discarded because their epoch or event had already retired.",
	})
	r.PoolExhaustions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "teb_pool_exhaustions_total",
		Help: "Fixed-size pool allocation failures (fatal on the event/epoch pools).",
	})
	r.InFlightOverflows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "teb_inflight_overflows_total",
		Help: "In-flight queue Push failures (fatal: upstream flow control failed).",
	})
	r.CreditSkips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "teb_credit_skips_total",
		Help: "_requestDatagram calls skipped because no free-buffer credit was available.",
	})
	r.DuplicateBufferRelease = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "teb_duplicate_buffer_release_total",
		Help: "Consumer releases of a buffer index already present in the free list.",
	})
	r.EventsRetired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "teb_events_retired_total",
		Help: "Events dispatched and retired by the builder.",
	})
	r.EventsFixedUp = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "teb_events_fixed_up_total",
		Help: "Events retired via fixup rather than natural completion.",
	})
	r.PeerPostFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "teb_peer_post_failures_total",
		Help: "Fabric Post failures, by peer id.",
	}, []string{"peer"})
	r.BatchesPostedByPeer = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "teb_batches_posted_total",
		Help: "Batches posted, by destination peer id — verifies the round-robin invariant.",
	}, []string{"peer"})
	r.FanoutRingDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "teb_fanout_ring_drops_total",
		Help: "Completed events dropped because the monitor fan-out hand-off ring was full.",
	})
	r.ResultsMatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "teb_results_matched_total",
		Help: "In-flight entries popped by the result-receive thread and returned to the batch pool.",
	})

	r.reg.MustRegister(
		r.ContributionsDropped,
		r.LateArrivals,
		r.PoolExhaustions,
		r.InFlightOverflows,
		r.CreditSkips,
		r.DuplicateBufferRelease,
		r.EventsRetired,
		r.EventsFixedUp,
		r.PeerPostFailures,
		r.BatchesPostedByPeer,
		r.FanoutRingDrops,
		r.ResultsMatched,
	)
	return r
}

// Registerer exposes the underlying Prometheus registry so a textfile
// collector or HTTP handler can be wired by the caller in cmd/eventbuilder.
func (r *Registry) Registerer() *prometheus.Registry { return r.reg }

// WriteTextfile gathers every metric registered on reg and writes it to
// path in the node_exporter textfile-collector format — the convention
// --prometheusDir (spec.md §6) names a directory for rather than a port.
// The write is atomic (temp file in the same directory, then rename) so
// a concurrent textfile-collector scrape never observes a partial file.
//
// Grounded on tsweb/promvarz's gatherNativePrometheusMetrics: the same
// expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain)).Encode(mf)
// loop, redirected from an http.ResponseWriter to a file.
func WriteTextfile(reg *prometheus.Registry, path string) error {
	mfs, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("metrics: gather: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("metrics: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	enc := expfmt.NewEncoder(tmp, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	if closer, ok := enc.(expfmt.Closer); ok {
		if err := closer.Close(); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("metrics: close encoder: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("metrics: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("metrics: rename %s to %s: %w", tmpName, path, err)
	}
	return nil
}
