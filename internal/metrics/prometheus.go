package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "pm_keeper"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry          *prometheus.Registry
	cyclesCompleted   prometheus.Counter
	cyclesAborted     prometheus.Counter
	batchesSubmitted  prometheus.Counter
	batchesConfirmed  prometheus.Counter
	batchesFailed     prometheus.Counter
	endpointRotations prometheus.Counter
	staleNonceRetries prometheus.Counter
	nonceResyncs      prometheus.Counter
	gasFallbacks      prometheus.Counter
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:          prometheus.NewRegistry(),
		cyclesCompleted:   newCounter("cycles_completed_total", "Total number of maintenance cycles that ran all selected phases."),
		cyclesAborted:     newCounter("cycles_aborted_total", "Total number of maintenance cycles aborted before any phase ran."),
		batchesSubmitted:  newCounter("batches_submitted_total", "Total number of batch transactions accepted by an endpoint."),
		batchesConfirmed:  newCounter("batches_confirmed_total", "Total number of batch transactions confirmed with success status."),
		batchesFailed:     newCounter("batches_failed_total", "Total number of batches that ended without confirmation."),
		endpointRotations: newCounter("endpoint_rotations_total", "Total number of RPC endpoint rotations."),
		staleNonceRetries: newCounter("stale_nonce_retries_total", "Total number of resubmissions after a stale sequence number."),
		nonceResyncs:      newCounter("nonce_resyncs_total", "Total number of sequence number resynchronisations."),
		gasFallbacks:      newCounter("gas_estimate_fallbacks_total", "Total number of gas estimates replaced by the fallback limit."),
	}
	p.registry.MustRegister(
		p.cyclesCompleted,
		p.cyclesAborted,
		p.batchesSubmitted,
		p.batchesConfirmed,
		p.batchesFailed,
		p.endpointRotations,
		p.staleNonceRetries,
		p.nonceResyncs,
		p.gasFallbacks,
	)
	p.Metrics = &Metrics{
		CyclesCompleted:   promCounter{p.cyclesCompleted},
		CyclesAborted:     promCounter{p.cyclesAborted},
		BatchesSubmitted:  promCounter{p.batchesSubmitted},
		BatchesConfirmed:  promCounter{p.batchesConfirmed},
		BatchesFailed:     promCounter{p.batchesFailed},
		EndpointRotations: promCounter{p.endpointRotations},
		StaleNonceRetries: promCounter{p.staleNonceRetries},
		NonceResyncs:      promCounter{p.nonceResyncs},
		GasFallbacks:      promCounter{p.gasFallbacks},
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
