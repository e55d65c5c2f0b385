package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	CyclesCompleted   Counter
	CyclesAborted     Counter
	BatchesSubmitted  Counter
	BatchesConfirmed  Counter
	BatchesFailed     Counter
	EndpointRotations Counter
	StaleNonceRetries Counter
	NonceResyncs      Counter
	GasFallbacks      Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		CyclesCompleted:   n,
		CyclesAborted:     n,
		BatchesSubmitted:  n,
		BatchesConfirmed:  n,
		BatchesFailed:     n,
		EndpointRotations: n,
		StaleNonceRetries: n,
		NonceResyncs:      n,
		GasFallbacks:      n,
	}
}
