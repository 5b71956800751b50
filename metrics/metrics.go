package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ed_graphql"

// Bridge message outcomes.
const (
	OutcomeForwarded = "forwarded"
	OutcomeSkipped   = "skipped"
	OutcomeMalformed = "malformed"
)

// Recorder receives counters from the realtime components. Every component
// accepts one and falls back to Nop.
type Recorder interface {
	Published(topic string)
	Dropped(topic string)
	BridgeMessage(channel, outcome string)
	RegistryPushed(registry string, queues int)
	SubscriberDelta(kind string, delta int)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Published(string)             {}
func (Nop) Dropped(string)               {}
func (Nop) BridgeMessage(string, string) {}
func (Nop) RegistryPushed(string, int)   {}
func (Nop) SubscriberDelta(string, int)  {}

// Prometheus is a Recorder backed by client_golang collectors.
type Prometheus struct {
	published   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	bridge      *prometheus.CounterVec
	pushed      *prometheus.CounterVec
	subscribers *prometheus.GaugeVec
}

// NewPrometheus builds the collectors and registers them with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &Prometheus{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Messages published to the in-process event bus.",
		}, []string{"topic"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Messages evicted from a full subscriber queue (drop-oldest).",
		}, []string{"topic"}),
		bridge: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "messages_total",
			Help:      "Broker messages handled by the bridge tasks.",
		}, []string{"channel", "outcome"}),
		pushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "pushed_total",
			Help:      "Events enqueued into subscriber registry queues.",
		}, []string{"registry"}),
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Live streaming subscribers.",
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{p.published, p.dropped, p.bridge, p.pushed, p.subscribers} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) Published(topic string) { p.published.WithLabelValues(topic).Inc() }
func (p *Prometheus) Dropped(topic string)   { p.dropped.WithLabelValues(topic).Inc() }

func (p *Prometheus) BridgeMessage(channel, outcome string) {
	p.bridge.WithLabelValues(channel, outcome).Inc()
}

func (p *Prometheus) RegistryPushed(registry string, queues int) {
	p.pushed.WithLabelValues(registry).Add(float64(queues))
}

func (p *Prometheus) SubscriberDelta(kind string, delta int) {
	p.subscribers.WithLabelValues(kind).Add(float64(delta))
}

var (
	_ Recorder = Nop{}
	_ Recorder = (*Prometheus)(nil)
)
