// Package metrics exposes Prometheus instrumentation for the link and ODP
// layers of icmptun.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "icmptun"
	subsystem = "tunnel"
)

// Label names.
const (
	labelPeer      = "peer"
	labelReason    = "reason"
	labelFrameType = "frame_type"
)

// -------------------------------------------------------------------------
// Collector — Prometheus icmptun Metrics
// -------------------------------------------------------------------------

// Collector holds all icmptun Prometheus metrics. A nil *Collector is
// valid: every method is a no-op on a nil receiver, so callers that never
// configure metrics pay no instrumentation cost and need no nil checks of
// their own.
type Collector struct {
	// LinkFramesSent counts ICMP frames written to the raw socket, per peer.
	LinkFramesSent *prometheus.CounterVec

	// LinkFramesAccepted counts ICMP frames read from the raw socket that
	// passed the type/signature filter, per peer.
	LinkFramesAccepted *prometheus.CounterVec

	// LinkFramesDropped counts ICMP frames filtered out before reaching
	// ODP (foreign traffic, self-echo, short datagrams), by reason.
	LinkFramesDropped *prometheus.CounterVec

	// LinkTransportErrors counts raw-socket read/write failures.
	LinkTransportErrors prometheus.Counter

	// ODPFramesSent and ODPFramesReceived count ODP frames by frame type
	// (send/ack/agn), one vector per direction.
	ODPFramesSent     *prometheus.CounterVec
	ODPFramesReceived *prometheus.CounterVec

	// ODPWindowFull counts send() calls rejected with RemoteWindowFull.
	ODPWindowFull prometheus.Counter

	// ODPRetransmissions counts frames resent in response to a received AGN.
	ODPRetransmissions prometheus.Counter

	// ODPProtocolErrors counts inbound frames from the configured peer that
	// failed ODP structural validation, and outbound ACK/AGN frames whose
	// byte count the link layer did not accept in full.
	ODPProtocolErrors prometheus.Counter
}

// NewCollector creates a Collector with all metrics registered against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.LinkFramesSent,
		c.LinkFramesAccepted,
		c.LinkFramesDropped,
		c.LinkTransportErrors,
		c.ODPFramesSent,
		c.ODPFramesReceived,
		c.ODPWindowFull,
		c.ODPRetransmissions,
		c.ODPProtocolErrors,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		LinkFramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "link_frames_sent_total",
			Help:      "Total ICMP frames written to the raw socket.",
		}, []string{labelPeer}),

		LinkFramesAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "link_frames_accepted_total",
			Help:      "Total inbound ICMP frames that passed the link-layer filter.",
		}, []string{labelPeer}),

		LinkFramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "link_frames_dropped_total",
			Help:      "Total inbound ICMP frames dropped by the link-layer filter, by reason.",
		}, []string{labelReason}),

		LinkTransportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "link_transport_errors_total",
			Help:      "Total raw-socket read/write failures.",
		}),

		ODPFramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "odp_frames_sent_total",
			Help:      "Total ODP frames sent, by frame type.",
		}, []string{labelFrameType}),

		ODPFramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "odp_frames_received_total",
			Help:      "Total ODP frames received, by frame type.",
		}, []string{labelFrameType}),

		ODPWindowFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "odp_window_full_total",
			Help:      "Total send() calls rejected because the send window was full.",
		}),

		ODPRetransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "odp_retransmissions_total",
			Help:      "Total frames resent in response to a received AGN.",
		}),

		ODPProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "odp_protocol_errors_total",
			Help:      "Total inbound frames from the configured peer that failed structural validation, plus outbound control frames the link did not accept in full.",
		}),
	}
}

// -------------------------------------------------------------------------
// Link-layer methods
// -------------------------------------------------------------------------

func (c *Collector) IncLinkFramesSent(peer string) {
	if c == nil {
		return
	}
	c.LinkFramesSent.WithLabelValues(peer).Inc()
}

func (c *Collector) IncLinkFramesAccepted(peer string) {
	if c == nil {
		return
	}
	c.LinkFramesAccepted.WithLabelValues(peer).Inc()
}

func (c *Collector) IncLinkFramesDropped(reason string) {
	if c == nil {
		return
	}
	c.LinkFramesDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) IncLinkTransportErrors() {
	if c == nil {
		return
	}
	c.LinkTransportErrors.Inc()
}

// -------------------------------------------------------------------------
// ODP methods
// -------------------------------------------------------------------------

func (c *Collector) IncODPFramesSent(frameType string) {
	if c == nil {
		return
	}
	c.ODPFramesSent.WithLabelValues(frameType).Inc()
}

func (c *Collector) IncODPFramesReceived(frameType string) {
	if c == nil {
		return
	}
	c.ODPFramesReceived.WithLabelValues(frameType).Inc()
}

func (c *Collector) IncODPWindowFull() {
	if c == nil {
		return
	}
	c.ODPWindowFull.Inc()
}

func (c *Collector) IncODPRetransmissions() {
	if c == nil {
		return
	}
	c.ODPRetransmissions.Inc()
}

func (c *Collector) IncODPProtocolErrors() {
	if c == nil {
		return
	}
	c.ODPProtocolErrors.Inc()
}
