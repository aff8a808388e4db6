package monitoring

import (
	"meshspace/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements every metrics slice in one place: the
// session manager's counters, the peer link instrumentation and the
// relay hub counters. Components take only the interface they need.
type PrometheusCollector struct {
	// Session metrics
	broadcastsTotal prometheus.Counter
	rosterSize      prometheus.Gauge
	linksOpen       prometheus.Gauge

	// Link metrics
	linksOpenedTotal   prometheus.Counter
	linksClosedTotal   prometheus.Counter
	tracksClassified   *prometheus.CounterVec
	packetLossFraction prometheus.Histogram
	rtpPacketsTotal    *prometheus.CounterVec
	rtpBytesTotal      *prometheus.CounterVec

	// Relay metrics
	relayPeersConnected prometheus.Gauge
	envelopesRelayed    *prometheus.CounterVec
	envelopesDropped    *prometheus.CounterVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		broadcastsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshspace_state_broadcasts_total",
			Help: "Number of state broadcasts triggered by change detection",
		}),

		rosterSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshspace_roster_size",
			Help: "Number of peers currently known to the session",
		}),

		linksOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshspace_links_open",
			Help: "Number of peer links currently tracked by the session",
		}),

		linksOpenedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshspace_links_opened_total",
			Help: "Total number of peer links created",
		}),

		linksClosedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshspace_links_closed_total",
			Help: "Total number of peer links torn down",
		}),

		tracksClassified: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshspace_tracks_classified_total",
			Help: "Inbound tracks by classification kind",
		}, []string{"kind"}),

		packetLossFraction: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshspace_packet_loss_fraction",
			Help:    "Packet loss reported by RTCP receiver reports",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5},
		}),

		rtpPacketsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshspace_rtp_packets_total",
			Help: "Inbound RTP packets drained, by track kind",
		}, []string{"kind"}),

		rtpBytesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshspace_rtp_bytes_total",
			Help: "Inbound RTP payload bytes drained, by track kind",
		}, []string{"kind"}),

		relayPeersConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshspace_relay_peers_connected",
			Help: "Peers currently attached to the relay hub",
		}),

		envelopesRelayed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshspace_relay_envelopes_total",
			Help: "Envelopes relayed, by envelope type",
		}, []string{"type"}),

		envelopesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshspace_relay_envelopes_dropped_total",
			Help: "Envelopes the relay refused to forward, by reason",
		}, []string{"reason"}),
	}
}

func (p *PrometheusCollector) BroadcastSent() { p.broadcastsTotal.Inc() }
func (p *PrometheusCollector) RosterSize(n int) { p.rosterSize.Set(float64(n)) }
func (p *PrometheusCollector) LinksOpen(n int) { p.linksOpen.Set(float64(n)) }

func (p *PrometheusCollector) LinkOpened() { p.linksOpenedTotal.Inc() }
func (p *PrometheusCollector) LinkClosed() { p.linksClosedTotal.Inc() }

func (p *PrometheusCollector) TrackClassified(kind domain.TrackKind) {
	p.tracksClassified.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) ObservePacketLoss(fraction float64) {
	p.packetLossFraction.Observe(fraction)
}

func (p *PrometheusCollector) AccountRTP(kind domain.TrackKind, payloadBytes int) {
	p.rtpPacketsTotal.WithLabelValues(string(kind)).Inc()
	p.rtpBytesTotal.WithLabelValues(string(kind)).Add(float64(payloadBytes))
}

func (p *PrometheusCollector) PeerConnected()    { p.relayPeersConnected.Inc() }
func (p *PrometheusCollector) PeerDisconnected() { p.relayPeersConnected.Dec() }

func (p *PrometheusCollector) EnvelopeRelayed(envType string) {
	p.envelopesRelayed.WithLabelValues(envType).Inc()
}

func (p *PrometheusCollector) EnvelopeDropped(reason string) {
	p.envelopesDropped.WithLabelValues(reason).Inc()
}
