package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MessageCounter returns the total logged voicemail message count.
type MessageCounter interface {
	CountAll(ctx context.Context) (int64, error)
}

// Metrics holds the counters incremented by the call-flow handlers and
// voicemail delivery.
type Metrics struct {
	WebhooksTotal         *prometheus.CounterVec
	VoicemailsSavedTotal  prometheus.Counter
	EmailsSentTotal       prometheus.Counter
	EmailFailuresTotal    prometheus.Counter
	DeliveryFailuresTotal prometheus.Counter
}

// New creates the counter set and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WebhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendant_webhooks_total",
			Help: "Webhook requests handled, by call-flow stage",
		}, []string{"stage"}),
		VoicemailsSavedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attendant_voicemails_saved_total",
			Help: "Recordings downloaded and written to disk",
		}),
		EmailsSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attendant_emails_sent_total",
			Help: "Voicemail notification emails sent",
		}),
		EmailFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attendant_email_failures_total",
			Help: "Voicemail notification emails that failed to send",
		}),
		DeliveryFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attendant_delivery_failures_total",
			Help: "Voicemail deliveries that failed before the email step",
		}),
	}

	reg.MustRegister(
		m.WebhooksTotal,
		m.VoicemailsSavedTotal,
		m.EmailsSentTotal,
		m.EmailFailuresTotal,
		m.DeliveryFailuresTotal,
	)
	return m
}

// Collector is a prometheus.Collector that gathers attendant state at
// scrape time.
type Collector struct {
	messages  MessageCounter
	startTime time.Time

	// Metric descriptors.
	storedMessagesDesc *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a new metrics collector. The message counter may be
// nil when the message log is disabled.
func NewCollector(messages MessageCounter, startTime time.Time) *Collector {
	return &Collector{
		messages:  messages,
		startTime: startTime,

		storedMessagesDesc: prometheus.NewDesc(
			"attendant_voicemail_messages",
			"Total voicemail messages in the message log",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"attendant_uptime_seconds",
			"Seconds since the attendant process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.storedMessagesDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.messages != nil {
		count, err := c.messages.CountAll(ctx)
		if err != nil {
			slog.Error("metrics: failed to count voicemail messages", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.storedMessagesDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
