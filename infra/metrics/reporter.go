package metrics

import (
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/jonboulle/clockwork"
	"github.com/nsqio/go-nsq"
	"github.com/sirupsen/logrus"

	"github.com/phuhao00/pandarpc/config"
)

// Reporter periodically logs snapshots of every tracked key, and ships them
// to an attached NSQ publisher when one is configured. It is disabled unless
// the caller starts it, matching the reporting default.
type Reporter struct {
	manager *Manager
	cfg     config.MetricsConfig
	clock   clockwork.Clock

	mu        sync.Mutex
	stop      chan struct{}
	running   bool
	publisher *NSQPublisher
}

// NewReporter builds a reporter over the manager. A nil clock means the
// real one.
func NewReporter(manager *Manager, cfg config.MetricsConfig, clock clockwork.Clock) *Reporter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reporter{manager: manager, cfg: cfg, clock: clock}
}

// Start launches the periodic report loop. Starting twice is a no-op.
func (r *Reporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	go r.loop(r.stop)
}

func (r *Reporter) loop(stop chan struct{}) {
	ticker := r.clock.NewTicker(r.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			r.ReportOnce()
		case <-stop:
			return
		}
	}
}

// AttachPublisher routes every subsequent report pass to the publisher as
// well as the log.
func (r *Reporter) AttachPublisher(p *NSQPublisher) {
	r.mu.Lock()
	r.publisher = p
	r.mu.Unlock()
}

// ReportOnce logs one snapshot pass immediately and ships it to the
// attached publisher, if any.
func (r *Reporter) ReportOnce() {
	snapshots := r.manager.Snapshots()
	for _, snap := range snapshots {
		logrus.WithFields(logrus.Fields{
			"name":    snap.Name,
			"total":   snap.Total,
			"success": snap.Success,
			"failed":  snap.Failed,
			"avgMs":   snap.AvgLatency.Milliseconds(),
			"p95Ms":   snap.P95Latency.Milliseconds(),
			"p99Ms":   snap.P99Latency.Milliseconds(),
			"qps":     fmt.Sprintf("%.1f", snap.QPS),
		}).Info("metrics report")
	}
	r.mu.Lock()
	publisher := r.publisher
	r.mu.Unlock()
	if publisher != nil {
		if err := publisher.Publish(snapshots); err != nil {
			logrus.Warnf("failed to publish metrics snapshots: %v", err)
		}
	}
}

// Stop halts the report loop. Idempotent.
func (r *Reporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	close(r.stop)
}

// NSQPublisher ships snapshot batches to an NSQ topic as JSON, for external
// aggregation.
type NSQPublisher struct {
	producer *nsq.Producer
	topic    string
}

// NewNSQPublisher builds a producer for the configured nsqd; the producer
// connects on its first publish.
func NewNSQPublisher(cfg config.NSQConfig) (*NSQPublisher, error) {
	if cfg.NSQDAddr == "" || cfg.MetricsTopic == "" {
		return nil, fmt.Errorf("nsq publisher requires nsqd_addr and metrics_topic")
	}
	producer, err := nsq.NewProducer(cfg.NSQDAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect nsq producer to %s: %w", cfg.NSQDAddr, err)
	}
	return &NSQPublisher{producer: producer, topic: cfg.MetricsTopic}, nil
}

// Publish ships one snapshot batch.
func (p *NSQPublisher) Publish(snapshots []Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	body, err := jsoniter.Marshal(snapshots)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshots: %w", err)
	}
	if err := p.producer.Publish(p.topic, body); err != nil {
		return fmt.Errorf("failed to publish snapshots: %w", err)
	}
	return nil
}

// Stop shuts the producer down.
func (p *NSQPublisher) Stop() { p.producer.Stop() }
