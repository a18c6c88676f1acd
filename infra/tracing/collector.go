package tracing

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/nsqio/go-nsq"
	"github.com/sirupsen/logrus"

	"github.com/phuhao00/pandarpc/config"
)

// LogCollector is the default collector: success at info, errors at error.
type LogCollector struct{}

// NewLogCollector builds the logging collector.
func NewLogCollector() *LogCollector { return &LogCollector{} }

func (c *LogCollector) Collect(span *Span) {
	fields := logrus.Fields{
		"traceId":    span.TraceID,
		"spanId":     span.SpanID,
		"service":    span.Service,
		"method":     span.Method,
		"durationMs": span.DurationMs(),
	}
	if span.ParentSpanID != "" {
		fields["parentSpanId"] = span.ParentSpanID
	}
	if span.Status == StatusError {
		logrus.WithFields(fields).Errorf("trace finished with error: %s", span.ErrorMessage)
		return
	}
	logrus.WithFields(fields).Info("trace finished")
}

// NSQCollector publishes finished spans as JSON to an NSQ topic, so an
// external consumer can assemble traces across processes.
type NSQCollector struct {
	producer *nsq.Producer
	topic    string
}

// NewNSQCollector builds a producer for the configured nsqd; the producer
// connects on its first publish.
func NewNSQCollector(cfg config.NSQConfig) (*NSQCollector, error) {
	if cfg.NSQDAddr == "" || cfg.TraceTopic == "" {
		return nil, fmt.Errorf("nsq collector requires nsqd_addr and trace_topic")
	}
	producer, err := nsq.NewProducer(cfg.NSQDAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect nsq producer to %s: %w", cfg.NSQDAddr, err)
	}
	return &NSQCollector{producer: producer, topic: cfg.TraceTopic}, nil
}

func (c *NSQCollector) Collect(span *Span) {
	body, err := jsoniter.Marshal(span)
	if err != nil {
		logrus.Warnf("failed to marshal span %s: %v", span.SpanID, err)
		return
	}
	if err := c.producer.Publish(c.topic, body); err != nil {
		logrus.Warnf("failed to publish span %s: %v", span.SpanID, err)
	}
}

// Stop shuts the producer down.
func (c *NSQCollector) Stop() { c.producer.Stop() }
