package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"DvpSettle/internal/observability"
)

// OutboundPublisher publishes settlement records to NATS for downstream
// consumers (payment coordinators, reporting, reconciliation).
// Subjects follow the pattern: dvp.settle.records.{record_type}
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableRecord
	metrics   *observability.Metrics
}

// PublishableRecord is a settlement record ready for outbound publishing.
type PublishableRecord struct {
	Sequence   int64           `json:"sequence"`
	DealID     string          `json:"deal_id"`
	RecordType string          `json:"record_type"`
	Payload    json.RawMessage `json:"payload"`
	StateHash  []byte          `json:"state_hash"`
	Timestamp  time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(
	js jetstream.JetStream,
	inputChan <-chan PublishableRecord,
	metrics *observability.Metrics,
) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rec, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, rec); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d: %v", rec.Sequence, err)
				if op.metrics != nil {
					op.metrics.PublishErrors.Inc()
				}
				// Non-fatal: consumers can read the settlement log directly
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, rec PublishableRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	subject := fmt.Sprintf("dvp.settle.records.%s", rec.RecordType)

	if _, err := op.js.Publish(ctx, subject, data); err != nil {
		return err
	}

	if op.metrics != nil {
		op.metrics.RecordsPublished.Inc()
	}
	return nil
}

// EnsureOutboundStream creates the outbound records stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "DVP_SETTLE_RECORDS",
		Subjects:  []string{"dvp.settle.records.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream DVP_SETTLE_RECORDS")
	return nil
}
