// Package kafka publishes derived observation series to a sink topic so
// downstream consumers can pick up freshly computed values without polling
// the service.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/hydrometrix/sos-engine/internal/config"
	"github.com/hydrometrix/sos-engine/internal/domain"
)

// Writer produces derived-series messages to a Kafka topic.
// It implements engine.Exporter.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured sink topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaSinkTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// derivedSeries is the wire payload for one exported observation.
type derivedSeries struct {
	Procedure  string          `json:"procedure"`
	ComputedAt time.Time       `json:"computed_at"`
	Columns    []derivedColumn `json:"columns"`
	Rows       []derivedRow    `json:"rows"`
}

type derivedColumn struct {
	Definition string `json:"definition"`
	Name       string `json:"name"`
	UOM        string `json:"uom,omitempty"`
}

type derivedRow struct {
	Time   time.Time  `json:"time"`
	Values []*float64 `json:"values"`
}

// ExportDerived serializes and publishes one derived observation.
func (w *Writer) ExportDerived(ctx context.Context, obs domain.Observation) error {
	msg, err := serializeToMessage(obs)
	if err != nil {
		return err
	}
	return w.writer.WriteMessages(ctx, msg)
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals an observation into a Kafka message. Absent
// cells are JSON nulls.
func serializeToMessage(obs domain.Observation) (kafkago.Message, error) {
	payload := derivedSeries{
		Procedure:  obs.Procedure.Name,
		ComputedAt: obs.ComputedAt,
	}
	for _, c := range obs.Series.Columns {
		payload.Columns = append(payload.Columns, derivedColumn{
			Definition: c.Definition,
			Name:       c.Name,
			UOM:        c.UOM,
		})
	}
	for _, r := range obs.Series.Rows {
		row := derivedRow{Time: r.Time, Values: make([]*float64, len(r.Values))}
		for i, v := range r.Values {
			if v.Valid {
				f := v.Float
				row.Values[i] = &f
			}
		}
		payload.Rows = append(payload.Rows, row)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize derived series: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(obs.Procedure.Name),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "procedure", Value: []byte(obs.Procedure.Name)},
			{Key: "computed_at", Value: []byte(obs.ComputedAt.Format(time.RFC3339))},
		},
	}, nil
}
