//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	kafkaadapter "github.com/hydrometrix/sos-engine/internal/adapter/kafka"
	"github.com/hydrometrix/sos-engine/internal/config"
	"github.com/hydrometrix/sos-engine/internal/domain"
)

const testSinkTopic = "derived-observations-test"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startKafka launches a single-broker Kafka container and returns its
// bootstrap address.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()

	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.6.1",
		tckafka.WithClusterID("sos-engine-test"))
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "start kafka container")

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()

	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)

	ctrlConn, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer ctrlConn.Close()

	require.NoError(t, ctrlConn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

// TestDerivedSeriesExport verifies that an exported observation round-trips
// through Kafka with its headers and payload intact.
func TestDerivedSeriesExport(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSinkTopic)

	cfg := &config.Config{
		KafkaBrokers:   []string{broker},
		KafkaSinkTopic: testSinkTopic,
	}

	writer := kafkaadapter.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	computedAt := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)
	when := time.Date(2024, time.June, 1, 10, 0, 0, 0, time.UTC)
	c := domain.Column{Definition: "urn:discharge", Name: "discharge", UOM: "m3/s"}
	obs := domain.Observation{
		Procedure:  domain.Procedure{Name: "Q_TRE", Kind: domain.KindVirtual},
		ComputedAt: computedAt,
		Series: domain.Series{
			Columns: []domain.Column{c, c.QualityColumn()},
			Rows: []domain.Row{
				{Time: when, Values: []domain.Value{domain.Float64(11.5), domain.Float64(200)}},
				{Time: when.Add(time.Hour), Values: []domain.Value{domain.NoValue(), domain.Float64(120)}},
			},
		},
	}

	require.NoError(t, writer.ExportDerived(ctx, obs))

	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testSinkTopic,
		GroupID:     fmt.Sprintf("test-consumer-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })

	readCtx, readCancel := context.WithTimeout(ctx, 30*time.Second)
	defer readCancel()
	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "read from sink topic")

	assert.Equal(t, []byte("Q_TRE"), msg.Key)

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "Q_TRE", headers["procedure"])
	assert.Equal(t, computedAt.Format(time.RFC3339), headers["computed_at"])

	var payload struct {
		Procedure  string    `json:"procedure"`
		ComputedAt time.Time `json:"computed_at"`
		Columns    []struct {
			Definition string `json:"definition"`
		} `json:"columns"`
		Rows []struct {
			Time   time.Time  `json:"time"`
			Values []*float64 `json:"values"`
		} `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(msg.Value, &payload))

	assert.Equal(t, "Q_TRE", payload.Procedure)
	assert.True(t, payload.ComputedAt.Equal(computedAt))
	require.Len(t, payload.Columns, 2)
	assert.Equal(t, "urn:discharge", payload.Columns[0].Definition)

	require.Len(t, payload.Rows, 2)
	require.NotNil(t, payload.Rows[0].Values[0])
	assert.Equal(t, 11.5, *payload.Rows[0].Values[0])
	assert.Nil(t, payload.Rows[1].Values[0], "absent cells serialize as null")
}
