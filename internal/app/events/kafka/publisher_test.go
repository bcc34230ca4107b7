package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/R3E-Network/prediction_layer/internal/app/domain/prediction"
	"github.com/R3E-Network/prediction_layer/internal/app/events"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishCompletedEvent(t *testing.T) {
	w := &recordingWriter{}
	pub := NewPublisherWithWriter(w)

	done := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	evt := events.Completed(prediction.Job{ID: "j1", OwnerID: "u1", Status: prediction.StatusDone, Attempts: 1, CompletedAt: &done}, prediction.SourceFallback)
	require.NoError(t, pub.Publish(context.Background(), events.TopicPredictionCompleted, evt.Key(), evt))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, events.TopicPredictionCompleted, msg.Topic)
	assert.Equal(t, "j1", string(msg.Key))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "done", decoded["status"])
	assert.Equal(t, "fallback", decoded["source"])

	require.NoError(t, pub.Close())
	assert.True(t, w.closed)
}

func TestPublishWrapsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	pub := NewPublisherWithWriter(&recordingWriter{err: boom})
	err := pub.Publish(context.Background(), "t", "k", map[string]string{"a": "b"})
	assert.True(t, errors.Is(err, boom))
}
