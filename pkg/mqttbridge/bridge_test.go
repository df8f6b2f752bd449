package mqttbridge

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/naralabs/nara/pkg/pipeline"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type recordingClient struct {
	mu   sync.Mutex
	msgs []published
}

func (c *recordingClient) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{
		topic:    topic,
		qos:      qos,
		retained: retained,
		payload:  append([]byte(nil), payload.([]byte)...),
	})
	return doneToken{}
}

func (c *recordingClient) Disconnect(uint) {}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSinkPublishesEventsPerRunTopic(t *testing.T) {
	client := &recordingClient{}
	b := newBridgeWithClient(Config{TopicPrefix: "home/assist", QoS: 1}, client, discardLogger())

	var forwarded []pipeline.Event
	sink := b.Sink("run-7", "pl-7", func(ev pipeline.Event) { forwarded = append(forwarded, ev) })

	sink(pipeline.Event{Type: pipeline.EventStageStarted, Stage: pipeline.StageSTT, Timestamp: time.Now()})
	sink(pipeline.Event{
		Type:      pipeline.EventStageFinished,
		Stage:     pipeline.StageSTT,
		Timestamp: time.Now(),
		Data:      pipeline.STTData{Transcript: "open the blinds"},
	})
	sink(pipeline.Event{Type: pipeline.EventRunFinished, Timestamp: time.Now()})

	if len(forwarded) != 3 {
		t.Fatalf("forwarded %d events", len(forwarded))
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.msgs) != 3 {
		t.Fatalf("published %d messages", len(client.msgs))
	}
	for _, msg := range client.msgs {
		if msg.topic != "home/assist/events/run-7" {
			t.Fatalf("topic %q", msg.topic)
		}
		if msg.qos != 1 || msg.retained {
			t.Fatalf("qos=%d retained=%v", msg.qos, msg.retained)
		}
	}

	var env envelope
	if err := json.Unmarshal(client.msgs[1].payload, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.RunID != "run-7" || env.PipelineID != "pl-7" {
		t.Fatalf("envelope: %+v", env)
	}
	if env.Event.Type != pipeline.EventStageFinished || env.Event.Stage != pipeline.StageSTT {
		t.Fatalf("event: %+v", env.Event)
	}
	data, _ := env.Event.Data.(map[string]any)
	if data["transcript"] != "open the blinds" {
		t.Fatalf("payload data: %+v", data)
	}
}

func TestSinkWithoutNext(t *testing.T) {
	client := &recordingClient{}
	b := newBridgeWithClient(Config{}, client, discardLogger())
	sink := b.Sink("run-1", "", nil)
	sink(pipeline.Event{Type: pipeline.EventRunFinished, Timestamp: time.Now()})

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.msgs) != 1 {
		t.Fatalf("published %d messages", len(client.msgs))
	}
	if client.msgs[0].topic != "nara/events/run-1" {
		t.Fatalf("default prefix: %q", client.msgs[0].topic)
	}
}
