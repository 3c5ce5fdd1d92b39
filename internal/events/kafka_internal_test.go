package events

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestKafkaPublisher_WritesOffRequestPath(t *testing.T) {
	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "agrolink.", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if !p.writer.Async {
		t.Error("writer must be asynchronous")
	}
	if p.writer.Completion == nil {
		t.Error("writer needs a completion callback to surface delivery failures")
	}
}

func TestLogCompletion(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	msgs := []kafka.Message{
		{Topic: "agrolink.interest.accepted", Key: []byte("listing-1")},
		{Topic: "agrolink.listing.updated", Key: []byte("listing-2")},
	}

	logCompletion(msgs, nil)
	if buf.Len() != 0 {
		t.Fatalf("successful delivery logged: %s", buf.String())
	}

	logCompletion(msgs, errors.New("leader not available"))
	out := buf.String()
	if strings.Count(out, "event delivery failed") != 2 {
		t.Fatalf("expected one warning per message, got: %s", out)
	}
	if !strings.Contains(out, "listing-2") || !strings.Contains(out, "leader not available") {
		t.Errorf("warning lacks key or cause: %s", out)
	}
}
