package runtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/natsserver"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), cfg, srv.ClientURL(), newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestRelayPublishesSegments(t *testing.T) {
	client := startBus(t)
	msgs := make(chan *nats.Msg, 4)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectTranscriptFinal, msgs)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	dev := &fakeDevice{}
	p := newTestPipeline(t, dev)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	runID := p.RunID()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	rl := newRelay(p, client, protocol.SubjectTranscriptFinal, "node-a", 10*time.Millisecond, newLogger())
	go func() { done <- rl.Run(ctx) }()

	dev.feed(17, 1000)

	select {
	case msg := <-msgs:
		var tr protocol.Transcript
		if err := json.Unmarshal(msg.Data, &tr); err != nil {
			t.Fatalf("decode transcript: %v", err)
		}
		if tr.SessionID != runID || tr.Sequence != 1 || tr.Text != "hello world" || tr.Partial {
			t.Fatalf("unexpected transcript %+v", tr)
		}
		if tr.AudioMS <= 0 {
			t.Fatalf("expected audio duration, got %d", tr.AudioMS)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no transcript relayed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("relay returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
	if _, transcripts := p.Backlog(); transcripts != 0 {
		t.Fatalf("relay left %d transcripts queued", transcripts)
	}
}
