package capability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestBus(t *testing.T) *bus.Client {
	t.Helper()
	log := newLogger()
	busCfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(busCfg, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), busCfg, srv.ClientURL(), log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func nodeConfig(id string) config.NodeConfig {
	return config.NodeConfig{
		ID:                id,
		Role:              "stt",
		HeartbeatInterval: 50,
		HeartbeatTimeout:  200,
		Capabilities:      []config.NodeCapability{{Name: "stt.live", Tier: "balanced"}},
	}
}

func TestRegistryAnnouncesAndHeartbeats(t *testing.T) {
	client := newTestBus(t)

	beats := make(chan heartbeatMessage, 16)
	sub, err := client.Conn().Subscribe(SubjectHeartbeatPrefix+"node-a", func(msg *nats.Msg) {
		var hb heartbeatMessage
		if json.Unmarshal(msg.Data, &hb) == nil {
			beats <- hb
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	status := func() Status { return Status{State: "running", RunID: "run-1", Backlog: 3} }
	reg, err := NewRegistry(context.Background(), nodeConfig("node-a"), client, status, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()

	select {
	case hb := <-beats:
		if hb.Status.State != "running" || hb.Status.RunID != "run-1" || hb.Status.Backlog != 3 {
			t.Fatalf("unexpected heartbeat %+v", hb)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat received")
	}

	if !reg.Healthy() {
		t.Fatal("expected local node healthy after announce")
	}
	nodes := reg.Query(WithCapabilityFilter("stt.live"))
	if len(nodes) != 1 || nodes[0].ID != "node-a" {
		t.Fatalf("unexpected nodes %+v", nodes)
	}
}

func TestRegistryTracksPeers(t *testing.T) {
	client := newTestBus(t)

	a, err := NewRegistry(context.Background(), nodeConfig("node-a"), client, nil, newLogger())
	if err != nil {
		t.Fatalf("new registry a: %v", err)
	}
	defer a.Close()
	b, err := NewRegistry(context.Background(), nodeConfig("node-b"), client, func() Status { return Status{State: "idle"} }, newLogger())
	if err != nil {
		t.Fatalf("new registry b: %v", err)
	}
	defer b.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(a.Query(nil)) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	nodes := a.Query(nil)
	if len(nodes) != 2 || nodes[0].ID != "node-a" || nodes[1].ID != "node-b" {
		t.Fatalf("unexpected peers %+v", nodes)
	}
}

func TestEvaluateHealthMarksStaleNodes(t *testing.T) {
	r := &Registry{cfg: nodeConfig("node-a"), nodes: make(map[string]*NodeInfo)}
	seen := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r.updateNode("node-a", "stt", nil, &Status{State: "running"}, seen)

	r.evaluateHealth(seen.Add(100 * time.Millisecond))
	if !r.Healthy() {
		t.Fatal("expected node healthy within timeout")
	}
	r.evaluateHealth(seen.Add(time.Second))
	if r.Healthy() {
		t.Fatal("expected node unhealthy after timeout")
	}
	nodes, running := r.snapshotCounts()
	if nodes != 1 || running != 1 {
		t.Fatalf("unexpected counts %d, %d", nodes, running)
	}
}
