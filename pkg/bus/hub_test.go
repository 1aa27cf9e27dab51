package bus

import (
	"context"
	"testing"
	"time"
)

func TestHub_ForwardsAndDropsUntopicedFrames(t *testing.T) {
	network := NewMemoryNetwork()
	cfg := HubConfig{
		CollectAddr:      "mem://hub/collect",
		DistributeAddr:   "mem://hub/distribute",
		RecvPollInterval: 10 * time.Millisecond,
	}
	hub, err := NewHub(cfg, network.Transport(), nil, nil)
	if err != nil {
		t.Fatalf("NewHub() error = %v", err)
	}
	if err := hub.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	host := network.Transport()
	sub, err := host.DialSubscriber(cfg.DistributeAddr, nil)
	if err != nil {
		t.Fatalf("DialSubscriber() error = %v", err)
	}
	_ = sub.SetRecvDeadline(time.Second)
	pub, err := host.DialPublisher(cfg.CollectAddr, nil)
	if err != nil {
		t.Fatalf("DialPublisher() error = %v", err)
	}

	if err := pub.Send([]byte("no-topic-separator")); err != nil {
		t.Fatal(err)
	}
	frame, err := encodeFrame("t", "s", []byte(`{}`), time.Now(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := pub.Send(frame); err != nil {
		t.Fatal(err)
	}

	got, err := sub.Recv()
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if string(got) != string(frame) {
		t.Errorf("forwarded frame = %q, want %q", got, frame)
	}

	forwarded, dropped := hub.Stats()
	if forwarded != 1 || dropped != 1 {
		t.Errorf("Stats() = (%d, %d), want (1, 1)", forwarded, dropped)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if err := hub.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := hub.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestHub_RunBeforeListen(t *testing.T) {
	hub, err := NewHub(DefaultHubConfig(), NewMemoryNetwork().Transport(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := hub.Run(context.Background()); err == nil {
		t.Error("expected error when running an unbound hub")
	}
}

func TestHub_AddressInUse(t *testing.T) {
	network := NewMemoryNetwork()
	cfg := HubConfig{CollectAddr: "mem://c", DistributeAddr: "mem://d", RecvPollInterval: time.Millisecond}

	first, _ := NewHub(cfg, network.Transport(), nil, nil)
	if err := first.Listen(); err != nil {
		t.Fatal(err)
	}
	defer first.Close()

	second, _ := NewHub(cfg, network.Transport(), nil, nil)
	if err := second.Listen(); err == nil {
		t.Error("expected address in use")
	}
}

func TestTransportRegistry(t *testing.T) {
	for _, name := range []string{"memory", "nng"} {
		if _, err := NewTransport(name); err != nil {
			t.Errorf("NewTransport(%q) error = %v", name, err)
		}
	}
	if _, err := NewTransport("carrier-pigeon"); err == nil {
		t.Error("expected ErrUnknownTransport")
	}
}
