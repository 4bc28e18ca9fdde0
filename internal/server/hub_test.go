package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/eventcast/internal/event"
	"github.com/Tyrowin/eventcast/internal/registry"
)

func runHub(t *testing.T, reg *registry.Registry) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(reg, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	return h, cancel
}

func drainChat(t *testing.T, reg *registry.Registry, id string) event.Chat {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := reg.Drain(ctx, id)
	if !ok {
		t.Fatalf("Drain on %s ended without an event", id)
	}
	c, isChat := ev.Chat()
	if !isChat {
		t.Fatalf("Expected chat event, got %s", ev.Kind())
	}
	return c
}

// TestHubPreservesPublishOrder verifies that every connection sees events in
// the order they were published.
func TestHubPreservesPublishOrder(t *testing.T) {
	reg := registry.New()
	h, _ := runHub(t, reg)

	a, _ := reg.Register(registry.TransportStream)
	b, _ := reg.Register(registry.TransportSocket)

	const n = 100
	for i := 0; i < n; i++ {
		if err := h.Publish(context.Background(), event.NewChat(time.Now(), "u", fmt.Sprint(i))); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	for _, id := range []string{a, b} {
		for i := 0; i < n; i++ {
			if got := drainChat(t, reg, id).Message; got != fmt.Sprint(i) {
				t.Fatalf("Connection %s: expected message %d, got %s", id, i, got)
			}
		}
	}
}

// TestHubConcurrentPublishersAgreeOnOrder verifies that concurrent
// publications reach all connections in one common order.
func TestHubConcurrentPublishersAgreeOnOrder(t *testing.T) {
	reg := registry.New()
	h, _ := runHub(t, reg)

	ids := make([]string, 3)
	for i := range ids {
		ids[i], _ = reg.Register(registry.TransportSocket)
	}

	const publishers, each = 5, 20
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				msg := fmt.Sprintf("%d-%d", p, i)
				if err := h.Publish(context.Background(), event.NewChat(time.Now(), "u", msg)); err != nil {
					t.Errorf("Publish failed: %v", err)
				}
			}
		}(p)
	}
	wg.Wait()

	var reference []string
	for _, id := range ids {
		var seq []string
		for i := 0; i < publishers*each; i++ {
			seq = append(seq, drainChat(t, reg, id).Message)
		}
		if reference == nil {
			reference = seq
			continue
		}
		for i := range seq {
			if seq[i] != reference[i] {
				t.Fatalf("Connection %s diverges at %d: %s vs %s", id, i, seq[i], reference[i])
			}
		}
	}
}

func TestHubPublishToFiltersTransport(t *testing.T) {
	reg := registry.New()
	h, _ := runHub(t, reg)

	stream, _ := reg.Register(registry.TransportStream)
	socket, _ := reg.Register(registry.TransportSocket)

	if err := h.PublishTo(context.Background(), event.NewTick(time.Now()), registry.TransportStream); err != nil {
		t.Fatalf("PublishTo failed: %v", err)
	}
	if err := h.Publish(context.Background(), event.NewChat(time.Now(), "u", "after")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if ev, ok := reg.Drain(ctx, stream); !ok || ev.Kind() != event.KindTick {
		t.Fatalf("Expected tick on stream connection, got %v", ev)
	}
	if got := drainChat(t, reg, stream).Message; got != "after" {
		t.Errorf("Expected chat after tick on stream, got %s", got)
	}
	if got := drainChat(t, reg, socket).Message; got != "after" {
		t.Errorf("Socket connection should only see the chat, got %s", got)
	}

	waitFor(t, time.Second, "hub stats", func() bool {
		return h.Stats() == HubStats{Published: 2, Delivered: 3}
	})
}

func TestHubRejectsZeroEvent(t *testing.T) {
	h, _ := runHub(t, registry.New())
	if err := h.Publish(context.Background(), event.Event{}); !errors.Is(err, event.ErrZeroEvent) {
		t.Errorf("Expected ErrZeroEvent, got %v", err)
	}
}

func TestHubStopClosesRegistry(t *testing.T) {
	reg := registry.New()
	h, cancel := runHub(t, reg)

	id, _ := reg.Register(registry.TransportStream)
	cancel()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("Hub did not stop after context cancellation")
	}

	if err := h.Publish(context.Background(), event.NewTick(time.Now())); !errors.Is(err, ErrHubStopped) {
		t.Errorf("Expected ErrHubStopped, got %v", err)
	}
	if _, err := reg.Register(registry.TransportSocket); !errors.Is(err, registry.ErrClosed) {
		t.Errorf("Expected ErrClosed from a stopped hub's registry, got %v", err)
	}
	if _, ok := reg.Drain(context.Background(), id); ok {
		t.Error("Drain should terminate once the hub has stopped")
	}
}

func TestPublishHonoursContextWhenIntakeIsFull(t *testing.T) {
	// Never started: the intake fills up and Publish must give up.
	h := NewHub(registry.New(), zerolog.Nop())
	for i := 0; i < cap(h.publish); i++ {
		if err := h.Publish(context.Background(), event.NewTick(time.Now())); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.Publish(ctx, event.NewTick(time.Now())); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}
