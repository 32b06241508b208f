package broker

import (
	"context"
	"errors"
	"testing"
)

func TestMuxRoutesByPubSubName(t *testing.T) {
	fallback := NewMemory()
	orders := NewMemory()
	mux := NewMux(fallback)
	mux.Handle("orders", orders)

	if err := mux.Publish(context.Background(), "t1", "orders", []byte("a")); err != nil {
		t.Fatalf("publish orders: %v", err)
	}
	if err := mux.Publish(context.Background(), "t2", "other", []byte("b")); err != nil {
		t.Fatalf("publish other: %v", err)
	}

	if got := orders.Messages(); len(got) != 1 || got[0].Topic != "t1" {
		t.Fatalf("unexpected orders messages %+v", got)
	}
	if got := fallback.Messages(); len(got) != 1 || got[0].PubSubName != "other" {
		t.Fatalf("unexpected fallback messages %+v", got)
	}
}

func TestMuxWithoutPublisher(t *testing.T) {
	mux := NewMux(nil)
	err := mux.Publish(context.Background(), "t", "missing", nil)
	if !errors.Is(err, ErrNoPublisher) {
		t.Fatalf("expected ErrNoPublisher, got %v", err)
	}
}

func TestMemoryFailNext(t *testing.T) {
	mem := NewMemory()
	boom := errors.New("down")
	mem.FailNext(1, boom)

	if err := mem.Publish(context.Background(), "t", "p", []byte("x")); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if err := mem.Publish(context.Background(), "t", "p", []byte("x")); err != nil {
		t.Fatalf("expected success after injected failure, got %v", err)
	}
	if len(mem.Messages()) != 1 {
		t.Fatalf("expected one message, got %d", len(mem.Messages()))
	}
}

func TestMemoryRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewMemory().Publish(ctx, "t", "p", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
