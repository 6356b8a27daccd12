package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestShutdownRunsHandlersByPriority(t *testing.T) {
	sm := NewShutdownManager(nil, 2*time.Second)

	var mu sync.Mutex
	var order []string
	record := func(name string) func() error {
		return func() error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	sm.AddCloser("storage", 3, time.Second, record("storage"))
	sm.AddCloser("loop", 1, time.Second, record("loop"))
	sm.AddCloser("pool", 2, time.Second, func() error {
		record("pool")()
		return errors.New("failing handlers do not stop the sequence")
	})

	if sm.IsShuttingDown() {
		t.Fatal("shutting down before start")
	}
	sm.StartGracefulShutdown()
	sm.StartGracefulShutdown()
	sm.WaitForShutdown()

	if !sm.IsShuttingDown() {
		t.Error("IsShuttingDown = false after shutdown")
	}
	want := []string{"loop", "pool", "storage"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestShutdownStopsAtOverallTimeout(t *testing.T) {
	sm := NewShutdownManager(nil, 100*time.Millisecond)

	ran := make(chan struct{}, 1)
	sm.AddShutdownHandler(ShutdownHandler{
		Name:     "stuck",
		Priority: 1,
		Timeout:  time.Minute,
		Handler: func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(time.Second)
			return ctx.Err()
		},
	})
	sm.AddCloser("late", 2, time.Second, func() error {
		ran <- struct{}{}
		return nil
	})

	start := time.Now()
	sm.StartGracefulShutdown()
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Errorf("shutdown took %v", elapsed)
	}
	select {
	case <-ran:
		t.Error("handlers after a timed out group must not run")
	default:
	}
}
