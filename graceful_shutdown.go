package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"
)

// ShutdownHandler is called during shutdown. Lower priorities run first;
// handlers sharing a priority run concurrently.
type ShutdownHandler struct {
	Name     string
	Handler  func(ctx context.Context) error
	Priority int
	Timeout  time.Duration
}

// ShutdownManager stops the HTTP server, then runs the registered handlers.
type ShutdownManager struct {
	server          *http.Server
	shutdownTimeout time.Duration

	mu       sync.RWMutex
	handlers []ShutdownHandler

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}
}

func NewShutdownManager(server *http.Server, shutdownTimeout time.Duration) *ShutdownManager {
	return &ShutdownManager{
		server:          server,
		shutdownTimeout: shutdownTimeout,
		shutdownChan:    make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// SetServer sets the server stopped first on shutdown.
func (sm *ShutdownManager) SetServer(server *http.Server) {
	sm.mu.Lock()
	sm.server = server
	sm.mu.Unlock()
}

func (sm *ShutdownManager) AddShutdownHandler(handler ShutdownHandler) {
	if handler.Timeout <= 0 {
		handler.Timeout = 5 * time.Second
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.handlers = append(sm.handlers, handler)
}

// AddCloser registers a plain closer at priority.
func (sm *ShutdownManager) AddCloser(name string, priority int, timeout time.Duration, closer func() error) {
	sm.AddShutdownHandler(ShutdownHandler{
		Name:     name,
		Handler:  func(ctx context.Context) error { return closer() },
		Priority: priority,
		Timeout:  timeout,
	})
}

// StartGracefulShutdown runs the shutdown sequence once. Later calls wait for
// the first to finish.
func (sm *ShutdownManager) StartGracefulShutdown() {
	sm.shutdownOnce.Do(func() {
		close(sm.shutdownChan)
		defer close(sm.done)

		ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
		defer cancel()

		sm.mu.RLock()
		count := len(sm.handlers)
		sm.mu.RUnlock()
		GetLogger().WithFields(LogFields{"timeout": sm.shutdownTimeout.String(), "handlers": count}).Info("Starting graceful shutdown")

		sm.shutdownHTTPServer(ctx)
		sm.executeShutdownHandlers(ctx)

		GetLogger().Info("Graceful shutdown completed")
	})
	<-sm.done
}

func (sm *ShutdownManager) executeShutdownHandlers(ctx context.Context) {
	sm.mu.RLock()
	handlers := make([]ShutdownHandler, len(sm.handlers))
	copy(handlers, sm.handlers)
	sm.mu.RUnlock()

	sort.SliceStable(handlers, func(i, j int) bool { return handlers[i].Priority < handlers[j].Priority })

	for start := 0; start < len(handlers); {
		end := start
		for end < len(handlers) && handlers[end].Priority == handlers[start].Priority {
			end++
		}
		if !sm.runGroup(ctx, handlers[start:end]) {
			return
		}
		start = end
	}
}

// runGroup runs handlers concurrently. It returns false when ctx expired.
func (sm *ShutdownManager) runGroup(ctx context.Context, handlers []ShutdownHandler) bool {
	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h ShutdownHandler) {
			defer wg.Done()

			hctx, cancel := context.WithTimeout(ctx, h.Timeout)
			defer cancel()

			start := time.Now()
			err := h.Handler(hctx)
			logger := GetLogger().WithFields(LogFields{"handler": h.Name, "duration_ms": time.Since(start).Milliseconds()})
			if err != nil {
				logger.WithError(err).Error("Shutdown handler failed")
				return
			}
			logger.Info("Shutdown handler completed")
		}(h)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		GetLogger().WithError(ctx.Err()).Warn("Shutdown handlers timed out")
		return false
	}
}

func (sm *ShutdownManager) shutdownHTTPServer(ctx context.Context) {
	sm.mu.RLock()
	server := sm.server
	sm.mu.RUnlock()
	if server == nil {
		return
	}

	if err := server.Shutdown(ctx); err != nil {
		GetLogger().WithError(err).Warn("HTTP server shutdown failed, closing")
		server.Close()
		return
	}
	GetLogger().Info("HTTP server shutdown completed")
}

// WaitForShutdown blocks until shutdown has completed.
func (sm *ShutdownManager) WaitForShutdown() {
	<-sm.done
}

func (sm *ShutdownManager) IsShuttingDown() bool {
	select {
	case <-sm.shutdownChan:
		return true
	default:
		return false
	}
}

// SetupSignalHandling starts the shutdown on SIGINT or SIGTERM and calls onReload
// on SIGHUP.
func SetupSignalHandling(sm *ShutdownManager, onReload func()) func() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for sig := range sigChan {
			GetLogger().WithFields(LogFields{"signal": sig.String()}).Info("Received signal")

			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				go sm.StartGracefulShutdown()
			case syscall.SIGHUP:
				if onReload != nil {
					onReload()
				}
			}
		}
	}()

	return func() {
		signal.Stop(sigChan)
		close(sigChan)
	}
}
