package main

import (
	"context"
	"sync/atomic"
	"time"

	sio "github.com/googollee/go-socket.io"
)

const (
	mapRoom = "map"

	eventLayerUpdate  = "layer_update"
	eventLayerRemoved = "layer_removed"
	eventStatus       = "status"
	eventNotification = "notification"
	eventFilters      = "filters"
)

// filtersMessage is what a client sends when a toggle changes.
type filtersMessage struct {
	ExcludeExhibits  bool `json:"exclude_exhibits"`
	MissingImageOnly bool `json:"missing_image_only"`
}

// SocketSurface is the map surface seen by browsers. Session layer changes, status
// transitions and notifications are broadcast to every connected client; each
// client keeps its own toggles and is answered alone when it changes them.
type SocketSurface struct {
	server     *sio.Server
	controller atomic.Pointer[MapController]
	clients    atomic.Int64
	toggleWait time.Duration
}

func NewSocketSurface(toggleWait time.Duration) *SocketSurface {
	ss := &SocketSurface{
		server:     sio.NewServer(nil),
		toggleWait: toggleWait,
	}

	ss.server.OnConnect("/", func(s sio.Conn) error {
		s.Join(mapRoom)
		n := ss.clients.Add(1)
		GetMetricsCollector().SetSocketClients(int(n))
		GetLogger().WithFields(LogFields{"client_id": s.ID(), "clients": n}).Info("Client connected")

		if mc := ss.controller.Load(); mc != nil {
			s.SetContext(mc.Filters())
			s.Emit(eventStatus, mc.Status())
			if layer := mc.ActiveLayer(); layer != nil {
				s.Emit(eventLayerUpdate, layer.Summary())
			}
		}
		return nil
	})

	ss.server.OnDisconnect("/", func(s sio.Conn, reason string) {
		n := ss.clients.Add(-1)
		GetMetricsCollector().SetSocketClients(int(n))
		GetLogger().WithFields(LogFields{"client_id": s.ID(), "reason": reason}).Info("Client disconnected")
	})

	ss.server.OnError("/", func(s sio.Conn, err error) {
		GetLogger().WithError(err).Warn("Socket error")
	})

	ss.server.OnEvent("/", eventFilters, ss.handleFilters)
	return ss
}

// Bind attaches the controller toggles are forwarded to.
func (ss *SocketSurface) Bind(mc *MapController) {
	ss.controller.Store(mc)
}

// handleFilters records the toggles of one client and sends it the matching
// layer. Other clients are not affected.
func (ss *SocketSurface) handleFilters(s sio.Conn, msg filtersMessage) {
	mc := ss.controller.Load()
	if mc == nil {
		s.Emit(eventNotification, "The map is not ready yet")
		return
	}

	cfg := FilterConfig{ExcludeExhibits: msg.ExcludeExhibits, MissingImageOnly: msg.MissingImageOnly}
	prev, _ := s.Context().(FilterConfig)
	s.SetContext(cfg)
	GetLogger().WithFields(LogFields{"client_id": s.ID(), "from": prev, "to": cfg}).Debug("Client toggles changed")

	ctx, cancel := context.WithTimeout(context.Background(), ss.toggleWait)
	defer cancel()

	layer, err := mc.LayerFor(ctx, cfg)
	if err != nil {
		GetLogger().WithError(err).WithFields(LogFields{"client_id": s.ID()}).Debug("Toggle not applied")
		return
	}
	s.Emit(eventLayerUpdate, layer.Summary())
}

func (ss *SocketSurface) AddLayer(layer *DisplayLayer) {
	ss.server.BroadcastToRoom("/", mapRoom, eventLayerUpdate, layer.Summary())
}

func (ss *SocketSurface) RemoveLayer(layer *DisplayLayer) {
	ss.server.BroadcastToRoom("/", mapRoom, eventLayerRemoved, layer.ID)
}

func (ss *SocketSurface) PublishStatus(status StatusSnapshot) {
	ss.server.BroadcastToRoom("/", mapRoom, eventStatus, status)
}

func (ss *SocketSurface) Notify(message string) {
	ss.server.BroadcastToRoom("/", mapRoom, eventNotification, message)
}

// Clients returns the number of connected clients.
func (ss *SocketSurface) Clients() int {
	return int(ss.clients.Load())
}

// Serve runs the socket server loop until Close.
func (ss *SocketSurface) Serve() error {
	return ss.server.Serve()
}

func (ss *SocketSurface) Close() error {
	return ss.server.Close()
}
