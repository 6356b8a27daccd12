package main

import (
	"sync"
	"time"
)

// Phase is the user-visible progress of the map session.
type Phase string

const (
	PhaseLoadingPage Phase = "Loading web page"
	PhaseFetching    Phase = "fetching datas"
	PhaseProcessing  Phase = "processing..."
	PhaseReady       Phase = "ready to use!"
	PhaseFailure     Phase = "failure"
)

// Text renders the status line shown next to the map.
func (p Phase) Text() string {
	return "status: " + string(p)
}

const loadFailureMessage = "No valid response received"

// StatusSnapshot is the state published to clients.
type StatusSnapshot struct {
	Phase        Phase     `json:"phase"`
	Text         string    `json:"text"`
	Notification string    `json:"notification,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StatusPublisher receives every status transition and every failure notification.
type StatusPublisher interface {
	PublishStatus(status StatusSnapshot)
	Notify(message string)
}

// StatusBoard tracks the current phase and forwards changes to an optional publisher.
type StatusBoard struct {
	publisher StatusPublisher

	mu      sync.RWMutex
	current StatusSnapshot
}

func NewStatusBoard(publisher StatusPublisher) *StatusBoard {
	sb := &StatusBoard{publisher: publisher}
	sb.Set(PhaseLoadingPage)
	return sb
}

// Set moves to phase and clears any previous notification.
func (sb *StatusBoard) Set(phase Phase) {
	sb.update(phase, "")
}

// Fail moves to the failure phase and notifies the user with message.
func (sb *StatusBoard) Fail(message string) {
	sb.update(PhaseFailure, message)
	if sb.publisher != nil {
		sb.publisher.Notify(message)
	}
}

func (sb *StatusBoard) update(phase Phase, notification string) {
	snapshot := StatusSnapshot{
		Phase:        phase,
		Text:         phase.Text(),
		Notification: notification,
		UpdatedAt:    time.Now(),
	}

	sb.mu.Lock()
	sb.current = snapshot
	sb.mu.Unlock()

	GetLogger().WithFields(LogFields{"phase": string(phase)}).Info("Map status changed")
	if sb.publisher != nil {
		sb.publisher.PublishStatus(snapshot)
	}
}

// Snapshot returns the current status.
func (sb *StatusBoard) Snapshot() StatusSnapshot {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.current
}
