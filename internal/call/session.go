package call

import (
	"log"
	"sync"
	"time"

	"github.com/rbakker/palaver/internal/proto"
)

// Session is one call attempt between the local user and a peer. State is
// mutated only by the owning Engine; the exported accessors return snapshots.
type Session struct {
	ID        string
	PeerID    string
	Direction Direction
	Media     string

	mu          sync.Mutex
	state       CallState
	reason      string
	createdAt   time.Time
	connectedAt time.Time
	audioOn     bool
	videoOn     bool
}

func newSession(id, peerID string, dir Direction, media string) *Session {
	return &Session{
		ID:        id,
		PeerID:    peerID,
		Direction: dir,
		Media:     media,
		state:     StateIdle,
		createdAt: time.Now(),
		audioOn:   true,
		videoOn:   media == proto.MediaVideo,
	}
}

// State returns the current call state.
func (s *Session) State() CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns the termination reason, if any.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Duration returns how long the call has been active, zero before that.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectedAt.IsZero() {
		return 0
	}
	return time.Since(s.connectedAt)
}

// ToggleAudio flips the local audio mute. Returns the new muted state.
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	s.audioOn = !s.audioOn
	muted := !s.audioOn
	s.mu.Unlock()
	log.Printf("CALL [%s]: audio muted=%v", s.ID, muted)
	return muted
}

// ToggleVideo flips the local video. Returns the new disabled state.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	s.videoOn = !s.videoOn
	disabled := !s.videoOn
	s.mu.Unlock()
	log.Printf("CALL [%s]: video disabled=%v", s.ID, disabled)
	return disabled
}

// Muted reports the local mute states (audio muted, video disabled).
func (s *Session) Muted() (audio, video bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.audioOn, !s.videoOn
}

// transitionTo applies the transition table. Invalid transitions are logged
// and refused, never applied.
func (s *Session) transitionTo(next CallState) bool {
	s.mu.Lock()
	cur := s.state
	if !cur.CanTransitionTo(next) {
		s.mu.Unlock()
		log.Printf("CALL [%s]: refusing invalid transition %s -> %s", s.ID, cur, next)
		return false
	}
	s.state = next
	if next == StateActive && s.connectedAt.IsZero() {
		s.connectedAt = time.Now()
	}
	s.mu.Unlock()
	return true
}

func (s *Session) setReason(r string) {
	s.mu.Lock()
	if s.reason == "" {
		s.reason = r
	}
	s.mu.Unlock()
}
