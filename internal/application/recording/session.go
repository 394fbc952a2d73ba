package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dtrovato997/speechanalysis/internal/application"
	"github.com/dtrovato997/speechanalysis/internal/application/analyses"
	"github.com/dtrovato997/speechanalysis/internal/domain/analysis"
	"github.com/dtrovato997/speechanalysis/internal/domain/capture"
)

// ErrInvalidState rejects a transition the session is not in the right state
// for. Device failures are returned unwrapped so callers can tell a bad
// request from a broken microphone.
var ErrInvalidState = errors.New("invalid session state")

// State of the capture session.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateDiscarded State = "discarded"
)

// Snapshot is the observable session state pushed to listeners on every
// transition and recording tick.
type Snapshot struct {
	State            State      `json:"state"`
	ElapsedSeconds   int        `json:"elapsed_seconds"`
	RemainingSeconds int        `json:"remaining_seconds"`
	TempPath         string     `json:"temp_path,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
}

// Session drives one capture device through
// idle → recording ⇄ paused → completed, with a ticking countdown that
// stops the device when the maximum length is reached. All transitions
// and tick effects are serialized by one mutex, and a tick re-checks its
// loop identity and the state under that mutex before applying its
// effect, so no tick lands after a stop, cancel, or restart.
type Session struct {
	// MaxDuration caps one capture; the countdown starts here.
	MaxDuration time.Duration
	// TickInterval is how often the countdown advances. Tests shorten it.
	TickInterval time.Duration
	// Notify, when set, receives a snapshot after every transition and
	// every effective tick. Called outside the session mutex.
	Notify func(Snapshot)

	device   capture.Device
	analyses *analyses.Service
	clock    application.Clock
	tmpDir   string
	log      *slog.Logger

	mu        sync.Mutex
	state     State
	tempPath  string
	elapsed   time.Duration
	startedAt time.Time
	stopTick  chan struct{}
}

func NewSession(device capture.Device, svc *analyses.Service, tmpDir string, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		MaxDuration:  30 * time.Second,
		TickInterval: time.Second,
		device:       device,
		analyses:     svc,
		clock:        application.SystemClock{},
		tmpDir:       tmpDir,
		log:          log,
		state:        StateIdle,
	}
}

// SetClock replaces the time source, for tests.
func (s *Session) SetClock(c application.Clock) { s.clock = c }

// Status returns the current snapshot.
func (s *Session) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Start begins a fresh capture into a new temporary file. Device errors
// leave the session idle so the caller can retry.
func (s *Session) Start() error {
	s.mu.Lock()
	snap, err := s.startLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(snap)
	return nil
}

func (s *Session) startLocked() (Snapshot, error) {
	if s.state != StateIdle && s.state != StateDiscarded {
		return Snapshot{}, fmt.Errorf("%w: can only start recording from idle state, current: %s", ErrInvalidState, s.state)
	}
	path := filepath.Join(s.tmpDir, fmt.Sprintf("capture_%s.%s", uuid.New().String(), s.device.Extension()))
	// the capture outlives any single HTTP request
	if err := s.device.Start(context.Background(), path); err != nil {
		return Snapshot{}, fmt.Errorf("start capture: %w", err)
	}

	s.state = StateRecording
	s.tempPath = path
	s.elapsed = 0
	s.startedAt = s.clock.Now()
	s.stopTick = make(chan struct{})
	go s.tickLoop(s.stopTick, s.TickInterval)

	s.log.Info("recording started", "path", path, "max_seconds", int(s.MaxDuration.Seconds()))
	return s.snapshotLocked(), nil
}

// Pause suspends capture; elapsed time freezes. Device errors leave the
// session recording.
func (s *Session) Pause() error {
	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return fmt.Errorf("%w: can only pause while recording, current: %s", ErrInvalidState, s.state)
	}
	if err := s.device.Pause(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("pause capture: %w", err)
	}
	s.state = StatePaused
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Info("recording paused", "elapsed", snap.ElapsedSeconds)
	s.notify(snap)
	return nil
}

// Resume continues a paused capture into the same file; the countdown
// picks up where it stopped.
func (s *Session) Resume() error {
	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		return fmt.Errorf("%w: can only resume from paused state, current: %s", ErrInvalidState, s.state)
	}
	if err := s.device.Resume(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("resume capture: %w", err)
	}
	s.state = StateRecording
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Info("recording resumed", "elapsed", snap.ElapsedSeconds)
	s.notify(snap)
	return nil
}

// Stop finalizes the capture; the file is ready for Save afterwards.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state != StateRecording && s.state != StatePaused {
		s.mu.Unlock()
		return fmt.Errorf("%w: no recording in progress, current: %s", ErrInvalidState, s.state)
	}
	if err := s.device.Stop(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("stop capture: %w", err)
	}
	s.state = StateCompleted
	s.closeTickLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Info("recording completed", "path", snap.TempPath, "elapsed", snap.ElapsedSeconds)
	s.notify(snap)
	return nil
}

// Cancel discards the capture from any active or completed state. The
// device is stopped best-effort and the temporary file removed.
func (s *Session) Cancel() error {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateDiscarded {
		s.mu.Unlock()
		return fmt.Errorf("%w: nothing to cancel, current: %s", ErrInvalidState, s.state)
	}
	s.cancelLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Info("recording discarded")
	s.notify(snap)
	return nil
}

func (s *Session) cancelLocked() {
	if s.state == StateRecording || s.state == StatePaused {
		if err := s.device.Stop(); err != nil {
			s.log.Warn("device stop during cancel", "err", err)
		}
	}
	s.closeTickLocked()
	if s.tempPath != "" {
		if err := os.Remove(s.tempPath); err != nil && !os.IsNotExist(err) {
			s.log.Warn("temp recording not removed", "path", s.tempPath, "err", err)
		}
	}
	s.state = StateDiscarded
	s.tempPath = ""
	s.elapsed = 0
}

// Restart discards whatever the session holds and begins a new capture.
func (s *Session) Restart() error {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateDiscarded {
		s.cancelLocked()
	}
	snap, err := s.startLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(snap)
	return nil
}

// Save hands the completed capture to the persistence layer. On success
// the session returns to idle and the temporary file is removed; on
// failure it stays completed so the user can retry without re-recording.
func (s *Session) Save(ctx context.Context, title, description string, tags []string) (*analysis.Analysis, error) {
	s.mu.Lock()
	if s.state != StateCompleted {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: can only save a completed recording, current: %s", ErrInvalidState, s.state)
	}

	// the mutex stays held through the handoff: a save is a point of no
	// return and no other transition may interleave with it
	a, err := s.analyses.CreateAnalysis(ctx, analyses.CreateAnalysisCommand{
		Title:       title,
		Description: description,
		SourcePath:  s.tempPath,
		Tags:        tags,
	})
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	if err := os.Remove(s.tempPath); err != nil && !os.IsNotExist(err) {
		s.log.Warn("temp recording not removed after save", "path", s.tempPath, "err", err)
	}
	s.state = StateIdle
	s.tempPath = ""
	s.elapsed = 0
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Info("recording saved", "id", a.ID, "path", a.RecordingPath)
	s.notify(snap)
	return a, nil
}

// tickLoop drives the countdown. It exits when the stop channel closes
// or a tick observes a state that no longer needs it.
func (s *Session) tickLoop(stop chan struct{}, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if s.onTick(stop) {
				return
			}
		}
	}
}

// onTick advances the countdown by one interval. Loop identity and state
// are checked under the mutex before any effect is applied, so a tick
// that raced a transition, or that waited on the mutex while a restart
// replaced its loop, becomes a no-op. Returns true when the loop should
// exit.
func (s *Session) onTick(stop chan struct{}) bool {
	s.mu.Lock()
	if s.stopTick != stop {
		// stale tick from a replaced loop
		s.mu.Unlock()
		return true
	}
	switch s.state {
	case StatePaused:
		// countdown frozen; keep the loop alive for resume
		s.mu.Unlock()
		return false
	case StateRecording:
		// fall through to the effect below
	default:
		s.mu.Unlock()
		return true
	}

	s.elapsed += s.TickInterval
	if s.elapsed >= s.MaxDuration {
		if err := s.device.Stop(); err != nil {
			s.log.Warn("device stop at max duration", "err", err)
		}
		s.state = StateCompleted
		s.stopTick = nil
		snap := s.snapshotLocked()
		s.mu.Unlock()

		s.log.Info("recording completed at max duration", "path", snap.TempPath)
		s.notify(snap)
		return true
	}

	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	return false
}

func (s *Session) closeTickLocked() {
	if s.stopTick != nil {
		close(s.stopTick)
		s.stopTick = nil
	}
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:            s.state,
		ElapsedSeconds:   int(s.elapsed.Seconds()),
		RemainingSeconds: int(clampRemaining(s.MaxDuration, s.elapsed).Seconds()),
		TempPath:         s.tempPath,
	}
	if s.state == StateRecording || s.state == StatePaused {
		t := s.startedAt
		snap.StartedAt = &t
	}
	return snap
}

func (s *Session) notify(snap Snapshot) {
	if s.Notify != nil {
		s.Notify(snap)
	}
}

func clampRemaining(max, elapsed time.Duration) time.Duration {
	r := max - elapsed
	if r < 0 {
		return 0
	}
	if r > max {
		return max
	}
	return r
}
