package recording

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dtrovato997/speechanalysis/internal/application/analyses"
	domain "github.com/dtrovato997/speechanalysis/internal/domain/analysis"
	"github.com/dtrovato997/speechanalysis/internal/infra/db/sqlite"
	"github.com/dtrovato997/speechanalysis/internal/infra/storage"
)

type staticClock struct{ t time.Time }

func (c staticClock) Now() time.Time { return c.t }

// fakeDevice stands in for the microphone. Start creates the file so the
// save path sees a real capture artifact.
type fakeDevice struct {
	mu         sync.Mutex
	started    int
	paused     int
	resumed    int
	stopped    int
	lastPath   string
	failStart  bool
	failPause  bool
	failResume bool
	failStop   bool
}

func (d *fakeDevice) Start(_ context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failStart {
		return errors.New("device busy")
	}
	if err := os.WriteFile(path, []byte("RIFF fake capture"), 0o644); err != nil {
		return err
	}
	d.started++
	d.lastPath = path
	return nil
}

func (d *fakeDevice) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failPause {
		return errors.New("pause failed")
	}
	d.paused++
	return nil
}

func (d *fakeDevice) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failResume {
		return errors.New("resume failed")
	}
	d.resumed++
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failStop {
		return errors.New("stop failed")
	}
	d.stopped++
	return nil
}

func (d *fakeDevice) Extension() string { return "wav" }

func (d *fakeDevice) stops() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

var sessionNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestSession(t *testing.T) (*Session, *fakeDevice) {
	t.Helper()
	db, err := sqlite.Connect(context.Background(), "file::memory:?_pragma=foreign_keys(ON)")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	vault, err := storage.NewFileVault(filepath.Join(t.TempDir(), "vault"), "")
	if err != nil {
		t.Fatal(err)
	}
	svc := &analyses.Service{
		Repo:  sqlite.NewAnalysisRepository(db),
		Vault: vault,
		Clock: staticClock{sessionNow},
	}

	dev := &fakeDevice{}
	s := NewSession(dev, svc, t.TempDir(), nil)
	s.SetClock(staticClock{sessionNow})
	return s, dev
}

func mustStart(t *testing.T, s *Session) {
	t.Helper()
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
}

// stopLoop kills the background ticker so a test can drive ticks
// manually without the real timer interfering. closeTickLocked clears
// the loop handle, so manual ticks pass nil to match it.
func stopLoop(s *Session) {
	s.mu.Lock()
	s.closeTickLocked()
	s.mu.Unlock()
}

func TestStartFromIdle(t *testing.T) {
	s, dev := newTestSession(t)
	mustStart(t, s)

	snap := s.Status()
	if snap.State != StateRecording {
		t.Errorf("state = %s", snap.State)
	}
	if !strings.HasSuffix(snap.TempPath, ".wav") {
		t.Errorf("temp path = %q", snap.TempPath)
	}
	if snap.RemainingSeconds != 30 {
		t.Errorf("remaining = %d, want 30", snap.RemainingSeconds)
	}
	if snap.StartedAt == nil || !snap.StartedAt.Equal(sessionNow) {
		t.Errorf("started at = %v", snap.StartedAt)
	}
	if dev.started != 1 {
		t.Errorf("device starts = %d", dev.started)
	}

	if err := s.Start(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second start should be rejected with ErrInvalidState, got %v", err)
	}
}

func TestStartDeviceErrorStaysIdle(t *testing.T) {
	s, dev := newTestSession(t)
	dev.failStart = true

	err := s.Start()
	if err == nil {
		t.Fatal("want device error")
	}
	if errors.Is(err, ErrInvalidState) {
		t.Error("device failure must not read as a state error")
	}
	if got := s.Status().State; got != StateIdle {
		t.Errorf("state = %s, want idle", got)
	}

	// device recovered, session retryable
	dev.failStart = false
	mustStart(t, s)
}

func TestPausePreservesElapsed(t *testing.T) {
	s, dev := newTestSession(t)
	mustStart(t, s)
	stopLoop(s)

	for i := 0; i < 5; i++ {
		s.onTick(nil)
	}
	if err := s.Pause(); err != nil {
		t.Fatal(err)
	}

	// ticks while paused apply no effect and keep the loop alive
	for i := 0; i < 7; i++ {
		if done := s.onTick(nil); done {
			t.Fatal("tick loop must survive pause")
		}
	}
	if got := s.Status().ElapsedSeconds; got != 5 {
		t.Errorf("elapsed after pause = %d, want 5", got)
	}

	if err := s.Resume(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		s.onTick(nil)
	}
	snap := s.Status()
	if snap.ElapsedSeconds != 10 {
		t.Errorf("elapsed = %d, want 10", snap.ElapsedSeconds)
	}
	if snap.RemainingSeconds != 20 {
		t.Errorf("remaining = %d, want 20", snap.RemainingSeconds)
	}
	if dev.paused != 1 || dev.resumed != 1 {
		t.Errorf("device pause/resume = %d/%d", dev.paused, dev.resumed)
	}
}

func TestPauseDeviceErrorStaysRecording(t *testing.T) {
	s, dev := newTestSession(t)
	mustStart(t, s)
	dev.failPause = true

	if err := s.Pause(); err == nil {
		t.Fatal("want pause error")
	}
	if got := s.Status().State; got != StateRecording {
		t.Errorf("state = %s, want recording", got)
	}
}

func TestAutoStopAtMaxDuration(t *testing.T) {
	s, dev := newTestSession(t)
	mustStart(t, s)
	stopLoop(s)

	var done bool
	for i := 0; i < 30; i++ {
		done = s.onTick(nil)
	}
	if !done {
		t.Error("30th tick should end the loop")
	}
	snap := s.Status()
	if snap.State != StateCompleted {
		t.Errorf("state = %s, want completed", snap.State)
	}
	if snap.RemainingSeconds != 0 {
		t.Errorf("remaining = %d, want 0", snap.RemainingSeconds)
	}
	if dev.stops() != 1 {
		t.Errorf("device stops = %d", dev.stops())
	}

	// a stray tick after completion must be a no-op
	if !s.onTick(nil) {
		t.Error("tick after completion should report done")
	}
	if got := s.Status().ElapsedSeconds; got != 30 {
		t.Errorf("elapsed moved after completion: %d", got)
	}
}

func TestManualStop(t *testing.T) {
	s, dev := newTestSession(t)
	mustStart(t, s)
	stopLoop(s)
	for i := 0; i < 3; i++ {
		s.onTick(nil)
	}

	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	snap := s.Status()
	if snap.State != StateCompleted || snap.ElapsedSeconds != 3 {
		t.Errorf("snap = %+v", snap)
	}
	if dev.stops() != 1 {
		t.Errorf("device stops = %d", dev.stops())
	}

	if err := s.Stop(); err == nil {
		t.Error("stop without active recording should fail")
	}
}

func TestCancelDiscardsCapture(t *testing.T) {
	s, _ := newTestSession(t)

	if err := s.Cancel(); err == nil {
		t.Fatal("cancel from idle should be rejected")
	}

	mustStart(t, s)
	temp := s.Status().TempPath
	if err := s.Cancel(); err != nil {
		t.Fatal(err)
	}
	if got := s.Status().State; got != StateDiscarded {
		t.Errorf("state = %s", got)
	}
	if _, err := os.Stat(temp); !os.IsNotExist(err) {
		t.Errorf("temp file should be removed, stat err = %v", err)
	}

	// discarded behaves like idle for the next capture
	mustStart(t, s)
}

func TestRestartBeginsFreshCapture(t *testing.T) {
	s, _ := newTestSession(t)
	mustStart(t, s)
	stopLoop(s)
	for i := 0; i < 5; i++ {
		s.onTick(nil)
	}
	old := s.Status().TempPath

	if err := s.Restart(); err != nil {
		t.Fatal(err)
	}
	snap := s.Status()
	if snap.State != StateRecording {
		t.Errorf("state = %s", snap.State)
	}
	if snap.ElapsedSeconds != 0 {
		t.Errorf("elapsed = %d, want 0", snap.ElapsedSeconds)
	}
	if snap.TempPath == old {
		t.Error("restart must use a fresh temp file")
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Errorf("old temp file should be removed, stat err = %v", err)
	}
}

// A tick goroutine can be waiting on the session mutex while Restart
// cancels its loop and starts a new capture. When it finally runs it
// must not touch the fresh countdown.
func TestRestartIgnoresTickFromCancelledLoop(t *testing.T) {
	s, _ := newTestSession(t)
	// an hour per tick makes a phantom tick unmistakable and keeps the
	// real timers silent for the life of the test
	s.TickInterval = time.Hour
	s.MaxDuration = 10 * time.Hour
	mustStart(t, s)

	s.mu.Lock()
	oldLoop := s.stopTick
	s.mu.Unlock()

	if err := s.Restart(); err != nil {
		t.Fatal(err)
	}

	// the delayed tick from the first loop lands only now
	if done := s.onTick(oldLoop); !done {
		t.Error("tick from the replaced loop must end that loop")
	}
	snap := s.Status()
	if snap.State != StateRecording {
		t.Fatalf("state = %s, want recording", snap.State)
	}
	if snap.ElapsedSeconds != 0 {
		t.Errorf("fresh capture elapsed = %d, want 0", snap.ElapsedSeconds)
	}

	// the new loop's own ticks still count
	s.mu.Lock()
	newLoop := s.stopTick
	s.mu.Unlock()
	if done := s.onTick(newLoop); done {
		t.Error("tick from the live loop must keep it running")
	}
	if got := s.Status().ElapsedSeconds; got != 3600 {
		t.Errorf("elapsed after live tick = %d, want 3600", got)
	}
}

func TestSavePersistsRecording(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	if _, err := s.Save(ctx, "t", "", nil); err == nil {
		t.Fatal("save before completion should fail")
	}

	mustStart(t, s)
	temp := s.Status().TempPath
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}

	a, err := s.Save(ctx, "field sample", "windy day", []string{"outdoor"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if a.ID <= 0 || a.Title != "field sample" {
		t.Errorf("record = %+v", a)
	}
	if !strings.Contains(a.RecordingPath, "recording_") {
		t.Errorf("recording path = %q", a.RecordingPath)
	}
	if _, err := os.Stat(a.RecordingPath); err != nil {
		t.Errorf("vault file missing: %v", err)
	}
	if _, err := os.Stat(temp); !os.IsNotExist(err) {
		t.Errorf("temp should be cleaned after save, stat err = %v", err)
	}
	if got := s.Status().State; got != StateIdle {
		t.Errorf("state after save = %s, want idle", got)
	}
}

func TestSaveFailureKeepsCompleted(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()
	mustStart(t, s)
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	temp := s.Status().TempPath

	if _, err := s.Save(ctx, "   ", "", nil); !errors.Is(err, domain.ErrEmptyTitle) {
		t.Fatalf("err = %v, want ErrEmptyTitle", err)
	}
	if got := s.Status().State; got != StateCompleted {
		t.Errorf("state = %s, want completed for retry", got)
	}
	if _, err := os.Stat(temp); err != nil {
		t.Errorf("capture must survive a failed save: %v", err)
	}

	if _, err := s.Save(ctx, "second try", "", nil); err != nil {
		t.Fatalf("retry save: %v", err)
	}
}

func TestNotifyObservesTransitions(t *testing.T) {
	s, _ := newTestSession(t)

	var mu sync.Mutex
	var states []State
	s.Notify = func(snap Snapshot) {
		mu.Lock()
		states = append(states, snap.State)
		mu.Unlock()
	}

	mustStart(t, s)
	stopLoop(s)
	s.onTick(nil)
	if err := s.Pause(); err != nil {
		t.Fatal(err)
	}
	if err := s.Resume(); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateRecording, StateRecording, StatePaused, StateRecording, StateCompleted}
	if len(states) != len(want) {
		t.Fatalf("notifications = %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("notification %d = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestTickLoopRunsOnRealTimer(t *testing.T) {
	s, _ := newTestSession(t)
	s.TickInterval = 10 * time.Millisecond
	s.MaxDuration = 50 * time.Millisecond
	mustStart(t, s)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status().State == StateCompleted {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session did not auto-complete, state = %s", s.Status().State)
}
