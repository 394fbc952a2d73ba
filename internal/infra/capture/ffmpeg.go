package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const stopTimeout = 5 * time.Second

// FFmpegDevice captures microphone audio through an ffmpeg subprocess
// writing 16 kHz mono wav, the format the inference backend expects.
// Pause and resume ride on SIGSTOP/SIGCONT, which freeze the process
// without closing its output file.
type FFmpegDevice struct {
	backend     string // ffmpeg input demuxer, e.g. pulse or alsa
	inputDevice string
	sampleRate  int
	log         *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stderrBuf strings.Builder
}

func NewFFmpegDevice(backend, inputDevice string, sampleRate int, log *slog.Logger) *FFmpegDevice {
	if backend == "" {
		backend = "pulse"
	}
	if inputDevice == "" {
		inputDevice = "default"
	}
	if sampleRate == 0 {
		sampleRate = 16000
	}
	if log == nil {
		log = slog.Default()
	}
	return &FFmpegDevice{backend: backend, inputDevice: inputDevice, sampleRate: sampleRate, log: log}
}

func (d *FFmpegDevice) Extension() string { return "wav" }

func (d *FFmpegDevice) Start(ctx context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd != nil {
		return fmt.Errorf("capture already running")
	}

	args := []string{
		"-hide_banner", "-loglevel", "warning",
		"-f", d.backend,
		"-i", d.inputDevice,
		"-ac", "1",
		"-ar", fmt.Sprintf("%d", d.sampleRate),
		"-y",
		path,
	}
	d.log.Info("starting ffmpeg capture", "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	d.cmd = cmd
	d.stderrBuf.Reset()
	go d.readStderr(stderr)
	return nil
}

func (d *FFmpegDevice) readStderr(pipe io.ReadCloser) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		d.mu.Lock()
		d.stderrBuf.WriteString(line + "\n")
		d.mu.Unlock()
		d.log.Debug("ffmpeg output", "line", line)
	}
	pipe.Close()
}

func (d *FFmpegDevice) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd == nil || d.cmd.Process == nil {
		return fmt.Errorf("no capture running")
	}
	if err := d.cmd.Process.Signal(syscall.SIGSTOP); err != nil {
		return fmt.Errorf("pause ffmpeg: %w", err)
	}
	return nil
}

func (d *FFmpegDevice) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd == nil || d.cmd.Process == nil {
		return fmt.Errorf("no capture running")
	}
	if err := d.cmd.Process.Signal(syscall.SIGCONT); err != nil {
		return fmt.Errorf("resume ffmpeg: %w", err)
	}
	return nil
}

// Stop asks ffmpeg to finish with SIGINT so it can finalize the wav
// header, waits a bounded time, then force-kills.
func (d *FFmpegDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd == nil {
		return nil
	}
	cmd := d.cmd

	if cmd.Process != nil {
		// a paused process cannot handle SIGINT, wake it first
		_ = cmd.Process.Signal(syscall.SIGCONT)
		if err := cmd.Process.Signal(os.Interrupt); err != nil {
			d.log.Debug("interrupt failed, killing", "err", err)
			_ = cmd.Process.Kill()
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		d.cmd = nil
		if err != nil && !benignExit(err) {
			d.log.Debug("ffmpeg stderr", "output", d.stderrBuf.String())
			return fmt.Errorf("ffmpeg exited: %w", err)
		}
		return nil
	case <-time.After(stopTimeout):
		d.log.Warn("ffmpeg did not exit in time, force killing")
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
		d.cmd = nil
		return nil
	}
}

// benignExit reports exits that are expected after an interrupt.
func benignExit(err error) bool {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	if exitErr.ExitCode() == 255 {
		return true
	}
	if state := exitErr.ProcessState; state != nil {
		s := state.String()
		return s == "signal: interrupt" || s == "signal: killed"
	}
	return false
}
