package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/audiolibrelab/voicerec/internal/config"
	"github.com/audiolibrelab/voicerec/internal/recording"
)

const (
	// ffmpeg fails within this window when the input cannot be opened
	startupGrace = 500 * time.Millisecond
	stopTimeout  = 5 * time.Second

	minOutputSize  = 1024
	jackClientName = "voicerec"
)

var busyMarkers = []string{
	"device or resource busy",
	"resource busy",
	"resource temporarily unavailable",
}

// FFmpegDevice captures through an ffmpeg child process. ffmpeg cannot pause
// a live input, so every Resume opens a new WAV segment and Finalize encodes
// the concatenated segments into the target format.
type FFmpegDevice struct {
	cfg      *config.Config
	pipewire *PipeWire

	command func(ctx context.Context, name string, args ...string) *exec.Cmd
	usage   func(path string) (*disk.UsageStat, error)
	now     func() time.Time

	mu     sync.Mutex
	active *ffmpegHandle
}

// NewFFmpegDevice creates a capture device for the configured backend
func NewFFmpegDevice(cfg *config.Config) *FFmpegDevice {
	return &FFmpegDevice{
		cfg:      cfg,
		pipewire: NewPipeWire(),
		command:  exec.CommandContext,
		usage:    disk.Usage,
		now:      time.Now,
	}
}

type ffmpegHandle struct {
	target   recording.Target
	segments []string
	proc     *ffmpegProcess
	started  time.Time
	recorded time.Duration
}

func (h *ffmpegHandle) Target() recording.Target { return h.target }

func (d *FFmpegDevice) Begin(ctx context.Context, target recording.Target) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active != nil {
		return nil, fmt.Errorf("%w: capture already running for %s", recording.ErrResourceBusy, d.active.target.Name)
	}

	dir := filepath.Dir(target.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create output directory: %w", recording.ErrResource, err)
	}
	if err := d.checkFreeSpace(dir); err != nil {
		return nil, err
	}

	h := &ffmpegHandle{target: target}
	if err := d.startSegment(ctx, h); err != nil {
		return nil, err
	}
	d.active = h

	slog.Info("Capture started", "name", target.Name, "backend", d.cfg.Audio.Backend, "output", target.Path)
	return h, nil
}

func (d *FFmpegDevice) Pause(ctx context.Context, h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	fh, err := d.own(h)
	if err != nil {
		return err
	}
	if err := d.stopSegment(fh); err != nil {
		slog.Warn("Capture segment ended before pause", "name", fh.target.Name, "error", err)
		return err
	}

	slog.Debug("Capture paused", "name", fh.target.Name, "segments", len(fh.segments), "recorded", fh.recorded)
	return nil
}

func (d *FFmpegDevice) Resume(ctx context.Context, h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	fh, err := d.own(h)
	if err != nil {
		return err
	}
	if fh.proc != nil {
		return nil
	}
	if err := d.startSegment(ctx, fh); err != nil {
		return err
	}

	slog.Debug("Capture resumed", "name", fh.target.Name, "segment", len(fh.segments))
	return nil
}

// Finalize stops the running segment, encodes all segments into the target
// file and releases the device. On failure the handle stays open so the call
// can be retried.
func (d *FFmpegDevice) Finalize(ctx context.Context, h Handle) (recording.Target, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fh, err := d.own(h)
	if err != nil {
		return recording.Target{}, err
	}
	if err := d.stopSegment(fh); err != nil {
		slog.Warn("Capture segment ended early, finalizing what was recorded", "name", fh.target.Name, "error", err)
	}

	if err := d.joinSegments(ctx, fh); err != nil {
		return recording.Target{}, err
	}

	info, err := validateOutputFile(fh.target.Path)
	if err != nil {
		return recording.Target{}, fmt.Errorf("%w: %w", recording.ErrResource, err)
	}

	for _, segment := range fh.segments {
		os.Remove(segment)
	}
	d.active = nil

	target := fh.target
	target.FinalizedAt = d.now()
	target.Size = info.Size()
	target.Duration = fh.recorded

	slog.Info("Capture finalized", "name", target.Name, "output", target.Path, "size", target.Size, "duration", target.Duration)
	return target, nil
}

// Close kills a capture left running, keeping its segments on disk
func (d *FFmpegDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active != nil && d.active.proc != nil {
		d.active.proc.kill()
		d.active.proc = nil
	}
	d.active = nil
	return nil
}

func (d *FFmpegDevice) own(h Handle) (*ffmpegHandle, error) {
	fh, ok := h.(*ffmpegHandle)
	if !ok || fh == nil || fh != d.active {
		return nil, fmt.Errorf("%w: unknown capture handle", recording.ErrResource)
	}
	return fh, nil
}

func (d *FFmpegDevice) checkFreeSpace(dir string) error {
	if d.cfg.Output.MinFreeMB <= 0 {
		return nil
	}

	usage, err := d.usage(dir)
	if err != nil {
		return fmt.Errorf("%w: cannot read free space of %s: %w", recording.ErrResource, dir, err)
	}

	need := uint64(d.cfg.Output.MinFreeMB) << 20
	if usage.Free < need {
		return fmt.Errorf("%w: %d MiB free in %s, need %d MiB",
			recording.ErrResource, usage.Free>>20, dir, d.cfg.Output.MinFreeMB)
	}
	return nil
}

func (d *FFmpegDevice) startSegment(ctx context.Context, h *ffmpegHandle) error {
	segment := segmentPath(h.target.Path, len(h.segments))
	os.Remove(segment)

	name, args := d.captureArgs(segment)
	slog.Debug("Starting FFmpeg capture", "command", name+" "+strings.Join(args, " "))

	// the capture outlives the request that started it
	cmd := d.command(context.Background(), name, args...)
	if d.cfg.Audio.Backend == config.BackendJack {
		cmd.Env = append(os.Environ(), "PIPEWIRE_QUANTUM=256/48000", "PIPEWIRE_LATENCY=256/48000")
	}

	proc, err := startProcess(cmd)
	if err != nil {
		return fmt.Errorf("%w: failed to start FFmpeg: %w", recording.ErrResource, err)
	}

	select {
	case <-proc.done:
		return classifyExit(proc.err, proc.stderr.String())
	case <-ctx.Done():
		proc.kill()
		return fmt.Errorf("%w: %w", recording.ErrResource, ctx.Err())
	case <-time.After(startupGrace):
	}

	h.segments = append(h.segments, segment)
	h.proc = proc
	h.started = d.now()

	if d.cfg.Audio.Backend == config.BackendJack {
		go d.linkJackPorts(proc)
	}
	return nil
}

func (d *FFmpegDevice) stopSegment(h *ffmpegHandle) error {
	if h.proc == nil {
		return nil
	}

	// the process is gone either way, and the segment it wrote is kept
	err := h.proc.stop()
	h.recorded += d.now().Sub(h.started)
	h.proc = nil

	if err != nil {
		return fmt.Errorf("%w: %w", recording.ErrCaptureLost, err)
	}
	return nil
}

// captureArgs builds the command recording one WAV segment
func (d *FFmpegDevice) captureArgs(output string) (string, []string) {
	audio := d.cfg.Audio
	args := []string{"-hide_banner", "-nostdin"}
	if level := os.Getenv("FFMPEG_LOGLEVEL"); level != "" {
		args = append(args, "-loglevel", level)
	}

	switch audio.Backend {
	case config.BackendJack:
		args = append(args, "-f", "jack", "-channels", strconv.Itoa(audio.Channels), "-i", jackClientName)
	default:
		device := audio.Device
		if device == "" {
			device = "default"
		}
		args = append(args, "-f", audio.Backend, "-i", device)
	}

	args = append(args,
		"-ac", strconv.Itoa(audio.Channels),
		"-ar", strconv.Itoa(audio.SampleRate),
		"-c:a", "pcm_s16le",
		"-y",
		output,
	)

	if audio.Backend == config.BackendJack {
		return "pw-jack", append([]string{"ffmpeg"}, args...)
	}
	return "ffmpeg", args
}

// joinSegments encodes the segments into the target with the concat demuxer
func (d *FFmpegDevice) joinSegments(ctx context.Context, h *ffmpegHandle) error {
	if len(h.segments) == 0 {
		return fmt.Errorf("%w: nothing was recorded", recording.ErrResource)
	}

	listFile := strings.TrimSuffix(h.target.Path, filepath.Ext(h.target.Path)) + ".segments.txt"
	if err := os.WriteFile(listFile, []byte(concatList(h.segments)), 0644); err != nil {
		return fmt.Errorf("%w: failed to write segment list: %w", recording.ErrResource, err)
	}
	defer os.Remove(listFile)

	os.Remove(h.target.Path)

	cmd := d.command(ctx, "ffmpeg",
		"-hide_banner", "-nostdin",
		"-f", "concat", "-safe", "0",
		"-i", listFile,
		"-ar", strconv.Itoa(d.cfg.Audio.SampleRate),
		"-c:a", d.cfg.Codec(),
		"-y",
		h.target.Path,
	)
	slog.Debug("Running FFmpeg to join segments", "command", strings.Join(cmd.Args, " "))

	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: FFmpeg join failed: %w: %s", recording.ErrResource, err, lastLine(string(output)))
	}
	return nil
}

// segmentPath names segment n of a recording next to its final file
func segmentPath(target string, n int) string {
	return fmt.Sprintf("%s.part%03d.wav", strings.TrimSuffix(target, filepath.Ext(target)), n)
}

// concatList renders an ffmpeg concat demuxer script
func concatList(segments []string) string {
	var b strings.Builder
	for _, s := range segments {
		abs, err := filepath.Abs(s)
		if err != nil {
			abs = s
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}

func validateOutputFile(path string) (os.FileInfo, error) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("recording file not found: %s", path)
	}

	if fileInfo.Size() < minOutputSize {
		return nil, fmt.Errorf("recording failed: file too small (%d bytes)", fileInfo.Size())
	}

	slog.Debug("Output file validated", "path", path, "size", fileInfo.Size())
	return fileInfo, nil
}

// classifyExit turns an ffmpeg exit during startup into a resource error
func classifyExit(err error, stderr string) error {
	lower := strings.ToLower(stderr)
	for _, marker := range busyMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%w: %s", recording.ErrResourceBusy, lastLine(stderr))
		}
	}

	if err == nil {
		err = errors.New("exited immediately")
	}
	return fmt.Errorf("%w: FFmpeg capture failed: %w: %s", recording.ErrResource, err, lastLine(stderr))
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func (d *FFmpegDevice) linkJackPorts(proc *ffmpegProcess) {
	for i, source := range d.cfg.Audio.JackPorts {
		dest := fmt.Sprintf("%s:input_%d", jackClientName, i+1)

		if err := d.pipewire.WaitForPort(dest, 5*time.Second, proc.done); err != nil {
			slog.Error("FFmpeg JACK port did not appear", "port", dest, "error", err)
			continue
		}

		if err := d.pipewire.ConnectPortsWithRetry(source, dest); err != nil {
			slog.Error("Failed to connect source", "source", source, "dest", dest, "error", err)
		} else {
			slog.Info("Connected source", "source", source, "dest", dest)
		}
	}
}

// ffmpegProcess is one running capture segment
type ffmpegProcess struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
	done   chan struct{}
	err    error
}

func startProcess(cmd *exec.Cmd) (*ffmpegProcess, error) {
	p := &ffmpegProcess{
		cmd:    cmd,
		stderr: &tailBuffer{},
		done:   make(chan struct{}),
	}
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// stop sends SIGINT so ffmpeg writes a valid trailer, and kills it if it does
// not exit within stopTimeout
func (p *ffmpegProcess) stop() error {
	select {
	case <-p.done:
		if err := normalExit(p.err); err != nil {
			return fmt.Errorf("FFmpeg exited during capture: %w: %s", err, lastLine(p.stderr.String()))
		}
		return nil
	default:
	}

	slog.Debug("Sending SIGINT to FFmpeg process")
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		slog.Debug("Failed to send interrupt to FFmpeg, killing", "error", err)
		p.cmd.Process.Kill()
	}

	select {
	case <-p.done:
	case <-time.After(stopTimeout):
		slog.Warn("FFmpeg did not exit within timeout, force killing")
		p.kill()
		return nil
	}

	if err := normalExit(p.err); err != nil {
		slog.Debug("FFmpeg stderr", "output", p.stderr.String())
		return fmt.Errorf("FFmpeg process failed: %w", err)
	}
	return nil
}

func (p *ffmpegProcess) kill() {
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	<-p.done
}

// normalExit filters out the exit statuses ffmpeg reports after an interrupt
func normalExit(err error) error {
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == 255 {
			return nil
		}
		if exitErr.ProcessState != nil {
			switch exitErr.ProcessState.String() {
			case "signal: interrupt", "signal: killed":
				return nil
			}
		}
	}
	return err
}

const tailSize = 8 << 10

// tailBuffer keeps the last few KiB of a process's stderr
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if len(b.buf) > tailSize {
		b.buf = append([]byte(nil), b.buf[len(b.buf)-tailSize:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
