package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/rvierich/tsrelay/internal/config"
)

// ErrEmptyCommand is returned when a command template expands to nothing.
var ErrEmptyCommand = errors.New("ingest: empty transcoder command")

// BuildCommand expands a command template into argv. {streamUrl} and
// {userAgent} are substituted per-field after splitting, so a user agent
// containing spaces stays a single argument.
func BuildCommand(template, streamURL, userAgent string) ([]string, error) {
	fields := strings.Fields(template)
	if len(fields) == 0 {
		return nil, ErrEmptyCommand
	}
	argv := make([]string, len(fields))
	for i, f := range fields {
		f = strings.ReplaceAll(f, "{streamUrl}", streamURL)
		f = strings.ReplaceAll(f, "{userAgent}", userAgent)
		argv[i] = f
	}
	return argv, nil
}

// ProcessStats is a resource usage snapshot of the transcoder subprocess.
type ProcessStats struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  uint64  `json:"memory_rss_bytes"`
}

// Transcoder launches and supervises ffmpeg-style subprocesses that
// normalize an upstream to MPEG-TS on stdout.
type Transcoder struct {
	cfg    config.TranscoderConfig
	logger *slog.Logger
}

// NewTranscoder creates a transcoder runner.
func NewTranscoder(cfg config.TranscoderConfig, logger *slog.Logger) *Transcoder {
	return &Transcoder{cfg: cfg, logger: logger.With(slog.String("component", "transcoder"))}
}

// HLSCommand expands the configured HLS command template for a source.
func (t *Transcoder) HLSCommand(streamURL, userAgent string) ([]string, error) {
	tmpl := t.cfg.HLSCommandTemplate
	if tmpl == "" {
		tmpl = config.DefaultHLSCommandTemplate
	}
	return BuildCommand(tmpl, streamURL, userAgent)
}

// Proc is a running transcoder subprocess. Stdout carries the TS output;
// stderr is consumed by the stats parser.
type Proc struct {
	Stdout io.ReadCloser
	Stats  *StatsParser

	cmd         *exec.Cmd
	proc        *process.Process
	stopTimeout time.Duration
	logger      *slog.Logger

	waitOnce sync.Once
	waitErr  error
	done     chan struct{}
}

// Start launches the command, wiring stdout for reading and stderr into
// a stats parser flagging output slower than speedFloor.
func (t *Transcoder) Start(ctx context.Context, argv []string, speedFloor float64) (*Proc, error) {
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	binary := argv[0]
	if t.cfg.BinaryPath != "" {
		binary = t.cfg.BinaryPath
	}

	cmd := exec.CommandContext(ctx, binary, argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transcoder stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("transcoder stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting transcoder: %w", err)
	}

	t.logger.Info("transcoder started",
		slog.String("binary", binary),
		slog.Int("pid", cmd.Process.Pid))

	parser := NewStatsParser(speedFloor, t.logger)
	go parser.Run(stderr)

	p := &Proc{
		Stdout:      stdout,
		Stats:       parser,
		cmd:         cmd,
		stopTimeout: t.cfg.StopTimeout,
		logger:      t.logger,
		done:        make(chan struct{}),
	}
	if proc, err := process.NewProcess(int32(cmd.Process.Pid)); err == nil {
		p.proc = proc
	}

	go func() {
		p.waitOnce.Do(func() { p.waitErr = cmd.Wait() })
		close(p.done)
	}()
	return p, nil
}

// Done is closed when the subprocess exits.
func (p *Proc) Done() <-chan struct{} {
	return p.done
}

// Sample returns current resource usage of the subprocess.
func (p *Proc) Sample() (ProcessStats, error) {
	if p.proc == nil {
		return ProcessStats{}, errors.New("ingest: process handle unavailable")
	}
	stats := ProcessStats{PID: p.proc.Pid}
	if cpu, err := p.proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := p.proc.MemoryInfo(); err == nil && mem != nil {
		stats.MemoryRSS = mem.RSS
	}
	return stats, nil
}

// Stop terminates the subprocess: SIGTERM first, SIGKILL after the stop
// timeout. It returns once the process has exited.
func (p *Proc) Stop() {
	select {
	case <-p.done:
		return
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.logger.Debug("terminate signal failed", slog.String("error", err.Error()))
	}

	select {
	case <-p.done:
	case <-time.After(p.stopTimeout):
		p.logger.Warn("transcoder ignored SIGTERM, killing",
			slog.Int("pid", p.cmd.Process.Pid))
		_ = p.cmd.Process.Kill()
		<-p.done
	}
}
