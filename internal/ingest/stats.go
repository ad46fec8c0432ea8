package ingest

import (
	"bufio"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rvierich/tsrelay/internal/models"
)

// Progress is a snapshot of the transcoder's reported throughput.
type Progress struct {
	Frame   int64
	FPS     float64
	Bitrate string
	Speed   float64
	// SpeedBelowSince is when the reported speed first dropped below the
	// configured floor, or zero while output keeps up with realtime.
	SpeedBelowSince time.Time
}

// Stderr line patterns. The progress line repeats while encoding; the
// Input/Stream/Output header lines appear once during startup.
var (
	frameRe = regexp.MustCompile(`frame=\s*(\d+)`)
	fpsRe   = regexp.MustCompile(`fps=\s*([\d.]+)`)
	brRe    = regexp.MustCompile(`bitrate=\s*([\d.]+\s*\w+/s)`)
	speedRe = regexp.MustCompile(`speed=\s*([\d.]+)x`)

	videoRe = regexp.MustCompile(`Stream #\d+:\d+.*Video: (\w+)`)
	resRe   = regexp.MustCompile(`(\d{2,5}x\d{2,5})`)
	vfpsRe  = regexp.MustCompile(`([\d.]+) fps`)
	vbrRe   = regexp.MustCompile(`(\d+) kb/s`)
	audioRe = regexp.MustCompile(`Stream #\d+:\d+.*Audio: (\w+)`)
	rateRe  = regexp.MustCompile(`(\d+) Hz`)
	chanRe  = regexp.MustCompile(`Hz, ([\w.]+)`)
	inputRe = regexp.MustCompile(`Input #\d+, ([\w,]+),`)
)

// StatsParser consumes transcoder stderr, extracting live progress and
// the source stream description.
type StatsParser struct {
	speedFloor float64
	logger     *slog.Logger

	mu       sync.RWMutex
	progress Progress
	info     models.StreamInfo
}

// NewStatsParser creates a parser flagging output slower than speedFloor.
func NewStatsParser(speedFloor float64, logger *slog.Logger) *StatsParser {
	return &StatsParser{speedFloor: speedFloor, logger: logger}
}

// Run reads stderr until EOF. It is meant to run in its own goroutine
// for the lifetime of the subprocess.
func (p *StatsParser) Run(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		p.parseLine(scanner.Text())
	}
}

func (p *StatsParser) parseLine(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if m := frameRe.FindStringSubmatch(line); len(m) > 1 {
		p.progress.Frame, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := fpsRe.FindStringSubmatch(line); len(m) > 1 {
		p.progress.FPS, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := brRe.FindStringSubmatch(line); len(m) > 1 {
		p.progress.Bitrate = m[1]
	}
	if m := speedRe.FindStringSubmatch(line); len(m) > 1 {
		speed, _ := strconv.ParseFloat(m[1], 64)
		p.progress.Speed = speed
		switch {
		case speed >= p.speedFloor:
			p.progress.SpeedBelowSince = time.Time{}
		case p.progress.SpeedBelowSince.IsZero():
			p.progress.SpeedBelowSince = time.Now()
		}
	}

	if m := videoRe.FindStringSubmatch(line); len(m) > 1 {
		p.info.VideoCodec = m[1]
		if r := resRe.FindStringSubmatch(line); len(r) > 1 {
			p.info.Resolution = r[1]
		}
		if f := vfpsRe.FindStringSubmatch(line); len(f) > 1 {
			p.info.FPS = f[1]
		}
		if b := vbrRe.FindStringSubmatch(line); len(b) > 1 {
			p.info.VideoBitrate = b[1] + " kb/s"
		}
		return
	}
	if m := audioRe.FindStringSubmatch(line); len(m) > 1 {
		p.info.AudioCodec = m[1]
		if r := rateRe.FindStringSubmatch(line); len(r) > 1 {
			p.info.SampleRate = r[1]
		}
		if c := chanRe.FindStringSubmatch(line); len(c) > 1 {
			p.info.Channels = c[1]
		}
		return
	}
	if m := inputRe.FindStringSubmatch(line); len(m) > 1 && p.info.Container == "" {
		p.info.Container = m[1]
	}
}

// Progress returns the latest throughput snapshot.
func (p *StatsParser) Progress() Progress {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.progress
}

// Info returns the stream description parsed from the input headers.
func (p *StatsParser) Info() models.StreamInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info
}
