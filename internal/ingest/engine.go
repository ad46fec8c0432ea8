package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rvierich/tsrelay/internal/config"
	"github.com/rvierich/tsrelay/internal/event"
	"github.com/rvierich/tsrelay/internal/models"
	"github.com/rvierich/tsrelay/internal/mpegts"
	"github.com/rvierich/tsrelay/internal/ring"
	"github.com/rvierich/tsrelay/internal/store"
	"github.com/rvierich/tsrelay/internal/upstream"
)

// Health supervision cadence and strike count before acting.
const (
	healthCheckInterval = 5 * time.Second
	unhealthyStrikes    = 3
	connectRetryStep    = time.Second
	connectRetryMax     = 3 * time.Second
	probeSampleBytes    = 256 * 1024
)

// connectBackoff is the linear wait before retry attempt n (1-based),
// capped at connectRetryMax. The first attempt goes immediately.
func connectBackoff(attempt int) time.Duration {
	d := time.Duration(attempt-1) * connectRetryStep
	if d > connectRetryMax {
		d = connectRetryMax
	}
	return d
}

type action int

const (
	actionStop action = iota
	actionReconnect
	actionSwitch
	actionSwitchTo
	actionFail
)

type sessionResult struct {
	action action
	reason string
	target *event.StreamSwitch
}

// EngineOpts wires an engine's collaborators.
type EngineOpts struct {
	Def        *models.ChannelDef
	Relay      config.RelayConfig
	Store      *store.Store
	Ring       *ring.Ring
	Bus        *event.Bus
	Selector   *upstream.Selector
	Transcoder *Transcoder
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Engine runs a channel's ingest pipeline on the owning worker: connect
// to the selected upstream, chunk its TS output into the ring, supervise
// health, and fail over across the channel's ranked streams.
type Engine struct {
	channelID string
	def       *models.ChannelDef
	cfg       config.RelayConfig

	store      *store.Store
	ring       *ring.Ring
	bus        *event.Bus
	selector   *upstream.Selector
	transcoder *Transcoder
	httpClient *http.Client
	logger     *slog.Logger

	mu         sync.Mutex
	tried      map[string]bool
	switches   int
	reconnects int
	recoveries int
	info       models.StreamInfo

	switchCh chan *event.StreamSwitch

	lastRead   atomic.Int64
	totalBytes atomic.Int64
	entries    atomic.Int64
	ready      atomic.Bool
}

// NewEngine creates an engine for one channel.
func NewEngine(opts EngineOpts) *Engine {
	return &Engine{
		channelID:  opts.Def.ID,
		def:        opts.Def,
		cfg:        opts.Relay,
		store:      opts.Store,
		ring:       opts.Ring,
		bus:        opts.Bus,
		selector:   opts.Selector,
		transcoder: opts.Transcoder,
		httpClient: opts.HTTPClient,
		logger: opts.Logger.With(
			slog.String("component", "ingest"),
			slog.String("channel_id", opts.Def.ID)),
		tried:    make(map[string]bool),
		switchCh: make(chan *event.StreamSwitch, 1),
	}
}

// Ready reports whether the ring has been primed for new clients.
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// RequestSwitch hands an explicit switch request to the running session.
// A second request while one is pending is dropped.
func (e *Engine) RequestSwitch(ev *event.StreamSwitch) {
	select {
	case e.switchCh <- ev:
	default:
		e.logger.Warn("switch request dropped, one already pending")
	}
}

// Run drives the channel until it stops or gives up. It blocks; cancel
// the context to request a graceful stop.
func (e *Engine) Run(ctx context.Context) {
	var (
		cand    *upstream.Candidate
		pending *event.StreamSwitch
	)
	releaseCand := func() {
		if cand == nil {
			return
		}
		if err := e.selector.Release(context.Background(), cand); err != nil {
			e.logger.Warn("releasing upstream slot", slog.String("error", err.Error()))
		}
		cand = nil
	}
	defer releaseCand()

	for {
		if ctx.Err() != nil {
			e.finishStopped()
			return
		}

		if cand == nil {
			var err error
			if pending != nil {
				cand, err = e.candidateFor(ctx, pending)
			} else {
				e.mu.Lock()
				tried := e.tried
				e.mu.Unlock()
				cand, err = e.selector.Select(ctx, e.def, tried)
			}
			if err != nil {
				if pending != nil {
					e.reportSwitched("", false, err.Error())
					pending = nil
					continue
				}
				e.finishFailed(fmt.Sprintf("no upstream available: %v", err))
				return
			}
		}

		res := e.runSession(ctx, cand, pending)
		pending = nil

		switch res.action {
		case actionStop:
			releaseCand()
			e.finishStopped()
			return

		case actionReconnect:
			e.mu.Lock()
			e.reconnects++
			n := e.reconnects
			e.mu.Unlock()
			e.logger.Warn("reconnecting to upstream",
				slog.String("reason", res.reason),
				slog.Int("attempt", n))

		case actionSwitch:
			e.logger.Warn("switching upstream",
				slog.String("reason", res.reason),
				slog.String("failed_url", cand.URL))
			e.mu.Lock()
			e.tried[cand.Stream.ID.String()] = true
			e.switches++
			over := e.switches > e.cfg.MaxStreamSwitches
			e.mu.Unlock()
			releaseCand()
			if over {
				e.finishFailed("stream switch limit reached: " + res.reason)
				return
			}
			e.noteSwitch(res.reason)

		case actionSwitchTo:
			releaseCand()
			pending = res.target
			e.noteSwitch("requested")

		case actionFail:
			releaseCand()
			e.finishFailed(res.reason)
			return
		}
	}
}

// candidateFor builds a candidate for an explicit switch request: a
// known stream id goes through normal profile admission, a bare URL is
// consumed directly without accounting. A profile hint on the request
// pins admission to that profile.
func (e *Engine) candidateFor(ctx context.Context, ev *event.StreamSwitch) (*upstream.Candidate, error) {
	if ev.StreamID != "" {
		for _, s := range e.def.Streams {
			if s.ID.String() != ev.StreamID {
				continue
			}
			one := &models.ChannelDef{ID: e.def.ID, UserAgent: e.def.UserAgent, Streams: []models.Stream{pinProfile(s, ev.M3UProfileID)}}
			return e.selector.Select(ctx, one, nil)
		}
		return nil, fmt.Errorf("stream %s not in channel", ev.StreamID)
	}
	if ev.URL == "" {
		return nil, errors.New("switch request names neither stream nor url")
	}
	ua := ev.UserAgent
	if ua == "" {
		ua = e.def.UserAgent
	}
	return &upstream.Candidate{URL: ev.URL, UserAgent: ua}, nil
}

// pinProfile narrows the stream's account to the requested profile so
// admission goes through it alone. An unknown profile id leaves the
// stream unchanged and normal profile order applies.
func pinProfile(s models.Stream, profileID string) models.Stream {
	if profileID == "" || s.M3UAccount == nil {
		return s
	}
	for _, p := range s.M3UAccount.Profiles {
		if p.ID.String() == profileID {
			acct := *s.M3UAccount
			acct.Profiles = []models.UpstreamProfile{p}
			s.M3UAccount = &acct
			return s
		}
	}
	return s
}

// noteSwitch records the in-flight switch on the metadata hash and arms
// the switch-request marker so other workers can see it.
func (e *Engine) noteSwitch(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fields := map[string]any{
		models.FieldURLSwitching:       "true",
		models.FieldStreamSwitchTime:   time.Now().UTC().Format(time.RFC3339Nano),
		models.FieldStreamSwitchReason: reason,
	}
	if err := e.store.UpdateMetadata(ctx, e.channelID, fields); err != nil {
		e.logger.Warn("recording switch", slog.String("error", err.Error()))
	}
	if err := e.store.Set(ctx, store.SwitchRequestKey(e.channelID), reason, e.cfg.URLSwitchTimeout); err != nil {
		e.logger.Warn("arming switch marker", slog.String("error", err.Error()))
	}
}

func (e *Engine) clearSwitch(ctx context.Context) {
	fields := map[string]any{models.FieldURLSwitching: "false"}
	if err := e.store.UpdateMetadata(ctx, e.channelID, fields); err != nil {
		e.logger.Warn("clearing switch flag", slog.String("error", err.Error()))
	}
	if err := e.store.Del(ctx, store.SwitchRequestKey(e.channelID)); err != nil {
		e.logger.Warn("clearing switch marker", slog.String("error", err.Error()))
	}
}

func (e *Engine) reportSwitched(url string, success bool, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if success {
		e.clearSwitch(ctx)
	}
	err := e.bus.Publish(ctx, &event.StreamSwitched{
		Header:  e.bus.Header(event.TypeStreamSwitched, e.channelID),
		URL:     url,
		Success: success,
		Reason:  reason,
	})
	if err != nil {
		e.logger.Warn("publishing switch outcome", slog.String("error", err.Error()))
	}
}

// connect opens the candidate's source, retrying transient failures.
func (e *Engine) connect(ctx context.Context, cand *upstream.Candidate) (io.ReadCloser, *Proc, error) {
	ua := cand.UserAgent
	if ua == "" {
		ua = e.cfg.DefaultUserAgent
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(connectBackoff(attempt)):
			}
		}

		if Classify(cand.URL) == KindHLS {
			variant, err := ResolveVariant(ctx, e.httpClient, cand.URL, ua)
			if err != nil {
				lastErr = err
				continue
			}
			argv, err := e.transcoder.HLSCommand(variant, ua)
			if err != nil {
				return nil, nil, err
			}
			proc, err := e.transcoder.Start(ctx, argv, e.cfg.BufferingSpeed)
			if err != nil {
				lastErr = err
				continue
			}
			return proc.Stdout, proc, nil
		}

		body, err := openDirect(ctx, e.httpClient, cand.URL, ua, e.cfg.SourceReadTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		return body, nil, nil
	}
	return nil, nil, fmt.Errorf("all %d connect attempts failed: %w", e.cfg.MaxRetries, lastErr)
}

// runSession runs one connection until it ends, returning what to do next.
func (e *Engine) runSession(ctx context.Context, cand *upstream.Candidate, pending *event.StreamSwitch) sessionResult {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.markConnecting(sctx, cand)
	e.lastRead.Store(time.Now().UnixNano())

	reader, proc, err := e.connect(sctx, cand)
	if err != nil {
		if ctx.Err() != nil {
			return sessionResult{action: actionStop}
		}
		if pending != nil {
			e.reportSwitched(cand.URL, false, err.Error())
		}
		return sessionResult{action: actionSwitch, reason: err.Error()}
	}
	defer reader.Close()
	if proc != nil {
		defer proc.Stop()
	}

	if pending != nil {
		e.reportSwitched(cand.URL, true, "")
	}

	e.logger.Info("upstream connected",
		slog.String("url", cand.URL),
		slog.String("kind", Classify(cand.URL).String()),
		slog.String("profile_id", cand.ProfileID()))

	readErr := make(chan error, 1)
	go func() { readErr <- e.readLoop(sctx, reader, proc) }()

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	sessionStart := time.Now()
	consecutive := 0
	resetDone := false

	for {
		select {
		case <-ctx.Done():
			cancel()
			<-readErr
			return sessionResult{action: actionStop}

		case ev := <-e.switchCh:
			cancel()
			<-readErr
			return sessionResult{action: actionSwitchTo, target: ev}

		case err := <-readErr:
			if ctx.Err() != nil {
				return sessionResult{action: actionStop}
			}
			reason := "source ended"
			if err != nil {
				reason = err.Error()
			}
			return e.decideRecovery(sessionStart, reason)

		case <-ticker.C:
			e.updateActivity(sctx, proc)

			if stopping, _ := e.store.Exists(sctx, store.StoppingKey(e.channelID)); stopping {
				cancel()
				<-readErr
				return sessionResult{action: actionStop}
			}

			if proc != nil {
				pr := proc.Stats.Progress()
				if !pr.SpeedBelowSince.IsZero() && time.Since(pr.SpeedBelowSince) > e.cfg.BufferingTimeout {
					cancel()
					<-readErr
					return sessionResult{action: actionSwitch,
						reason: fmt.Sprintf("transcoder speed %.2fx below %.2fx floor", pr.Speed, e.cfg.BufferingSpeed)}
				}
			}

			stale := time.Since(time.Unix(0, e.lastRead.Load()))
			if stale <= e.cfg.StreamTimeout {
				consecutive = 0
				if !resetDone && time.Since(sessionStart) >= e.cfg.MinStableTime {
					e.resetFailover()
					resetDone = true
				}
				continue
			}
			consecutive++
			e.logger.Warn("upstream unhealthy",
				slog.Duration("stale_for", stale),
				slog.Int("strikes", consecutive))
			if consecutive < unhealthyStrikes {
				continue
			}
			cancel()
			<-readErr
			return e.decideRecovery(sessionStart, fmt.Sprintf("no data for %s", stale.Round(time.Second)))
		}
	}
}

// decideRecovery picks between reconnecting to the same upstream and
// switching away. A connection that was stable earns reconnect attempts;
// one that never settled burns a recovery attempt and switches.
func (e *Engine) decideRecovery(sessionStart time.Time, reason string) sessionResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if time.Since(sessionStart) >= e.cfg.MinStableTime && e.reconnects < e.cfg.MaxReconnectAttempts {
		return sessionResult{action: actionReconnect, reason: reason}
	}
	if e.recoveries < e.cfg.MaxHealthRecoveryAttempts {
		e.recoveries++
		return sessionResult{action: actionSwitch, reason: reason}
	}
	return sessionResult{action: actionFail, reason: "health recovery attempts exhausted: " + reason}
}

// resetFailover clears the tried set and the switch budget after the
// connection has proven stable, so a later failure starts failover from
// the top-ranked stream again.
func (e *Engine) resetFailover() {
	e.mu.Lock()
	e.tried = make(map[string]bool)
	e.switches = 0
	e.recoveries = 0
	e.reconnects = 0
	e.mu.Unlock()
	e.logger.Debug("connection stable, failover budgets reset")
}

// readLoop pulls source bytes, re-chunks them on packet boundaries, and
// appends them to the ring until the source ends or the context stops it.
func (e *Engine) readLoop(ctx context.Context, reader io.Reader, proc *Proc) error {
	packetizer := ring.NewPacketizer(e.cfg.ChunkSize())
	buf := make([]byte, 64*1024)

	var probeBuf []byte
	probeDone := proc != nil // transcoded sources report codecs via stderr

	defer func() {
		if tail := packetizer.Flush(); tail != nil {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := e.ring.Append(flushCtx, e.channelID, tail); err != nil {
				e.logger.Debug("flushing final chunk", slog.String("error", err.Error()))
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := reader.Read(buf)
		if n > 0 {
			e.lastRead.Store(time.Now().UnixNano())
			e.totalBytes.Add(int64(n))

			if !probeDone {
				probeBuf = append(probeBuf, buf[:n]...)
				if len(probeBuf) >= probeSampleBytes {
					e.probeSample(ctx, probeBuf)
					probeBuf = nil
					probeDone = true
				}
			}

			if chunk := packetizer.Push(buf[:n]); chunk != nil {
				if appendErr := e.appendChunk(ctx, chunk); appendErr != nil {
					return appendErr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading source: %w", err)
		}
	}
}

func (e *Engine) appendChunk(ctx context.Context, chunk []byte) error {
	if _, err := e.ring.Append(ctx, e.channelID, chunk); err != nil {
		return fmt.Errorf("appending to ring: %w", err)
	}
	if e.entries.Add(1) >= int64(e.cfg.InitialBehindChunks) && !e.ready.Load() {
		e.markReady(ctx)
	}
	return nil
}

// probeSample extracts codec info from the first direct-TS bytes.
func (e *Engine) probeSample(ctx context.Context, sample []byte) {
	res, err := mpegts.Probe(ctx, sample)
	if err != nil {
		e.logger.Debug("codec probe failed", slog.String("error", err.Error()))
		return
	}
	e.mu.Lock()
	e.info.VideoCodec = res.VideoCodec
	e.info.AudioCodec = res.AudioCodec
	e.info.Container = "mpegts"
	e.mu.Unlock()
}

// markConnecting records the connection attempt on the metadata hash.
// The state only moves back to connecting before the ring is primed;
// switches on a live channel keep it servable.
func (e *Engine) markConnecting(ctx context.Context, cand *upstream.Candidate) {
	fields := map[string]any{
		models.FieldURL:                 cand.URL,
		models.FieldConnectionStartTime: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if cand.UserAgent != "" {
		fields[models.FieldUserAgent] = cand.UserAgent
	}
	if !cand.Stream.ID.IsZero() {
		fields[models.FieldStreamID] = cand.Stream.ID.String()
	}
	if cand.Profile != nil {
		fields[models.FieldM3UProfileID] = cand.Profile.ID.String()
	}
	if !e.ready.Load() {
		fields[models.FieldState] = string(models.StateConnecting)
		fields[models.FieldStateChangedAt] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if err := e.store.UpdateMetadata(ctx, e.channelID, fields); err != nil {
		e.logger.Warn("recording connection attempt", slog.String("error", err.Error()))
	}
}

// markReady primes the channel for clients once enough entries exist.
func (e *Engine) markReady(ctx context.Context) {
	e.ready.Store(true)
	fields := map[string]any{
		models.FieldState:               string(models.StateWaitingForClients),
		models.FieldStateChangedAt:      time.Now().UTC().Format(time.RFC3339Nano),
		models.FieldConnectionReadyTime: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := e.store.UpdateMetadata(ctx, e.channelID, fields); err != nil {
		e.logger.Warn("marking channel ready", slog.String("error", err.Error()))
	}
	e.logger.Info("ring primed, waiting for clients",
		slog.Int("entries", e.cfg.InitialBehindChunks))
}

// updateActivity refreshes liveness counters and stream info on the
// metadata hash. Runs on the health cadence.
func (e *Engine) updateActivity(ctx context.Context, proc *Proc) {
	fields := map[string]any{
		models.FieldLastActive: time.Now().UTC().Format(time.RFC3339Nano),
		models.FieldTotalBytes: e.totalBytes.Load(),
	}

	var info models.StreamInfo
	if proc != nil {
		info = proc.Stats.Info()
		if info.Container == "" {
			info.Container = "mpegts"
		}
	} else {
		e.mu.Lock()
		info = e.info
		e.mu.Unlock()
	}
	if info.VideoCodec != "" {
		fields[models.FieldVideoCodec] = info.VideoCodec
	}
	if info.AudioCodec != "" {
		fields[models.FieldAudioCodec] = info.AudioCodec
	}
	if info.Resolution != "" {
		fields[models.FieldResolution] = info.Resolution
	}
	if info.FPS != "" {
		fields[models.FieldFPS] = info.FPS
	}
	if info.VideoBitrate != "" {
		fields[models.FieldVideoBitrate] = info.VideoBitrate
	}
	if info.SampleRate != "" {
		fields[models.FieldSampleRate] = info.SampleRate
	}
	if info.Channels != "" {
		fields[models.FieldAudioChannels] = info.Channels
	}
	if info.Container != "" {
		fields[models.FieldContainer] = info.Container
	}

	if err := e.store.UpdateMetadata(ctx, e.channelID, fields); err != nil && ctx.Err() == nil {
		e.logger.Warn("updating channel activity", slog.String("error", err.Error()))
	}
}

// finishStopped ends the channel cleanly.
func (e *Engine) finishStopped() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.store.SetState(ctx, e.channelID, models.StateStopped, ""); err != nil {
		e.logger.Warn("recording stopped state", slog.String("error", err.Error()))
	}
	e.announceStopped(ctx)
	e.logger.Info("channel stopped")
}

// finishFailed ends the channel after exhausting failover. The error
// state stays readable so clients can deliver a final error packet.
func (e *Engine) finishFailed(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.store.SetState(ctx, e.channelID, models.StateError, reason); err != nil {
		e.logger.Warn("recording error state", slog.String("error", err.Error()))
	}
	if err := e.store.Set(ctx, store.StoppingKey(e.channelID), "1", e.cfg.ClientIdleTimeout()); err != nil {
		e.logger.Warn("arming stopping flag", slog.String("error", err.Error()))
	}
	e.announceStopped(ctx)
	e.logger.Error("channel failed", slog.String("reason", reason))
}

func (e *Engine) announceStopped(ctx context.Context) {
	err := e.bus.Publish(ctx, &event.ChannelStopped{
		Header: e.bus.Header(event.TypeChannelStopped, e.channelID),
	})
	if err != nil {
		e.logger.Warn("announcing channel stop", slog.String("error", err.Error()))
	}
}
