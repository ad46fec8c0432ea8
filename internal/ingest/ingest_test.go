package ingest

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvierich/tsrelay/internal/config"
	"github.com/rvierich/tsrelay/internal/event"
	"github.com/rvierich/tsrelay/internal/models"
	"github.com/rvierich/tsrelay/internal/mpegts"
	"github.com/rvierich/tsrelay/internal/ring"
	"github.com/rvierich/tsrelay/internal/store"
	"github.com/rvierich/tsrelay/internal/upstream"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		url  string
		want Kind
	}{
		{"http://host/live/stream.ts", KindDirect},
		{"http://host/live/12345", KindDirect},
		{"http://host/live/index.m3u8", KindHLS},
		{"http://host/live/index.M3U8?token=x", KindHLS},
		{"http://host/get.php?type=playlist", KindDirect},
		{"http://host/hls/playlist.m3u8", KindHLS},
		{"http://host/hls/master.m3u8", KindHLS},
		{"http://host/channel.m3u", KindHLS},
		{"://bad url", KindDirect},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.url), tt.url)
	}
}

func TestBuildCommandSubstitution(t *testing.T) {
	argv, err := BuildCommand(config.DefaultHLSCommandTemplate, "http://host/x.m3u8", "VLC/3.0 (Linux)")
	require.NoError(t, err)

	assert.Equal(t, "ffmpeg", argv[0])
	assert.Contains(t, argv, "http://host/x.m3u8")
	// A user agent with spaces must stay one argument.
	assert.Contains(t, argv, "VLC/3.0 (Linux)")
}

func TestBuildCommandEmptyTemplate(t *testing.T) {
	_, err := BuildCommand("  ", "u", "a")
	assert.ErrorIs(t, err, ErrEmptyCommand)
}

func TestStatsParserProgress(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewStatsParser(1.0, logger)

	p.parseLine("frame=  250 fps= 25 q=-1.0 size=    2048KiB time=00:00:10.00 bitrate=1677.7kbits/s speed=1.01x")
	pr := p.Progress()
	assert.Equal(t, int64(250), pr.Frame)
	assert.InDelta(t, 25.0, pr.FPS, 0.01)
	assert.InDelta(t, 1.01, pr.Speed, 0.001)
	assert.True(t, pr.SpeedBelowSince.IsZero())

	p.parseLine("frame=  300 fps= 12 q=-1.0 size=    2248KiB time=00:00:12.00 bitrate=1534.2kbits/s speed=0.82x")
	pr = p.Progress()
	assert.InDelta(t, 0.82, pr.Speed, 0.001)
	assert.False(t, pr.SpeedBelowSince.IsZero())

	p.parseLine("frame=  400 fps= 25 q=-1.0 size=    3048KiB time=00:00:16.00 bitrate=1560.5kbits/s speed=1.00x")
	pr = p.Progress()
	assert.True(t, pr.SpeedBelowSince.IsZero())
}

func TestStatsParserStreamInfo(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewStatsParser(1.0, logger)

	p.parseLine("Input #0, hls, from 'http://host/x.m3u8':")
	p.parseLine("  Stream #0:0: Video: h264 (Main) ([27][0][0][0] / 0x001B), yuv420p(tv), 1920x1080 [SAR 1:1 DAR 16:9], 25 fps, 25 tbr, 90k tbn")
	p.parseLine("  Stream #0:1: Audio: aac (LC) ([15][0][0][0] / 0x000F), 48000 Hz, stereo, fltp")

	info := p.Info()
	assert.Equal(t, "h264", info.VideoCodec)
	assert.Equal(t, "1920x1080", info.Resolution)
	assert.Equal(t, "25", info.FPS)
	assert.Equal(t, "aac", info.AudioCodec)
	assert.Equal(t, "48000", info.SampleRate)
	assert.Equal(t, "stereo", info.Channels)
	assert.Equal(t, "hls", info.Container)
}

func TestResolveVariantPicksHighestBandwidth(t *testing.T) {
	master := "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=1280000,RESOLUTION=640x360\n" +
		"low/index.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=5120000,RESOLUTION=1920x1080\n" +
		"high/index.m3u8\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = w.Write([]byte(master))
	}))
	defer srv.Close()

	resolved, err := ResolveVariant(context.Background(), srv.Client(), srv.URL+"/master.m3u8", "test-agent")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/high/index.m3u8", resolved)
}

func TestResolveVariantMediaPlaylistPassthrough(t *testing.T) {
	media := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n#EXT-X-MEDIA-SEQUENCE:0\n" +
		"#EXTINF:6.0,\nseg0.ts\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(media))
	}))
	defer srv.Close()

	url := srv.URL + "/index.m3u8"
	resolved, err := ResolveVariant(context.Background(), srv.Client(), url, "")
	require.NoError(t, err)
	assert.Equal(t, url, resolved)
}

func TestConnectBackoffLinearCapped(t *testing.T) {
	assert.Equal(t, time.Duration(0), connectBackoff(1))
	assert.Equal(t, time.Second, connectBackoff(2))
	assert.Equal(t, 2*time.Second, connectBackoff(3))
	assert.Equal(t, 3*time.Second, connectBackoff(4))
	assert.Equal(t, 3*time.Second, connectBackoff(5))
}

func TestOpenDirectReadTimeout(t *testing.T) {
	payload := make([]byte, mpegts.PacketSize)
	payload[0] = mpegts.SyncByte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
		w.(http.Flusher).Flush()
		// Go silent until the client gives up.
		<-r.Context().Done()
	}))
	defer srv.Close()

	body, err := openDirect(context.Background(), srv.Client(), srv.URL+"/live.ts", "", 100*time.Millisecond)
	require.NoError(t, err)
	defer body.Close()

	buf := make([]byte, mpegts.PacketSize)
	_, err = io.ReadFull(body, buf)
	require.NoError(t, err)

	start := time.Now()
	_, err = body.Read(buf)
	assert.Error(t, err, "read on a silent source must be cut off")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestOpenDirectRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := openDirect(context.Background(), srv.Client(), srv.URL, "", 0)
	assert.ErrorContains(t, err, "502")
}

func testEngine(t *testing.T, def *models.ChannelDef, cfg config.RelayConfig) (*Engine, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.NewWithClient(client, logger)
	bus := event.NewBus(s, "worker-1", logger)
	tracker := upstream.NewTracker(s, logger)

	eng := NewEngine(EngineOpts{
		Def:        def,
		Relay:      cfg,
		Store:      s,
		Ring:       ring.New(s, time.Minute),
		Bus:        bus,
		Selector:   upstream.NewSelector(tracker, logger),
		Transcoder: NewTranscoder(config.TranscoderConfig{StopTimeout: time.Second}, logger),
		HTTPClient: &http.Client{},
		Logger:     logger,
	})
	return eng, s
}

func engineTestConfig() config.RelayConfig {
	return config.RelayConfig{
		BufferChunkSize:           188,
		InitialBehindChunks:       2,
		StreamTimeout:             10 * time.Second,
		FailoverGracePeriod:       5 * time.Second,
		URLSwitchTimeout:          5 * time.Second,
		BufferingTimeout:          15 * time.Second,
		BufferingSpeed:            1.0,
		MaxRetries:                1,
		MaxStreamSwitches:         3,
		MaxHealthRecoveryAttempts: 1,
		MaxReconnectAttempts:      1,
		MinStableTime:             30 * time.Second,
	}
}

func waitForState(t *testing.T, s *store.Store, channelID string, want models.ChannelState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, err := s.GetState(context.Background(), channelID)
		require.NoError(t, err)
		if state == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	state, _ := s.GetState(context.Background(), channelID)
	t.Fatalf("channel never reached %s, stuck at %s", want, state)
}

func TestEnginePrimesRingAndStopsCleanly(t *testing.T) {
	payload := make([]byte, 10*mpegts.PacketSize)
	for i := 0; i < 10; i++ {
		payload[i*mpegts.PacketSize] = mpegts.SyncByte
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for {
			if _, err := w.Write(payload); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	defer srv.Close()

	def := &models.ChannelDef{
		ID: "ch1",
		Streams: []models.Stream{{
			BaseModel: models.BaseModel{ID: models.NewULID()},
			URL:       srv.URL + "/live.ts",
			Rank:      1,
		}},
	}
	eng, s := testEngine(t, def, engineTestConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(done)
	}()

	waitForState(t, s, "ch1", models.StateWaitingForClients)
	assert.True(t, eng.Ready())

	head, err := s.GetInt(context.Background(), store.RingIndexKey("ch1"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, head, int64(2))

	md, err := s.GetMetadata(context.Background(), "ch1")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/live.ts", md.URL)
	assert.False(t, md.ConnectionReadyTime.IsZero())

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
	waitForState(t, s, "ch1", models.StateStopped)
}

func TestEngineFailsWhenAllStreamsExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	def := &models.ChannelDef{
		ID: "ch1",
		Streams: []models.Stream{{
			BaseModel: models.BaseModel{ID: models.NewULID()},
			URL:       srv.URL + "/dead.ts",
			Rank:      1,
		}},
	}
	eng, s := testEngine(t, def, engineTestConfig())

	done := make(chan struct{})
	go func() {
		eng.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not give up")
	}

	waitForState(t, s, "ch1", models.StateError)
	md, err := s.GetMetadata(context.Background(), "ch1")
	require.NoError(t, err)
	assert.NotEmpty(t, md.ErrorMessage)

	stopping, err := s.Exists(context.Background(), store.StoppingKey("ch1"))
	require.NoError(t, err)
	assert.True(t, stopping)
}

func TestCandidateForPinsRequestedProfile(t *testing.T) {
	acctID := models.NewULID()
	main := models.UpstreamProfile{
		BaseModel:  models.BaseModel{ID: models.NewULID()},
		AccountID:  acctID,
		Name:       "main",
		IsDefault:  true,
		MaxStreams: 2,
	}
	overflow := models.UpstreamProfile{
		BaseModel:  models.BaseModel{ID: models.NewULID()},
		AccountID:  acctID,
		Name:       "overflow",
		MaxStreams: 2,
		Order:      1,
	}
	stream := models.Stream{
		BaseModel: models.BaseModel{ID: models.NewULID()},
		URL:       "http://host/a.ts",
		Rank:      1,
		M3UAccount: &models.M3UAccount{
			BaseModel: models.BaseModel{ID: acctID},
			Name:      "provider",
			Profiles:  []models.UpstreamProfile{main, overflow},
		},
	}
	def := &models.ChannelDef{ID: "ch1", Streams: []models.Stream{stream}}
	eng, _ := testEngine(t, def, engineTestConfig())
	ctx := context.Background()

	// A profile hint on the switch request pins admission to it.
	cand, err := eng.candidateFor(ctx, &event.StreamSwitch{
		StreamID:     stream.ID.String(),
		M3UProfileID: overflow.ID.String(),
	})
	require.NoError(t, err)
	require.NotNil(t, cand.Profile)
	assert.Equal(t, overflow.ID, cand.Profile.ID)

	// An unknown hint falls back to normal order: the default first.
	cand, err = eng.candidateFor(ctx, &event.StreamSwitch{
		StreamID:     stream.ID.String(),
		M3UProfileID: "nope",
	})
	require.NoError(t, err)
	require.NotNil(t, cand.Profile)
	assert.Equal(t, main.ID, cand.Profile.ID)
}

func TestEngineFailsOverToNextRank(t *testing.T) {
	payload := make([]byte, 4*mpegts.PacketSize)
	for i := 0; i < 4; i++ {
		payload[i*mpegts.PacketSize] = mpegts.SyncByte
	}

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for {
			if _, err := w.Write(payload); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	def := &models.ChannelDef{
		ID: "ch1",
		Streams: []models.Stream{
			{BaseModel: models.BaseModel{ID: models.NewULID()}, URL: bad.URL + "/a.ts", Rank: 1},
			{BaseModel: models.BaseModel{ID: models.NewULID()}, URL: good.URL + "/b.ts", Rank: 2},
		},
	}
	eng, s := testEngine(t, def, engineTestConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(done)
	}()

	waitForState(t, s, "ch1", models.StateWaitingForClients)
	md, err := s.GetMetadata(context.Background(), "ch1")
	require.NoError(t, err)
	assert.Equal(t, good.URL+"/b.ts", md.URL)

	cancel()
	<-done
}
