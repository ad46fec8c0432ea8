package models

import (
	"strconv"
	"time"
)

// ChannelState is the lifecycle state of a running channel. Only the
// owning worker advances it.
type ChannelState string

const (
	// StateInitializing means the channel keys exist but no connection
	// attempt has started.
	StateInitializing ChannelState = "initializing"
	// StateConnecting means the ingest engine is dialing the upstream.
	StateConnecting ChannelState = "connecting"
	// StateWaitingForClients means the ring is primed and the channel is
	// inside its init grace period.
	StateWaitingForClients ChannelState = "waiting_for_clients"
	// StateActive means data is flowing and at least one client attached.
	StateActive ChannelState = "active"
	// StateStopping means a stop was requested and teardown is underway.
	StateStopping ChannelState = "stopping"
	// StateStopped means the channel ended cleanly.
	StateStopped ChannelState = "stopped"
	// StateError means the channel gave up after exhausting failover.
	StateError ChannelState = "error"
)

// Terminal reports whether the state ends a channel from the owner's
// perspective; clients observing it must disconnect.
func (s ChannelState) Terminal() bool {
	return s == StateStopped || s == StateError
}

// Servable reports whether clients may stream in this state.
func (s ChannelState) Servable() bool {
	return s == StateWaitingForClients || s == StateActive
}

// StreamInfo carries live codec details discovered from the running
// source (transcoder stderr or TS probe).
type StreamInfo struct {
	VideoCodec   string `json:"video_codec,omitempty"`
	Resolution   string `json:"resolution,omitempty"`
	FPS          string `json:"fps,omitempty"`
	VideoBitrate string `json:"video_bitrate,omitempty"`
	AudioCodec   string `json:"audio_codec,omitempty"`
	SampleRate   string `json:"sample_rate,omitempty"`
	Channels     string `json:"channels,omitempty"`
	Container    string `json:"container,omitempty"`
}

// ChannelMetadata mirrors the channel:<id>:metadata hash. The owner
// writes state and connection fields; other workers only read.
type ChannelMetadata struct {
	URL           string       `json:"url"`
	UserAgent     string       `json:"user_agent,omitempty"`
	StreamProfile string       `json:"stream_profile,omitempty"`
	StreamID      string       `json:"stream_id,omitempty"`
	M3UProfileID  string       `json:"m3u_profile_id,omitempty"`
	State         ChannelState `json:"state"`
	Owner         string       `json:"owner,omitempty"`
	ErrorMessage  string       `json:"error_message,omitempty"`

	StateChangedAt      time.Time `json:"state_changed_at,omitempty"`
	InitTime            time.Time `json:"init_time,omitempty"`
	LastActive          time.Time `json:"last_active,omitempty"`
	ConnectionReadyTime time.Time `json:"connection_ready_time,omitempty"`
	ConnectionStartTime time.Time `json:"connection_start_time,omitempty"`
	StreamSwitchTime    time.Time `json:"stream_switch_time,omitempty"`

	StreamSwitchReason string `json:"stream_switch_reason,omitempty"`
	URLSwitching       bool   `json:"url_switching,omitempty"`
	TotalBytes         int64  `json:"total_bytes"`

	Info StreamInfo `json:"info,omitempty"`
}

// Hash field names, wire-stable within a deployment.
const (
	FieldURL                 = "url"
	FieldUserAgent           = "user_agent"
	FieldStreamProfile       = "stream_profile"
	FieldStreamID            = "stream_id"
	FieldM3UProfileID        = "m3u_profile_id"
	FieldState               = "state"
	FieldOwner               = "owner"
	FieldErrorMessage        = "error_message"
	FieldStateChangedAt      = "state_changed_at"
	FieldInitTime            = "init_time"
	FieldLastActive          = "last_active"
	FieldConnectionReadyTime = "connection_ready_time"
	FieldConnectionStartTime = "connection_start_time"
	FieldStreamSwitchTime    = "stream_switch_time"
	FieldStreamSwitchReason  = "stream_switch_reason"
	FieldURLSwitching        = "url_switching"
	FieldTotalBytes          = "total_bytes"
	FieldVideoCodec          = "video_codec"
	FieldResolution          = "resolution"
	FieldFPS                 = "fps"
	FieldVideoBitrate        = "video_bitrate"
	FieldAudioCodec          = "audio_codec"
	FieldSampleRate          = "sample_rate"
	FieldAudioChannels       = "audio_channels"
	FieldContainer           = "container"
)

// ToMap flattens the metadata into shared-store hash fields. Zero times
// and empty strings are omitted so partial HSET updates stay partial.
func (m *ChannelMetadata) ToMap() map[string]any {
	out := make(map[string]any, 24)

	putString := func(field, v string) {
		if v != "" {
			out[field] = v
		}
	}
	putTime := func(field string, t time.Time) {
		if !t.IsZero() {
			out[field] = t.UTC().Format(time.RFC3339Nano)
		}
	}

	putString(FieldURL, m.URL)
	putString(FieldUserAgent, m.UserAgent)
	putString(FieldStreamProfile, m.StreamProfile)
	putString(FieldStreamID, m.StreamID)
	putString(FieldM3UProfileID, m.M3UProfileID)
	putString(FieldState, string(m.State))
	putString(FieldOwner, m.Owner)
	putString(FieldErrorMessage, m.ErrorMessage)
	putString(FieldStreamSwitchReason, m.StreamSwitchReason)

	putTime(FieldStateChangedAt, m.StateChangedAt)
	putTime(FieldInitTime, m.InitTime)
	putTime(FieldLastActive, m.LastActive)
	putTime(FieldConnectionReadyTime, m.ConnectionReadyTime)
	putTime(FieldConnectionStartTime, m.ConnectionStartTime)
	putTime(FieldStreamSwitchTime, m.StreamSwitchTime)

	out[FieldURLSwitching] = strconv.FormatBool(m.URLSwitching)
	out[FieldTotalBytes] = strconv.FormatInt(m.TotalBytes, 10)

	putString(FieldVideoCodec, m.Info.VideoCodec)
	putString(FieldResolution, m.Info.Resolution)
	putString(FieldFPS, m.Info.FPS)
	putString(FieldVideoBitrate, m.Info.VideoBitrate)
	putString(FieldAudioCodec, m.Info.AudioCodec)
	putString(FieldSampleRate, m.Info.SampleRate)
	putString(FieldAudioChannels, m.Info.Channels)
	putString(FieldContainer, m.Info.Container)

	return out
}

// MetadataFromMap rebuilds metadata from a shared-store hash. Unknown
// fields are ignored; malformed times and counters fall back to zero.
func MetadataFromMap(fields map[string]string) *ChannelMetadata {
	getTime := func(field string) time.Time {
		t, err := time.Parse(time.RFC3339Nano, fields[field])
		if err != nil {
			return time.Time{}
		}
		return t
	}

	totalBytes, _ := strconv.ParseInt(fields[FieldTotalBytes], 10, 64)
	switching, _ := strconv.ParseBool(fields[FieldURLSwitching])

	return &ChannelMetadata{
		URL:           fields[FieldURL],
		UserAgent:     fields[FieldUserAgent],
		StreamProfile: fields[FieldStreamProfile],
		StreamID:      fields[FieldStreamID],
		M3UProfileID:  fields[FieldM3UProfileID],
		State:         ChannelState(fields[FieldState]),
		Owner:         fields[FieldOwner],
		ErrorMessage:  fields[FieldErrorMessage],

		StateChangedAt:      getTime(FieldStateChangedAt),
		InitTime:            getTime(FieldInitTime),
		LastActive:          getTime(FieldLastActive),
		ConnectionReadyTime: getTime(FieldConnectionReadyTime),
		ConnectionStartTime: getTime(FieldConnectionStartTime),
		StreamSwitchTime:    getTime(FieldStreamSwitchTime),

		StreamSwitchReason: fields[FieldStreamSwitchReason],
		URLSwitching:       switching,
		TotalBytes:         totalBytes,

		Info: StreamInfo{
			VideoCodec:   fields[FieldVideoCodec],
			Resolution:   fields[FieldResolution],
			FPS:          fields[FieldFPS],
			VideoBitrate: fields[FieldVideoBitrate],
			AudioCodec:   fields[FieldAudioCodec],
			SampleRate:   fields[FieldSampleRate],
			Channels:     fields[FieldAudioChannels],
			Container:    fields[FieldContainer],
		},
	}
}
