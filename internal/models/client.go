package models

import (
	"strconv"
	"time"
)

// ClientInfo mirrors the channel:<id>:clients:<client-id> hash. The record
// carries a TTL and is refreshed by the accepting worker's heartbeats.
type ClientInfo struct {
	ID          string    `json:"id"`
	ChannelID   string    `json:"channel_id"`
	UserAgent   string    `json:"user_agent,omitempty"`
	IP          string    `json:"ip,omitempty"`
	WorkerID    string    `json:"worker_id"`
	ConnectedAt time.Time `json:"connected_at"`
	LastActive  time.Time `json:"last_active"`

	BytesSent int64 `json:"bytes_sent"`
	// AvgRateBps is the mean delivery rate since connect, bytes/second.
	AvgRateBps float64 `json:"avg_rate_bps"`
	// CurrentRateBps is the rate over the most recent sample window.
	CurrentRateBps float64 `json:"current_rate_bps"`
}

// Client hash field names.
const (
	ClientFieldID          = "id"
	ClientFieldChannelID   = "channel_id"
	ClientFieldUserAgent   = "user_agent"
	ClientFieldIP          = "ip"
	ClientFieldWorkerID    = "worker_id"
	ClientFieldConnectedAt = "connected_at"
	ClientFieldLastActive  = "last_active"
	ClientFieldBytesSent   = "bytes_sent"
	ClientFieldAvgRate     = "avg_rate_bps"
	ClientFieldCurrentRate = "current_rate_bps"
)

// ToMap flattens the client record into shared-store hash fields.
func (c *ClientInfo) ToMap() map[string]any {
	out := map[string]any{
		ClientFieldID:          c.ID,
		ClientFieldChannelID:   c.ChannelID,
		ClientFieldWorkerID:    c.WorkerID,
		ClientFieldBytesSent:   strconv.FormatInt(c.BytesSent, 10),
		ClientFieldAvgRate:     strconv.FormatFloat(c.AvgRateBps, 'f', 1, 64),
		ClientFieldCurrentRate: strconv.FormatFloat(c.CurrentRateBps, 'f', 1, 64),
	}
	if c.UserAgent != "" {
		out[ClientFieldUserAgent] = c.UserAgent
	}
	if c.IP != "" {
		out[ClientFieldIP] = c.IP
	}
	if !c.ConnectedAt.IsZero() {
		out[ClientFieldConnectedAt] = c.ConnectedAt.UTC().Format(time.RFC3339Nano)
	}
	if !c.LastActive.IsZero() {
		out[ClientFieldLastActive] = c.LastActive.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// ClientFromMap rebuilds a client record from a shared-store hash.
func ClientFromMap(fields map[string]string) *ClientInfo {
	getTime := func(field string) time.Time {
		t, err := time.Parse(time.RFC3339Nano, fields[field])
		if err != nil {
			return time.Time{}
		}
		return t
	}

	bytesSent, _ := strconv.ParseInt(fields[ClientFieldBytesSent], 10, 64)
	avgRate, _ := strconv.ParseFloat(fields[ClientFieldAvgRate], 64)
	curRate, _ := strconv.ParseFloat(fields[ClientFieldCurrentRate], 64)

	return &ClientInfo{
		ID:             fields[ClientFieldID],
		ChannelID:      fields[ClientFieldChannelID],
		UserAgent:      fields[ClientFieldUserAgent],
		IP:             fields[ClientFieldIP],
		WorkerID:       fields[ClientFieldWorkerID],
		ConnectedAt:    getTime(ClientFieldConnectedAt),
		LastActive:     getTime(ClientFieldLastActive),
		BytesSent:      bytesSent,
		AvgRateBps:     avgRate,
		CurrentRateBps: curRate,
	}
}
