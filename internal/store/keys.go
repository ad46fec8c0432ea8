package store

import (
	"fmt"
	"strings"
)

// Shared-store key layout. All per-channel keys are namespaced under
// channel:<id>; the layout is wire-stable within a deployment.

// MetadataKey is the channel metadata hash.
func MetadataKey(channelID string) string {
	return "channel:" + channelID + ":metadata"
}

// RingIndexKey is the channel's monotonic ring index counter.
func RingIndexKey(channelID string) string {
	return "channel:" + channelID + ":buffer:index"
}

// RingChunkKey is one ring entry payload.
func RingChunkKey(channelID string, index int64) string {
	return fmt.Sprintf("channel:%s:buffer:chunk:%d", channelID, index)
}

// ClientSetKey is the set of active client ids for a channel.
func ClientSetKey(channelID string) string {
	return "channel:" + channelID + ":clients"
}

// ClientKey is one client's metadata hash (TTL-bound).
func ClientKey(channelID, clientID string) string {
	return "channel:" + channelID + ":clients:" + clientID
}

// ClientStopKey is the per-client stop flag set by remote stop commands.
func ClientStopKey(channelID, clientID string) string {
	return "channel:" + channelID + ":clients:" + clientID + ":stop"
}

// OwnerKey holds the owning worker id with the lease TTL.
func OwnerKey(channelID string) string {
	return "channel:" + channelID + ":owner"
}

// StoppingKey flags a channel that is shutting down.
func StoppingKey(channelID string) string {
	return "channel:" + channelID + ":stopping"
}

// SwitchRequestKey records an in-flight stream switch. Debug hint; its
// TTL bounds how long a stale request can linger.
func SwitchRequestKey(channelID string) string {
	return "channel:" + channelID + ":switch_request"
}

// LastClientDisconnectKey records when the channel last went to zero clients.
func LastClientDisconnectKey(channelID string) string {
	return "channel:" + channelID + ":last_client_disconnect_time"
}

// LastDataKey records when the owner last wrote ring data.
func LastDataKey(channelID string) string {
	return "channel:" + channelID + ":last_data"
}

// ChannelWorkerKey marks that a worker holds local state for a channel.
func ChannelWorkerKey(channelID, workerID string) string {
	return "channel:" + channelID + ":worker:" + workerID
}

// EventsTopic is the channel's pub/sub topic.
func EventsTopic(channelID string) string {
	return "events:" + channelID
}

// EventsPattern matches every channel's events topic.
const EventsPattern = "events:*"

// ChannelIDFromTopic extracts the channel id from an events topic name.
func ChannelIDFromTopic(topic string) string {
	return strings.TrimPrefix(topic, "events:")
}

// WorkerHeartbeatKey is a worker's liveness key (TTL-bound).
func WorkerHeartbeatKey(workerID string) string {
	return "worker:" + workerID + ":heartbeat"
}

// ProfileConnectionsKey is the live connection counter for an upstream profile.
func ProfileConnectionsKey(profileID string) string {
	return "profile_connections:" + profileID
}
