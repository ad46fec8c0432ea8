package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/rvierich/tsrelay/internal/coordinator"
	"github.com/rvierich/tsrelay/internal/event"
	"github.com/rvierich/tsrelay/internal/models"
	"github.com/rvierich/tsrelay/internal/registry"
	"github.com/rvierich/tsrelay/internal/repository"
	"github.com/rvierich/tsrelay/internal/store"
	"github.com/rvierich/tsrelay/internal/upstream"
)

// ControlHandler exposes the channel control API: activation, stream
// switching, stop commands, and status reporting.
type ControlHandler struct {
	coordinator *coordinator.Coordinator
	store       *store.Store
	registry    *registry.Registry
	tracker     *upstream.Tracker
	channels    repository.ChannelRepository
	accounts    repository.AccountRepository
	logger      *slog.Logger
}

// NewControlHandler creates the control API handler.
func NewControlHandler(
	c *coordinator.Coordinator,
	s *store.Store,
	reg *registry.Registry,
	tracker *upstream.Tracker,
	channels repository.ChannelRepository,
	accounts repository.AccountRepository,
	logger *slog.Logger,
) *ControlHandler {
	return &ControlHandler{
		coordinator: c,
		store:       s,
		registry:    reg,
		tracker:     tracker,
		channels:    channels,
		accounts:    accounts,
		logger:      logger.With(slog.String("component", "control_api")),
	}
}

// Register registers the control routes with the API.
func (h *ControlHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listChannels",
		Method:      "GET",
		Path:        "/api/v1/channels",
		Summary:     "List channels",
		Description: "Returns every catalog channel with its live state, if any",
		Tags:        []string{"Channels"},
	}, h.ListChannels)

	huma.Register(api, huma.Operation{
		OperationID: "getChannel",
		Method:      "GET",
		Path:        "/api/v1/channels/{channelID}",
		Summary:     "Get channel status",
		Description: "Returns the channel's live metadata and connected clients",
		Tags:        []string{"Channels"},
	}, h.GetChannel)

	huma.Register(api, huma.Operation{
		OperationID: "initializeChannel",
		Method:      "POST",
		Path:        "/api/v1/channels/{channelID}/initialize",
		Summary:     "Initialize a channel",
		Description: "Starts channel ingest ahead of the first client connection",
		Tags:        []string{"Channels"},
	}, h.InitializeChannel)

	huma.Register(api, huma.Operation{
		OperationID: "switchChannelStream",
		Method:      "POST",
		Path:        "/api/v1/channels/{channelID}/stream",
		Summary:     "Switch the channel's upstream",
		Description: "Requests a switch to another catalog stream or an explicit URL",
		Tags:        []string{"Channels"},
	}, h.SwitchStream)

	huma.Register(api, huma.Operation{
		OperationID: "stopChannel",
		Method:      "POST",
		Path:        "/api/v1/channels/{channelID}/stop",
		Summary:     "Stop a channel",
		Description: "Flags the channel as stopping and shuts down its ingest",
		Tags:        []string{"Channels"},
	}, h.StopChannel)

	huma.Register(api, huma.Operation{
		OperationID: "stopClient",
		Method:      "POST",
		Path:        "/api/v1/channels/{channelID}/clients/{clientID}/stop",
		Summary:     "Disconnect a client",
		Description: "Requests disconnection of one client, wherever it is served",
		Tags:        []string{"Clients"},
	}, h.StopClient)

	huma.Register(api, huma.Operation{
		OperationID: "getStatus",
		Method:      "GET",
		Path:        "/api/v1/status",
		Summary:     "Worker status",
		Description: "Returns this worker's owned channels and upstream profile usage",
		Tags:        []string{"System"},
	}, h.GetStatus)
}

// ChannelStatus is the live view of one channel.
type ChannelStatus struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Live    bool   `json:"live"`
	State   string `json:"state,omitempty"`
	Owner   string `json:"owner,omitempty"`
	URL     string `json:"url,omitempty"`
	Clients int64  `json:"clients"`

	TotalBytes   int64  `json:"total_bytes,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	URLSwitching bool   `json:"url_switching,omitempty"`

	ConnectedSince time.Time `json:"connected_since,omitempty"`

	Info *models.StreamInfo `json:"info,omitempty"`
}

func (h *ControlHandler) channelStatus(ctx context.Context, def *models.ChannelDef) *ChannelStatus {
	status := &ChannelStatus{ID: def.ID, Name: def.Name}

	md, err := h.store.GetMetadata(ctx, def.ID)
	if err != nil {
		return status
	}

	status.Live = !md.State.Terminal()
	status.State = string(md.State)
	status.Owner = md.Owner
	status.URL = md.URL
	status.TotalBytes = md.TotalBytes
	status.ErrorMessage = md.ErrorMessage
	status.URLSwitching = md.URLSwitching
	status.ConnectedSince = md.ConnectionReadyTime
	if md.Info != (models.StreamInfo{}) {
		info := md.Info
		status.Info = &info
	}

	if n, err := h.registry.Count(ctx, def.ID); err == nil {
		status.Clients = n
	}
	return status
}

// ListChannelsOutput is the channel list response.
type ListChannelsOutput struct {
	Body struct {
		Channels []*ChannelStatus `json:"channels"`
	}
}

// ListChannels returns every catalog channel with its live state.
func (h *ControlHandler) ListChannels(ctx context.Context, _ *struct{}) (*ListChannelsOutput, error) {
	defs, err := h.channels.List(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing channels", err)
	}

	out := &ListChannelsOutput{}
	out.Body.Channels = make([]*ChannelStatus, 0, len(defs))
	for _, def := range defs {
		out.Body.Channels = append(out.Body.Channels, h.channelStatus(ctx, def))
	}
	return out, nil
}

// GetChannelInput identifies a channel.
type GetChannelInput struct {
	ChannelID string `path:"channelID" doc:"Channel UUID"`
}

// GetChannelOutput is the channel status response.
type GetChannelOutput struct {
	Body struct {
		ChannelStatus
		ClientList []*models.ClientInfo `json:"client_list,omitempty"`
	}
}

// GetChannel returns one channel's status and its connected clients.
func (h *ControlHandler) GetChannel(ctx context.Context, input *GetChannelInput) (*GetChannelOutput, error) {
	def, err := h.channels.ChannelByID(ctx, input.ChannelID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, huma.Error404NotFound("unknown channel")
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("loading channel", err)
	}

	out := &GetChannelOutput{}
	out.Body.ChannelStatus = *h.channelStatus(ctx, def)

	clients, err := h.registry.List(ctx, def.ID)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing clients", err)
	}
	out.Body.ClientList = clients
	return out, nil
}

// InitializeChannelOutput reports the post-activation channel status.
type InitializeChannelOutput struct {
	Body ChannelStatus
}

// InitializeChannel starts channel ingest without a client attached. The
// channel still shuts down if no client arrives within the wait timeout.
func (h *ControlHandler) InitializeChannel(ctx context.Context, input *GetChannelInput) (*InitializeChannelOutput, error) {
	if err := h.coordinator.EnsureChannel(ctx, input.ChannelID); err != nil {
		if errors.Is(err, coordinator.ErrUnknownChannel) {
			return nil, huma.Error404NotFound("unknown channel")
		}
		return nil, huma.Error500InternalServerError("initializing channel", err)
	}

	def, err := h.channels.ChannelByID(ctx, input.ChannelID)
	if err != nil {
		return nil, huma.Error500InternalServerError("loading channel", err)
	}
	return &InitializeChannelOutput{Body: *h.channelStatus(ctx, def)}, nil
}

// SwitchStreamInput requests a switch to another upstream.
type SwitchStreamInput struct {
	ChannelID string `path:"channelID" doc:"Channel UUID"`
	Body      struct {
		// StreamID selects a catalog stream; its provider profile
		// accounting applies.
		StreamID string `json:"stream_id,omitempty" doc:"Catalog stream ULID to switch to"`
		// URL bypasses the catalog and connects directly.
		URL          string `json:"url,omitempty" doc:"Explicit upstream URL to switch to"`
		UserAgent    string `json:"user_agent,omitempty" doc:"User agent override for the new connection"`
		M3UProfileID string `json:"m3u_profile_id,omitempty" doc:"Upstream profile hint for the new connection"`
	}
}

// SwitchStreamOutput acknowledges a switch request.
type SwitchStreamOutput struct {
	Body struct {
		Accepted bool `json:"accepted"`
	}
}

// SwitchStream asks the channel's owner to move to another upstream.
func (h *ControlHandler) SwitchStream(ctx context.Context, input *SwitchStreamInput) (*SwitchStreamOutput, error) {
	if input.Body.StreamID == "" && input.Body.URL == "" {
		return nil, huma.Error422UnprocessableEntity("stream_id or url is required")
	}

	state, err := h.store.GetState(ctx, input.ChannelID)
	if err != nil {
		return nil, huma.Error500InternalServerError("reading channel state", err)
	}
	if state == "" || state.Terminal() {
		return nil, huma.Error409Conflict("channel is not running")
	}

	req := &event.StreamSwitch{
		URL:          input.Body.URL,
		UserAgent:    input.Body.UserAgent,
		StreamID:     input.Body.StreamID,
		M3UProfileID: input.Body.M3UProfileID,
	}
	if err := h.coordinator.SwitchStream(ctx, input.ChannelID, req); err != nil {
		return nil, huma.Error500InternalServerError("requesting stream switch", err)
	}

	out := &SwitchStreamOutput{}
	out.Body.Accepted = true
	return out, nil
}

// StopChannelOutput acknowledges a stop request.
type StopChannelOutput struct {
	Body struct {
		Stopping bool `json:"stopping"`
	}
}

// StopChannel flags the channel as stopping cluster-wide.
func (h *ControlHandler) StopChannel(ctx context.Context, input *GetChannelInput) (*StopChannelOutput, error) {
	if err := h.coordinator.StopChannel(ctx, input.ChannelID); err != nil {
		return nil, huma.Error500InternalServerError("stopping channel", err)
	}
	out := &StopChannelOutput{}
	out.Body.Stopping = true
	return out, nil
}

// StopClientInput identifies a client on a channel.
type StopClientInput struct {
	ChannelID string `path:"channelID" doc:"Channel UUID"`
	ClientID  string `path:"clientID" doc:"Client ULID"`
}

// StopClientOutput acknowledges a client stop request.
type StopClientOutput struct {
	Body struct {
		Stopping bool `json:"stopping"`
	}
}

// StopClient requests disconnection of one client. The flag and the
// broadcast reach the client's worker wherever it runs.
func (h *ControlHandler) StopClient(ctx context.Context, input *StopClientInput) (*StopClientOutput, error) {
	if _, err := h.registry.Get(ctx, input.ChannelID, input.ClientID); err != nil {
		if errors.Is(err, registry.ErrClientNotFound) {
			return nil, huma.Error404NotFound("unknown client")
		}
		return nil, huma.Error500InternalServerError("loading client", err)
	}
	if err := h.registry.RequestStop(ctx, input.ChannelID, input.ClientID); err != nil {
		return nil, huma.Error500InternalServerError("requesting client stop", err)
	}
	out := &StopClientOutput{}
	out.Body.Stopping = true
	return out, nil
}

// ProfileUsage is the live connection count for one upstream profile.
type ProfileUsage struct {
	ProfileID   string `json:"profile_id"`
	Name        string `json:"name"`
	MaxStreams  int    `json:"max_streams"`
	Connections int64  `json:"connections"`
}

// StatusOutput is the worker status response.
type StatusOutput struct {
	Body struct {
		WorkerID      string          `json:"worker_id"`
		OwnedChannels []string        `json:"owned_channels"`
		LocalClients  int             `json:"local_clients"`
		Profiles      []*ProfileUsage `json:"profiles"`
	}
}

// GetStatus reports this worker's ownership and upstream profile usage.
func (h *ControlHandler) GetStatus(ctx context.Context, _ *struct{}) (*StatusOutput, error) {
	out := &StatusOutput{}
	out.Body.WorkerID = h.coordinator.WorkerID()
	out.Body.OwnedChannels = h.coordinator.Owned()

	for _, channelID := range h.registry.LocalChannels() {
		out.Body.LocalClients += h.registry.LocalCount(channelID)
	}

	profiles, err := h.accounts.ListProfiles(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing profiles", err)
	}
	out.Body.Profiles = make([]*ProfileUsage, 0, len(profiles))
	for _, p := range profiles {
		usage := &ProfileUsage{
			ProfileID:  p.ID.String(),
			Name:       p.Name,
			MaxStreams: p.MaxStreams,
		}
		if n, err := h.tracker.Connections(ctx, p.ID.String()); err == nil {
			usage.Connections = n
		}
		out.Body.Profiles = append(out.Body.Profiles, usage)
	}
	return out, nil
}
