package models

import (
	"fmt"
	"regexp"
)

// ChannelDef is the catalog definition of a logical broadcast channel.
// The runtime state of a channel (ring, clients, ownership) lives in the
// shared store; this row only defines identity and the ranked streams.
type ChannelDef struct {
	// ID is the channel UUID, also used as the shared-store namespace.
	ID   string `gorm:"primarykey;type:varchar(36)" json:"id"`
	Name string `gorm:"not null;size:255" json:"name"`

	// UserAgent overrides the default user agent for all of this
	// channel's streams (optional).
	UserAgent string `gorm:"size:512" json:"user_agent,omitempty"`

	// Streams are the candidate upstreams in user-defined rank order.
	Streams []Stream `gorm:"foreignKey:ChannelID" json:"streams,omitempty"`
}

// TableName overrides the gorm table name.
func (ChannelDef) TableName() string { return "channels" }

// Stream is one upstream URL that can deliver a channel's content.
type Stream struct {
	BaseModel

	ChannelID string `gorm:"index;not null;type:varchar(36)" json:"channel_id"`

	// URL is the raw upstream URL before any profile rewrite.
	URL string `gorm:"not null;size:2048" json:"url"`

	// Rank orders candidates within a channel; lower ranks are tried first.
	Rank int `gorm:"not null;default:0" json:"rank"`

	// M3UAccountID links the stream to its provider account, whose
	// profiles carry the concurrency limits.
	M3UAccountID ULID        `gorm:"index;type:varchar(26)" json:"m3u_account_id"`
	M3UAccount   *M3UAccount `gorm:"foreignKey:M3UAccountID" json:"m3u_account,omitempty"`

	// UserAgent overrides the channel user agent for this stream (optional).
	UserAgent string `gorm:"size:512" json:"user_agent,omitempty"`
}

// M3UAccount is a provider account grouping streams and their profiles.
type M3UAccount struct {
	BaseModel

	Name string `gorm:"uniqueIndex;not null;size:255" json:"name"`

	// Profiles are the concurrency buckets for this account, in
	// definition order. Exactly one should be the default.
	Profiles []UpstreamProfile `gorm:"foreignKey:AccountID" json:"profiles,omitempty"`
}

// UpstreamProfile is a provider-side concurrency bucket. Its live
// connection counter is kept in the shared store, not in this row.
type UpstreamProfile struct {
	BaseModel

	AccountID ULID   `gorm:"index;not null;type:varchar(26)" json:"account_id"`
	Name      string `gorm:"not null;size:255" json:"name"`

	// MaxStreams caps concurrent upstream connections through this
	// profile. Zero means unlimited.
	MaxStreams int `gorm:"not null;default:0" json:"max_streams"`

	// IsDefault marks the profile tried first for the account's streams.
	IsDefault bool `gorm:"default:false" json:"is_default"`

	// IsActive disables the profile without deleting it.
	IsActive *bool `gorm:"default:true" json:"is_active"`

	// URLPattern and URLReplacement transform the raw stream URL before
	// use (regexp.Compile / ReplaceAllString semantics). Empty = no-op.
	URLPattern     string `gorm:"size:1024" json:"url_pattern,omitempty"`
	URLReplacement string `gorm:"size:1024" json:"url_replacement,omitempty"`

	// Order positions the profile among its siblings after the default.
	Order int `gorm:"column:sort_order;default:0" json:"order"`
}

// Active reports whether the profile may be selected.
func (p *UpstreamProfile) Active() bool {
	return p.IsActive == nil || *p.IsActive
}

// RewriteURL applies the profile's search/replace pattern to a raw URL.
// A profile without a pattern returns the URL unchanged.
func (p *UpstreamProfile) RewriteURL(raw string) (string, error) {
	if p.URLPattern == "" {
		return raw, nil
	}
	re, err := regexp.Compile(p.URLPattern)
	if err != nil {
		return "", fmt.Errorf("profile %s url_pattern: %w", p.ID, err)
	}
	return re.ReplaceAllString(raw, p.URLReplacement), nil
}
