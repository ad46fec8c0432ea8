// Package ingest implements the owner-side pipeline for a channel: it
// connects to the selected upstream, normalizes it to MPEG-TS, chunks
// the output into the shared ring, and supervises connection health,
// reconnects, and stream switches.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// Kind distinguishes how an upstream URL is consumed.
type Kind int

const (
	// KindDirect is a plain MPEG-TS HTTP stream read as-is.
	KindDirect Kind = iota
	// KindHLS is an HLS playlist that must be remuxed by the transcoder.
	KindHLS
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k == KindHLS {
		return "hls"
	}
	return "direct"
}

// Classify inspects the URL path to decide how to consume the source.
// Query strings are ignored; unknown shapes default to direct TS.
func Classify(rawURL string) Kind {
	u, err := url.Parse(rawURL)
	if err != nil {
		return KindDirect
	}
	path := strings.ToLower(u.Path)
	switch {
	case strings.HasSuffix(path, ".m3u8"), strings.HasSuffix(path, ".m3u"):
		return KindHLS
	case strings.Contains(path, "playlist.m3u"),
		strings.Contains(path, "manifest.m3u"),
		strings.Contains(path, "master.m3u"):
		return KindHLS
	}
	return KindDirect
}

const maxPlaylistBytes = 4 << 20

// ResolveVariant fetches an HLS playlist and, when it is a master
// playlist, returns the highest-bandwidth media playlist URL resolved
// against the master's location. Media playlists are returned unchanged.
func ResolveVariant(ctx context.Context, client *http.Client, rawURL, userAgent string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("building playlist request: %w", err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching playlist: upstream returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes))
	if err != nil {
		return "", fmt.Errorf("reading playlist: %w", err)
	}

	pl, err := playlist.Unmarshal(body)
	if err != nil {
		return "", fmt.Errorf("parsing playlist: %w", err)
	}

	master, ok := pl.(*playlist.Multivariant)
	if !ok {
		return rawURL, nil
	}
	if len(master.Variants) == 0 {
		return "", errors.New("master playlist has no variants")
	}

	best := master.Variants[0]
	for _, v := range master.Variants[1:] {
		if v.Bandwidth > best.Bandwidth {
			best = v
		}
	}

	base, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing playlist url: %w", err)
	}
	ref, err := url.Parse(best.URI)
	if err != nil {
		return "", fmt.Errorf("parsing variant uri: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}
