package mpegts

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/asticode/go-astits"
)

// ErrNoPMT is returned when no program map table was found in the sample.
var ErrNoPMT = errors.New("mpegts: no PMT in sample")

// ProbeResult holds codec names discovered from a TS sample's PMT.
type ProbeResult struct {
	VideoCodec string
	AudioCodec string
}

// Probe demuxes a TS sample and extracts elementary-stream codecs from
// the first PMT. It is used for direct (non-transcoded) pulls, where no
// transcoder stderr is available to report stream info.
func Probe(ctx context.Context, sample []byte) (ProbeResult, error) {
	var res ProbeResult

	dmx := astits.NewDemuxer(ctx, bytes.NewReader(sample))
	for {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, astits.ErrNoMorePackets) {
				return res, ErrNoPMT
			}
			return res, err
		}
		if d.PMT == nil {
			continue
		}
		for _, es := range d.PMT.ElementaryStreams {
			name, video := codecForStreamType(uint8(es.StreamType))
			if name == "" {
				continue
			}
			if video && res.VideoCodec == "" {
				res.VideoCodec = name
			} else if !video && res.AudioCodec == "" {
				res.AudioCodec = name
			}
		}
		return res, nil
	}
}

// codecForStreamType maps ISO 13818-1 stream_type values to codec names.
// The bool reports whether the type is video.
func codecForStreamType(t uint8) (string, bool) {
	switch t {
	case 0x01:
		return "mpeg1video", true
	case 0x02:
		return "mpeg2video", true
	case 0x03, 0x04:
		return "mp2", false
	case 0x0F:
		return "aac", false
	case 0x11:
		return "aac_latm", false
	case 0x1B:
		return "h264", true
	case 0x24:
		return "hevc", true
	case 0x81:
		return "ac3", false
	case 0x87:
		return "eac3", false
	default:
		return "", false
	}
}
