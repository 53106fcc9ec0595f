package transcode

import (
	"fmt"
	"os"
	"time"

	"github.com/grafov/m3u8"
)

// Segment is one encoded .ts chunk belonging to a rendition.
type Segment struct {
	RelPath  string
	Duration time.Duration
}

// RenditionOutput is the fully-encoded output of one profile: its own
// index.m3u8 plus the segment list that went into it.
type RenditionOutput struct {
	Profile  Profile
	Segments []Segment
}

// buildMediaPlaylist renders a single quality's index.m3u8, the way
// the teacher's transcode/manifest.go uses grafov/m3u8 for per-rendition
// playlists.
func buildMediaPlaylist(segments []Segment) (string, error) {
	pl, err := m3u8.NewMediaPlaylist(0, uint(len(segments)+1))
	if err != nil {
		return "", fmt.Errorf("creating media playlist: %w", err)
	}
	pl.MediaType = m3u8.VOD

	for _, seg := range segments {
		if err := pl.Append(seg.RelPath, seg.Duration.Seconds(), ""); err != nil {
			return "", fmt.Errorf("appending segment %q: %w", seg.RelPath, err)
		}
	}
	pl.Close()

	return pl.String(), nil
}

// buildMasterPlaylist renders manifest.m3u8, one #EXT-X-STREAM-INF line
// per present profile, in the bandwidth/resolution/codecs form spec.md
// §6 specifies.
func buildMasterPlaylist(renditions []RenditionOutput) (string, error) {
	master := m3u8.NewMasterPlaylist()
	for _, r := range renditions {
		uri := r.Profile.Name + "/index.m3u8"
		master.Append(uri, &m3u8.MediaPlaylist{}, m3u8.VariantParams{
			Name:       r.Profile.Name,
			Bandwidth:  uint32(r.Profile.Bandwidth),
			Resolution: fmt.Sprintf("%dx%d", r.Profile.Width, r.Profile.Height),
			Codecs:     r.Profile.Codecs,
		})
	}
	return master.String(), nil
}

// segmentsFromPlaylist reads back an ffmpeg-generated index.m3u8 to
// recover the segment list the cascade runner just produced, so the
// upload and progress-reporting stages have a profile-agnostic view of
// what was encoded without re-deriving it from ffmpeg's own output.
func segmentsFromPlaylist(path string) ([]Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening generated playlist %q: %w", path, err)
	}
	defer f.Close()

	playlist, listType, err := m3u8.DecodeFrom(f, true)
	if err != nil {
		return nil, fmt.Errorf("decoding generated playlist %q: %w", path, err)
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("generated playlist %q is not a media playlist", path)
	}

	media := playlist.(*m3u8.MediaPlaylist)
	var segments []Segment
	for _, seg := range media.Segments {
		// Segments is a ring buffer; a nil element marks the end of
		// the populated entries (grafov/m3u8#140).
		if seg == nil {
			break
		}
		segments = append(segments, Segment{
			RelPath:  seg.URI,
			Duration: time.Duration(seg.Duration * float64(time.Second)),
		})
	}
	return segments, nil
}
