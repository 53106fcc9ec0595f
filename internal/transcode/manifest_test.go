package transcode

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildMasterPlaylistIncludesBandwidthAndResolution(t *testing.T) {
	renditions := []RenditionOutput{
		{Profile: ProfileFor("1080p")},
		{Profile: ProfileFor("480p")},
	}

	out, err := buildMasterPlaylist(renditions)
	require.NoError(t, err)
	require.Contains(t, out, "#EXTM3U")
	require.Contains(t, out, "BANDWIDTH=6500000")
	require.Contains(t, out, "RESOLUTION=1920x1080")
	require.Contains(t, out, "1080p/index.m3u8")
	require.Contains(t, out, "480p/index.m3u8")
}

func TestBuildMediaPlaylistRoundTrip(t *testing.T) {
	segments := []Segment{
		{RelPath: "seg_00000.ts", Duration: 6 * time.Second},
		{RelPath: "seg_00001.ts", Duration: 6 * time.Second},
	}

	out, err := buildMediaPlaylist(segments)
	require.NoError(t, err)
	require.True(t, strings.Contains(out, "seg_00000.ts"))
	require.True(t, strings.Contains(out, "#EXT-X-ENDLIST"))
}
