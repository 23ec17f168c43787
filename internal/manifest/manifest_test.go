package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaster_RendersOneEntryPerStream(t *testing.T) {
	entries := []StreamEntry{
		{Name: "1080p", URL: "quality-1080p.m3u8", VideoBitrate: 5000, AudioBitrate: 192, Width: 1920, Height: 1080},
		{Name: "720p", URL: "quality-720p.m3u8", VideoBitrate: 2800, AudioBitrate: 128, Width: 1280, Height: 720},
	}
	out := Master(entries)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Equal(t, "#EXTM3U", lines[0])
	assert.Contains(t, lines[1], "BANDWIDTH=")
	assert.Contains(t, lines[1], "RESOLUTION=1920x1080")
	assert.Contains(t, lines[1], "NAME=1080p")
	assert.Equal(t, "quality-1080p.m3u8", lines[2])
	assert.Contains(t, lines[3], "NAME=720p")
	assert.Equal(t, "quality-720p.m3u8", lines[4])
}

func TestMaster_BandwidthFormula(t *testing.T) {
	entries := []StreamEntry{{Name: "x", URL: "u", VideoBitrate: 1000, AudioBitrate: 128, Width: 100, Height: 100}}
	out := Master(entries)
	// ceil((1000+128) * 1.05 * 1000) = ceil(1184400) = 1184400
	assert.Contains(t, out, "BANDWIDTH=1184400")
}

func TestScaledResolution_PreservesAspect(t *testing.T) {
	w, h := ScaledResolution(1920, 1080, 720)
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)
}

func TestScaledResolution_PortraitShorterSideIsWidth(t *testing.T) {
	w, h := ScaledResolution(1080, 1920, 720)
	assert.Equal(t, 720, w)
	assert.Equal(t, 1280, h)
}

func TestVariant_Structure(t *testing.T) {
	bp := []float64{0, 3.5, 7.0, 10.0}
	out := Variant(bp, "720p", 4.75)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Equal(t, "#EXTM3U", lines[0])
	assert.Equal(t, "#EXT-X-PLAYLIST-TYPE:VOD", lines[1])
	assert.Equal(t, "#EXT-X-TARGETDURATION:4.75", lines[2])
	assert.Equal(t, "#EXT-X-VERSION:4", lines[3])
	assert.Equal(t, "#EXT-X-MEDIA-SEQUENCE:0", lines[4])
	assert.Equal(t, "#EXTINF:3.500,", lines[5])
	assert.Equal(t, "720p.1.ts", lines[6])
	assert.Equal(t, "#EXTINF:3.500,", lines[7])
	assert.Equal(t, "720p.2.ts", lines[8])
	assert.Equal(t, "#EXTINF:3.000,", lines[9])
	assert.Equal(t, "720p.3.ts", lines[10])
	assert.Equal(t, "#EXT-X-ENDLIST", lines[len(lines)-1])
}

func TestVariant_SegmentURLsUseOneBasedHexIndex(t *testing.T) {
	bp := make([]float64, 18)
	for i := range bp {
		bp[i] = float64(i) * 3.5
	}
	out := Variant(bp, "audio", 4.75)
	assert.Contains(t, out, "audio.a.ts") // segment index 9 (0-based) -> 1-based 10 -> hex "a"
}
