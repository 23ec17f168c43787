// Package manifest renders the HLS master and variant playlists from a
// media descriptor's breakpoint vector and quality set.
package manifest

import (
	"fmt"
	"math"
	"strings"
)

// StreamEntry describes one #EXT-X-STREAM-INF line of a master playlist.
type StreamEntry struct {
	Name         string
	URL          string
	VideoBitrate int // kbps
	AudioBitrate int // kbps
	Width        int
	Height       int
}

// Master renders the multivariant playlist of spec.md §6.3. entries must
// already be ordered by descending resolution; that ordering is preserved
// verbatim in the output.
func Master(entries []StreamEntry) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for _, e := range entries {
		bandwidth := int(math.Ceil(float64(e.VideoBitrate+e.AudioBitrate) * 1.05 * 1000))
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,NAME=%s\n", bandwidth, e.Width, e.Height, e.Name)
		fmt.Fprintf(&b, "%s\n", e.URL)
	}
	return b.String()
}

// ScaledResolution scales (srcWidth, srcHeight) so its shorter side equals
// targetShortSide, preserving aspect ratio, per spec.md §4.2.
func ScaledResolution(srcWidth, srcHeight, targetShortSide int) (width, height int) {
	if srcWidth <= 0 || srcHeight <= 0 || targetShortSide <= 0 {
		return targetShortSide, targetShortSide
	}
	if srcWidth <= srcHeight {
		factor := float64(targetShortSide) / float64(srcWidth)
		return targetShortSide, int(math.Round(float64(srcHeight) * factor))
	}
	factor := float64(targetShortSide) / float64(srcHeight)
	return int(math.Round(float64(srcWidth) * factor)), targetShortSide
}

// targetDuration is the value advertised in #EXT-X-TARGETDURATION: the
// configured maximum segment length (targetLength + tolerance).
func targetDuration(maxSegmentLength float64) string {
	s := fmt.Sprintf("%.2f", maxSegmentLength)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	return s
}

// Variant renders the per-quality playlist of spec.md §6.3. breakpoints is
// the full b[0..N] vector; qualityName is substituted into each segment's
// relative URL, matching the `:quality.:segment.ts` HTTP route.
func Variant(breakpoints []float64, qualityName string, maxSegmentLength float64) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%s\n", targetDuration(maxSegmentLength))
	b.WriteString("#EXT-X-VERSION:4\n")
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")

	for i := 0; i+1 < len(breakpoints); i++ {
		length := breakpoints[i+1] - breakpoints[i]
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", length)
		fmt.Fprintf(&b, "%s.%x.ts\n", qualityName, i+1)
	}

	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}
