// Package quality defines the fixed set of HLS renditions the server can
// produce and the selection rule that narrows it to what a given source
// supports.
package quality

// Preset parameterises one HLS variant: its name, target resolution (the
// short side, in pixels), and the bitrates ffmpeg is told to target.
type Preset struct {
	Name         string
	Resolution   int
	VideoBitrate int // kbps, zero for the audio-only preset
	AudioBitrate int // kbps
}

// VideoPresets is the fixed, descending-by-resolution list of video
// renditions. Order matters: callers that need "applicable presets" rely on
// this already being sorted by descending Resolution.
var VideoPresets = []Preset{
	{Name: "1080p", Resolution: 1080, VideoBitrate: 5000, AudioBitrate: 192},
	{Name: "720p", Resolution: 720, VideoBitrate: 2800, AudioBitrate: 128},
	{Name: "480p", Resolution: 480, VideoBitrate: 1400, AudioBitrate: 128},
	{Name: "360p", Resolution: 360, VideoBitrate: 800, AudioBitrate: 96},
	{Name: "240p", Resolution: 240, VideoBitrate: 400, AudioBitrate: 64},
}

// AudioPreset is the single preset used for audio-only media.
var AudioPreset = Preset{Name: "audio", Resolution: 0, VideoBitrate: 0, AudioBitrate: 128}

// ApplicableVideoPresets returns the subset of VideoPresets usable for a
// source whose shorter side measures sourceResolution pixels: every preset
// at or below that resolution, or — if none qualify — the single smallest
// preset, so a source is never left without at least one rendition.
func ApplicableVideoPresets(sourceResolution int) []Preset {
	var out []Preset
	for _, p := range VideoPresets {
		if p.Resolution <= sourceResolution {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []Preset{VideoPresets[len(VideoPresets)-1]}
	}
	return out
}

// ByName looks up a preset by name among the applicable set for a source of
// the given resolution (or the single audio preset if isAudio is true). The
// second return value is false if the name does not match any applicable
// preset.
func ByName(name string, sourceResolution int, isAudio bool) (Preset, bool) {
	if isAudio {
		if name == AudioPreset.Name {
			return AudioPreset, true
		}
		return Preset{}, false
	}
	for _, p := range ApplicableVideoPresets(sourceResolution) {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}
