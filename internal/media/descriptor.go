// Package media owns the per-file descriptor: probing, breakpoint
// computation, lazy per-quality backends, and manifest rendering, plus the
// async LRU map that bounds how many descriptors are live at once.
package media

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/streamhouse/hlsvod/internal/apperrors"
	"github.com/streamhouse/hlsvod/internal/asyncutil"
	"github.com/streamhouse/hlsvod/internal/backend"
	"github.com/streamhouse/hlsvod/internal/manifest"
	"github.com/streamhouse/hlsvod/internal/mediainfo"
	"github.com/streamhouse/hlsvod/internal/planner"
	"github.com/streamhouse/hlsvod/internal/quality"
)

// Key identifies one media descriptor: a media type ("video" or "audio")
// paired with the path relative to the configured media root.
type Key struct {
	Type string
	Path string
}

// Config carries the parameters shared by every descriptor constructed by a
// Store, mirroring spec.md §6.5.
type Config struct {
	RootPath        string
	CacheRoot       string
	FFmpegBinary    string
	FFprobeBinary   string
	TargetLength    float64
	Tolerance       float64
	MinBufferLength float64
	MaxBufferLength float64
}

// Descriptor is the media descriptor of spec.md §4.2: one per (type,
// relative-path) key, owning a breakpoint vector and a lazily constructed
// backend per applicable quality.
type Descriptor struct {
	logger hclog.Logger
	cfg    Config

	sourcePath string
	isAudio    bool
	outputDir  string

	breakpoints []float64
	presets     []quality.Preset
	sourceW     int
	sourceH     int

	mu       sync.Mutex
	backends map[string]*backend.Backend
}

func outputDirFor(cacheRoot, absSourcePath string) string {
	sum := md5.Sum([]byte(absSourcePath))
	return filepath.Join(cacheRoot, hex.EncodeToString(sum[:]))
}

// construct probes the source, derives breakpoints and the applicable
// quality set, and prepares (but does not yet use) the output directory.
// It is the constructor half of the Store's async LRU contract.
func construct(logger hclog.Logger, cfg Config, key Key) (*Descriptor, error) {
	isAudio := key.Type == "audio"
	sourcePath := filepath.Join(cfg.RootPath, key.Path)

	absPath, err := filepath.Abs(sourcePath)
	if err != nil {
		return nil, apperrors.MediaError("media.construct", err)
	}
	outputDir := outputDirFor(cfg.CacheRoot, absPath)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, apperrors.MediaError("media.construct", err)
	}

	prober := mediainfo.NewProber(logger, cfg.FFprobeBinary)

	d := &Descriptor{
		logger:     logger.Named("media").With("type", key.Type, "path", key.Path),
		cfg:        cfg,
		sourcePath: sourcePath,
		isAudio:    isAudio,
		outputDir:  outputDir,
		backends:   make(map[string]*backend.Backend),
	}

	if isAudio {
		info, err := prober.Audio(context.Background(), sourcePath)
		if err != nil {
			os.RemoveAll(outputDir)
			return nil, err
		}
		d.breakpoints = planner.Plan(nil, info.Duration, cfg.TargetLength, cfg.Tolerance)
		d.presets = []quality.Preset{quality.AudioPreset}
		return d, nil
	}

	info, err := prober.Video(context.Background(), sourcePath)
	if err != nil {
		os.RemoveAll(outputDir)
		return nil, err
	}
	d.breakpoints = planner.Plan(info.IFrames, info.Duration, cfg.TargetLength, cfg.Tolerance)
	d.sourceW, d.sourceH = info.Width, info.Height

	shortSide := info.Height
	if info.Width < info.Height {
		shortSide = info.Width
	}
	d.presets = quality.ApplicableVideoPresets(shortSide)
	return d, nil
}

// destruct implements spec.md §4.2's destruct(): destruct every constructed
// backend, then remove the output directory.
func destruct(_ Key, d *Descriptor) {
	d.mu.Lock()
	backends := make([]*backend.Backend, 0, len(d.backends))
	for _, b := range d.backends {
		backends = append(backends, b)
	}
	d.mu.Unlock()

	for _, b := range backends {
		b.Destruct()
	}
	os.RemoveAll(d.outputDir)
}

// Backend returns (constructing lazily) the quality backend for name,
// spawning no encoders until a client actually asks for a segment.
func (d *Descriptor) Backend(name string) (*backend.Backend, error) {
	preset, ok := d.findPreset(name)
	if !ok {
		return nil, apperrors.QualityError("media.backend", apperrors.ErrUnknownQuality).WithDetail("quality", name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.backends[name]; ok {
		return b, nil
	}

	b := backend.New(d.logger, backend.Config{
		SourcePath:      d.sourcePath,
		OutputDir:       d.outputDir,
		FFmpegBinary:    d.cfg.FFmpegBinary,
		Breakpoints:     d.breakpoints,
		Preset:          preset,
		IsAudio:         d.isAudio,
		MinBufferLength: d.cfg.MinBufferLength,
		MaxBufferLength: d.cfg.MaxBufferLength,
	})
	d.backends[name] = b
	return b, nil
}

func (d *Descriptor) findPreset(name string) (quality.Preset, bool) {
	for _, p := range d.presets {
		if p.Name == name {
			return p, true
		}
	}
	return quality.Preset{}, false
}

// OutputDir exposes the scratch directory segments are served from.
func (d *Descriptor) OutputDir() string { return d.outputDir }

// IsAudio reports whether this descriptor wraps an audio-only source.
func (d *Descriptor) IsAudio() bool { return d.isAudio }

// Presets returns the applicable quality presets, descending by resolution
// for video and the single audio preset for audio.
func (d *Descriptor) Presets() []quality.Preset {
	out := make([]quality.Preset, len(d.presets))
	copy(out, d.presets)
	return out
}

// MasterManifest implements spec.md §4.2's masterManifest(). For audio the
// master manifest is the single variant manifest verbatim.
func (d *Descriptor) MasterManifest() string {
	maxSeg := d.cfg.TargetLength + d.cfg.Tolerance
	if d.isAudio {
		return manifest.Variant(d.breakpoints, d.presets[0].Name, maxSeg)
	}

	entries := make([]manifest.StreamEntry, 0, len(d.presets))
	for _, p := range d.presets {
		w, h := manifest.ScaledResolution(d.sourceW, d.sourceH, p.Resolution)
		entries = append(entries, manifest.StreamEntry{
			Name:         p.Name,
			URL:          fmt.Sprintf("quality-%s.m3u8", p.Name),
			VideoBitrate: p.VideoBitrate,
			AudioBitrate: p.AudioBitrate,
			Width:        w,
			Height:       h,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Width > entries[j].Width })
	return manifest.Master(entries)
}

// VariantManifest implements the per-quality playlist of spec.md §6.3.
func (d *Descriptor) VariantManifest(qualityName string) (string, error) {
	if _, ok := d.findPreset(qualityName); !ok {
		return "", apperrors.QualityError("media.variant_manifest", apperrors.ErrUnknownQuality).WithDetail("quality", qualityName)
	}
	maxSeg := d.cfg.TargetLength + d.cfg.Tolerance
	return manifest.Variant(d.breakpoints, qualityName, maxSeg), nil
}

// Store is the async LRU of media descriptors, bounding the number of
// concurrently probed/tracked files, per spec.md §4.4.
type Store struct {
	lru *asyncutil.AsyncLRU[Key, *Descriptor]
}

// NewStore constructs a Store with the given capacity (fixed at 20 in
// production, per spec.md §4.5).
func NewStore(logger hclog.Logger, cfg Config, capacity int) *Store {
	named := logger.Named("media-store")
	s := &Store{}
	s.lru = asyncutil.New[Key, *Descriptor](
		capacity,
		func(key Key) (*Descriptor, error) { return construct(named, cfg, key) },
		destruct,
		named,
	)
	return s
}

// Get resolves the descriptor for key, constructing it on first access.
func (s *Store) Get(key Key) (*Descriptor, error) {
	return s.lru.Get(key)
}

// Delete evicts key, returning a channel closed once destruction completes.
func (s *Store) Delete(key Key) <-chan struct{} {
	return s.lru.Delete(key)
}

// Len reports the number of live descriptors.
func (s *Store) Len() int { return s.lru.Len() }
