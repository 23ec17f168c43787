package httpapi

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"
	"github.com/gin-gonic/gin"

	"github.com/streamhouse/hlsvod/internal/apperrors"
	"github.com/streamhouse/hlsvod/internal/backend"
	"github.com/streamhouse/hlsvod/internal/media"
)

var videoExtensions = map[string]bool{
	".mp4": true, ".mkv": true, ".avi": true, ".mov": true,
	".webm": true, ".wmv": true, ".flv": true, ".m4v": true,
}

var audioExtensions = map[string]bool{
	".mp3": true, ".flac": true, ".wav": true, ".m4a": true,
	".ogg": true, ".aac": true, ".wma": true,
}

// nativeExtensions are playable by an unmodified <video>/<audio> tag in most
// browsers, used only to derive the advisory maybeNativelySupported hint.
var nativeExtensions = map[string]bool{
	".mp4": true, ".webm": true, ".m4v": true, ".m4a": true,
	".mp3": true, ".ogg": true, ".wav": true,
}

func classifyPath(path string) (mediaType string, ok bool) {
	ext := strings.ToLower(filepath.Ext(path))
	if audioExtensions[ext] {
		return "audio", true
	}
	if videoExtensions[ext] {
		return "video", true
	}
	return "", false
}

// probeResponse mirrors spec.md §6.1's GET /media/:file shape, enriched
// with optional audio tag metadata.
type probeResponse struct {
	Type                   string     `json:"type"`
	MaybeNativelySupported bool       `json:"maybeNativelySupported"`
	BufferLength           float64    `json:"bufferLength"`
	Tags                   *tagFields `json:"tags,omitempty"`
}

type tagFields struct {
	Title  string `json:"title,omitempty"`
	Artist string `json:"artist,omitempty"`
	Album  string `json:"album,omitempty"`
}

func (h *Handler) handleProbe(c *gin.Context) {
	relPath := strings.TrimPrefix(c.Param("file"), "/")
	if relPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file path"})
		return
	}

	mediaType, ok := classifyPath(relPath)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unrecognised media extension"})
		return
	}

	sourcePath := filepath.Join(h.cfg.RootPath, relPath)
	if _, err := h.prober.Format(c.Request.Context(), sourcePath); err != nil {
		h.logger.Warn("probe failed", "path", relPath, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "probe failed: " + err.Error()})
		return
	}

	resp := probeResponse{
		Type:                   mediaType,
		MaybeNativelySupported: !h.cfg.NoShortCircuit && nativeExtensions[strings.ToLower(filepath.Ext(relPath))],
		BufferLength:           h.cfg.BufferLength.Seconds(),
	}
	if mediaType == "audio" {
		resp.Tags = readAudioTags(sourcePath)
	}

	c.JSON(http.StatusOK, resp)
}

// readAudioTags enriches the probe response with ID3/Vorbis/MP4 metadata.
// Failure to read tags is not an error for the probe endpoint: the file is
// still usable, it just lacks a title/artist/album hint.
func readAudioTags(path string) *tagFields {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		return nil
	}
	return &tagFields{Title: m.Title(), Artist: m.Artist(), Album: m.Album()}
}

// mediaPathParts is the result of splitting the combined ":type.:client"
// segment and the trailing action segment of a request, since gin's router
// cannot split multiple parameters sharing one path segment.
type mediaPathParts struct {
	mediaType string
	clientID  string
	relPath   string
	action    string
}

func parseTypeClient(typeclient string) (mediaType, clientID string, ok bool) {
	i := strings.IndexByte(typeclient, '.')
	if i < 0 {
		return "", "", false
	}
	return typeclient[:i], typeclient[i+1:], true
}

// splitMediaPath separates the "mediapath" wildcard tail (everything after
// /:typeclient/) into the source file's relative path and the final path
// segment, which carries the action (master.m3u8, quality-X.m3u8, or
// X.segment.ts).
func splitMediaPath(wildcard string) (relPath, action string, ok bool) {
	trimmed := strings.TrimPrefix(wildcard, "/")
	if trimmed == "" {
		return "", "", false
	}
	i := strings.LastIndexByte(trimmed, '/')
	if i < 0 {
		return "", "", false
	}
	return trimmed[:i], trimmed[i+1:], true
}

func (h *Handler) parseMediaPath(c *gin.Context) (mediaPathParts, bool) {
	mediaType, clientID, ok := parseTypeClient(c.Param("typeclient"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed type.client segment"})
		return mediaPathParts{}, false
	}
	relPath, action, ok := splitMediaPath(c.Param("mediapath"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return mediaPathParts{}, false
	}
	return mediaPathParts{mediaType: mediaType, clientID: clientID, relPath: relPath, action: action}, true
}

func (h *Handler) handleMediaGet(c *gin.Context) {
	parts, ok := h.parseMediaPath(c)
	if !ok {
		return
	}

	switch {
	case parts.action == "master.m3u8":
		h.serveMaster(c, parts)
	case strings.HasPrefix(parts.action, "quality-") && strings.HasSuffix(parts.action, ".m3u8"):
		qualityName := strings.TrimSuffix(strings.TrimPrefix(parts.action, "quality-"), ".m3u8")
		h.serveVariant(c, parts, qualityName)
	case strings.HasSuffix(parts.action, ".ts"):
		h.serveSegment(c, parts)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	}
}

func (h *Handler) serveMaster(c *gin.Context, parts mediaPathParts) {
	d, err := h.store.Get(media.Key{Type: parts.mediaType, Path: parts.relPath})
	if err != nil {
		writeAppError(c, err)
		return
	}

	c.Header("Content-Type", "application/vnd.apple.mpegurl")
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.String(http.StatusOK, d.MasterManifest())
}

// serveVariant also routes the requesting client to the target backend, per
// spec.md §6.1 ("also routes the client to that backend"), so the encoder
// for that quality is already warming up by the time the client requests
// its first segment.
func (h *Handler) serveVariant(c *gin.Context, parts mediaPathParts, qualityName string) {
	if _, err := h.router.GetBackend(parts.clientID, parts.mediaType, parts.relPath, qualityName); err != nil {
		writeAppError(c, err)
		return
	}

	d, err := h.store.Get(media.Key{Type: parts.mediaType, Path: parts.relPath})
	if err != nil {
		writeAppError(c, err)
		return
	}
	manifestBody, err := d.VariantManifest(qualityName)
	if err != nil {
		writeAppError(c, err)
		return
	}

	c.Header("Content-Type", "application/vnd.apple.mpegurl")
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.String(http.StatusOK, manifestBody)
}

func (h *Handler) serveSegment(c *gin.Context, parts mediaPathParts) {
	fields := strings.Split(parts.action, ".")
	if len(fields) != 3 || fields[2] != "ts" {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	qualityName, hexIndex := fields[0], fields[1]

	index, err := backend.ParseSegmentIndex(hexIndex)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed segment index"})
		return
	}

	b, err := h.router.GetBackend(parts.clientID, parts.mediaType, parts.relPath, qualityName)
	if err != nil {
		writeAppError(c, err)
		return
	}

	path, err := b.GetSegment(c.Request.Context(), parts.clientID, index)
	if err != nil {
		writeAppError(c, err)
		return
	}

	c.Header("Content-Type", "video/mp2t")
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.File(path)
}

func (h *Handler) handleDeregister(c *gin.Context) {
	mediaType, clientID, ok := parseTypeClient(c.Param("typeclient"))
	if !ok || mediaType != "hls" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected hls.:client"})
		return
	}
	h.router.RemoveClient(clientID)
	c.JSON(http.StatusOK, gin.H{"message": "deregistered"})
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.health.Snapshot())
}

// writeAppError maps an apperrors.Kind to the HTTP status spec.md §7
// requires: 409 for a deleted client, 500 for everything else (out-of-range
// indices, unknown qualities, probe/encoder failures).
func writeAppError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Kind == apperrors.KindClient {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
