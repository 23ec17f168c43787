// Package backend implements the per-(media, quality) state machine: the
// segment status array, encoder heads, client playheads, and the debounced
// recalculation loop that assigns encoders to clients and kills idle ones.
package backend

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/streamhouse/hlsvod/internal/apperrors"
	"github.com/streamhouse/hlsvod/internal/asyncutil"
	"github.com/streamhouse/hlsvod/internal/ffmpegproc"
	"github.com/streamhouse/hlsvod/internal/quality"
)

// Segment status byte values, per spec.md §3. Values 1 and 254 are reserved
// to leave headroom around the sentinels.
const (
	StatusEmpty byte = 0
	StatusDone  byte = 255

	minEncoderID byte = 2
	maxEncoderID byte = 253
	idSpan            = int(maxEncoderID-minEncoderID) + 1 // 252

	lookaheadSegments = 512
	clientGracePeriod = time.Second
)

// Config carries the fixed parameters a Backend needs for the lifetime of
// one (media, quality) pair. Breakpoints, SourcePath and OutputDir never
// change after construction, matching invariant 4 of spec.md §3.
type Config struct {
	SourcePath      string
	OutputDir       string
	FFmpegBinary    string
	Breakpoints     []float64
	Preset          quality.Preset
	IsAudio         bool
	MinBufferLength float64
	MaxBufferLength float64
}

type encoderHead struct {
	id     byte
	head   int
	end    int
	handle *ffmpegproc.Handle
}

type clientRecord struct {
	head       int
	transcoder *encoderHead
	deleted    bool
}

type segmentResult struct {
	filename string
	err      error
}

type waiter struct {
	ch chan segmentResult
}

// Backend is the state machine of spec.md §4.3. All state mutation happens
// under mu; the recalculation body additionally runs through a Debounced so
// its non-reentrant-safe scan of the whole state never overlaps itself.
type Backend struct {
	logger hclog.Logger
	cfg    Config

	mu             sync.Mutex
	segmentStatus  []byte
	encoders       map[byte]*encoderHead
	clients        map[string]*clientRecord
	waiters        map[int][]waiter
	lastAssignedID byte
	destructed     bool

	recalc *asyncutil.Debounced
}

// New constructs a Backend over an already-computed breakpoint vector. It
// does not start any encoders; those are spawned lazily as clients request
// segments.
func New(logger hclog.Logger, cfg Config) *Backend {
	n := len(cfg.Breakpoints) - 1
	if n < 0 {
		n = 0
	}
	b := &Backend{
		logger:        logger.Named("backend").With("quality", cfg.Preset.Name),
		cfg:           cfg,
		segmentStatus: make([]byte, n),
		encoders:      make(map[byte]*encoderHead),
		clients:       make(map[string]*clientRecord),
		waiters:       make(map[int][]waiter),
	}
	b.recalc = asyncutil.NewDebounced(b.recalculate)
	return b
}

// N returns the segment count.
func (b *Backend) N() int { return len(b.segmentStatus) }

// ParseSegmentIndex converts the 1-based hex segment index used on the wire
// (spec.md §4.3.6 step 2) into a 0-based index.
func ParseSegmentIndex(hex string) (int, error) {
	n, err := strconv.ParseInt(hex, 16, 64)
	if err != nil {
		return 0, apperrors.RangeError("parse_segment_index", err).WithDetail("raw", hex)
	}
	return int(n) - 1, nil
}

// GetSegment implements spec.md §4.3.6: it registers/updates the client's
// playhead, triggers a recalculation, and either serves an already-done
// segment immediately or waits for the encoder to produce it.
func (b *Backend) GetSegment(ctx context.Context, clientID string, index int) (string, error) {
	b.mu.Lock()
	c, ok := b.clients[clientID]
	if !ok {
		c = &clientRecord{head: -1}
		b.clients[clientID] = c
	} else if c.deleted {
		b.mu.Unlock()
		return "", apperrors.ClientError("backend.get_segment", apperrors.ErrClientDeleted)
	}

	if index < 0 || index >= b.N() {
		b.mu.Unlock()
		return "", apperrors.RangeError("backend.get_segment", apperrors.ErrSegmentOutOfRange).
			WithDetail("index", index).WithDetail("n", b.N())
	}

	c.head = index

	if b.segmentStatus[index] == StatusDone {
		path := b.segmentPathLocked(index)
		b.mu.Unlock()
		b.recalc.Trigger()
		return path, nil
	}

	ch := make(chan segmentResult, 1)
	b.waiters[index] = append(b.waiters[index], waiter{ch: ch})
	b.mu.Unlock()

	b.recalc.Trigger()

	select {
	case res := <-ch:
		if res.err != nil {
			return "", apperrors.EncoderError("backend.get_segment", res.err).WithDetail("index", index)
		}
		return filepath.Join(b.cfg.OutputDir, res.filename), nil
	case <-ctx.Done():
		b.detachWaiter(index, ch)
		return "", ctx.Err()
	}
}

func (b *Backend) segmentPathLocked(i int) string {
	return filepath.Join(b.cfg.OutputDir, b.segmentFilename(i))
}

func (b *Backend) segmentFilename(i int) string {
	return fmt.Sprintf("%s-%05d.ts", b.cfg.Preset.Name, i)
}

func (b *Backend) detachWaiter(index int, ch chan segmentResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ws := b.waiters[index]
	for i, w := range ws {
		if w.ch == ch {
			b.waiters[index] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(b.waiters[index]) == 0 {
		delete(b.waiters, index)
	}
}

// RemoveClient implements spec.md §4.3.7: mark the client deleted, trigger a
// recalculation, and drop the record after a grace period long enough for
// any in-flight request to have observed it.
func (b *Backend) RemoveClient(clientID string) {
	b.mu.Lock()
	c, ok := b.clients[clientID]
	if !ok {
		// A removal racing the very first segment request: leave a
		// pre-deleted stub so that request observes deleted=true.
		b.clients[clientID] = &clientRecord{head: -1, deleted: true}
		b.mu.Unlock()
		return
	}
	c.deleted = true
	b.mu.Unlock()

	b.recalc.Trigger()

	time.AfterFunc(clientGracePeriod, func() {
		b.mu.Lock()
		if cur, ok := b.clients[clientID]; ok && cur.deleted {
			delete(b.clients, clientID)
		}
		b.mu.Unlock()
	})
}

// Snapshot returns a point-in-time copy of the segment status array and the
// current client/encoder counts, for operator-facing reporting. Never used
// on the playback path.
func (b *Backend) Snapshot() (status []byte, clients int, encoders int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	status = make([]byte, len(b.segmentStatus))
	copy(status, b.segmentStatus)

	for _, c := range b.clients {
		if !c.deleted {
			clients++
		}
	}
	return status, clients, len(b.encoders)
}

// Destruct fires every pending segment-done listener with an eviction error
// and kills every live encoder. The caller (the owning media descriptor) is
// responsible for removing the output directory afterward.
func (b *Backend) Destruct() {
	b.mu.Lock()
	b.destructed = true
	for i, ws := range b.waiters {
		for _, w := range ws {
			w.ch <- segmentResult{err: apperrors.ErrMediaEvicted}
		}
		delete(b.waiters, i)
	}
	handles := make([]*ffmpegproc.Handle, 0, len(b.encoders))
	for _, enc := range b.encoders {
		handles = append(handles, enc.handle)
	}
	b.mu.Unlock()

	for _, h := range handles {
		h.Kill()
	}
}

// findNextAvailableID implements spec.md §4.3.1. Caller must hold mu.
func (b *Backend) findNextAvailableID() (byte, bool) {
	used := make(map[byte]bool, len(b.encoders))
	for id := range b.encoders {
		used[id] = true
	}
	for _, s := range b.segmentStatus {
		if s != StatusEmpty && s != StatusDone {
			used[s] = true
		}
	}

	start := int(b.lastAssignedID) % idSpan
	for i := 0; i < idSpan; i++ {
		candidate := minEncoderID + byte((start+i)%idSpan)
		if !used[candidate] {
			b.lastAssignedID = candidate
			return candidate, true
		}
	}
	return 0, false
}

// startTranscodeLocked implements spec.md §4.3.2. Caller must hold mu.
func (b *Backend) startTranscodeLocked(s int) error {
	n := b.N()
	if s < 0 || s >= n {
		return apperrors.RangeError("backend.start", apperrors.ErrSegmentOutOfRange)
	}
	if b.segmentStatus[s] != StatusEmpty {
		return fmt.Errorf("segment %d is not empty", s)
	}

	e := s + lookaheadSegments
	if e > n {
		e = n
	}
	for i := s + 1; i < e; i++ {
		if b.segmentStatus[i] != StatusEmpty {
			e = i
			break
		}
	}

	id, ok := b.findNextAvailableID()
	if !ok {
		return apperrors.EncoderError("backend.start", apperrors.ErrNoFreeEncoderID)
	}

	args := b.buildArgs(s, e)
	h, err := ffmpegproc.Start(context.Background(), b.logger, b.cfg.FFmpegBinary, args, ffmpegproc.EncoderTimeout)
	if err != nil {
		return apperrors.EncoderError("backend.start", err)
	}

	head := &encoderHead{id: id, head: s, end: e, handle: h}
	b.segmentStatus[s] = id
	b.encoders[id] = head

	go b.consume(head)

	return nil
}

// buildArgs constructs the ffmpeg invocation of spec.md §4.3.2 for the
// segment range [s, e).
func (b *Backend) buildArgs(s, e int) []string {
	bp := b.cfg.Breakpoints
	var args []string

	if s > 0 {
		args = append(args, "-ss", formatTime(bp[s]))
	}
	args = append(args, "-i", b.cfg.SourcePath, "-to", formatTime(bp[e]), "-copyts")

	times := make([]string, 0, e-s)
	for i := s + 1; i <= e; i++ {
		times = append(times, formatTime(bp[i]))
	}
	timesList := strings.Join(times, ",")

	if !b.cfg.IsAudio {
		args = append(args, "-force_key_frames", timesList)
	}

	args = append(args,
		"-f", "segment",
		"-segment_time_delta", "0.2",
		"-segment_format", "mpegts",
		"-segment_times", timesList,
		"-segment_start_number", strconv.Itoa(s),
		"-segment_list_type", "flat",
		"-segment_list", "pipe:1",
	)

	args = append(args, b.codecArgs()...)

	pattern := filepath.Join(b.cfg.OutputDir, b.cfg.Preset.Name+"-%05d.ts")
	args = append(args, pattern)
	return args
}

func (b *Backend) codecArgs() []string {
	p := b.cfg.Preset
	if b.cfg.IsAudio {
		return []string{"-vn", "-c:a", "aac", "-b:a", strconv.Itoa(p.AudioBitrate) + "k"}
	}
	return []string{
		"-c:v", "libx264",
		"-b:v", strconv.Itoa(p.VideoBitrate) + "k",
		"-vf", fmt.Sprintf("scale=-2:%d", p.Resolution),
		"-c:a", "aac",
		"-b:a", strconv.Itoa(p.AudioBitrate) + "k",
	}
}

func formatTime(t float64) string {
	return strconv.FormatFloat(t, 'f', 6, 64)
}

// consume implements spec.md §4.3.3/§4.3.4: it reads ffmpeg's stdout
// protocol until the process exits, then runs the exit-handling step.
func (b *Backend) consume(head *encoderHead) {
	killedEarly := false
	for line := range head.handle.Lines() {
		if i, ok := parseSegmentIndex(b.cfg.Preset.Name, line); ok {
			if b.onSegmentEmitted(head, i) {
				killedEarly = true
				break
			}
		} else {
			b.logger.Debug("unrecognized encoder stdout line", "line", line)
		}
	}
	if killedEarly {
		// We stopped reading before ffmpeg's stdout pipe actually closed;
		// drain the rest so the reader goroutine never blocks on a full
		// buffer waiting for a receiver that no longer exists.
		go func() {
			for range head.handle.Lines() {
			}
		}()
	}
	b.onEncoderExit(head)
}

func parseSegmentIndex(preset, line string) (int, bool) {
	prefix := preset + "-"
	if !strings.HasPrefix(line, prefix) || !strings.HasSuffix(line, ".ts") {
		return 0, false
	}
	numStr := strings.TrimSuffix(strings.TrimPrefix(line, prefix), ".ts")
	n, err := strconv.Atoi(numStr)
	if err != nil {
		return 0, false
	}
	return n, true
}

// onSegmentEmitted implements spec.md §4.3.3. It returns true when it has
// killed the encoder, and false while the encoder keeps going or is expected
// to exit on its own after its last segment.
func (b *Backend) onSegmentEmitted(head *encoderHead, i int) bool {
	b.mu.Lock()

	if i != head.head {
		if b.segmentStatus[head.head] == head.id {
			b.segmentStatus[head.head] = StatusEmpty
		}
		b.logger.Warn("segment index drift", "expected", head.head, "got", i, "encoder", head.id)
	}

	b.segmentStatus[i] = StatusDone
	b.fireDoneLocked(i, b.segmentFilename(i))

	if i >= head.end-1 {
		b.mu.Unlock()
		return false // ffmpeg is expected to exit on its own
	}

	if b.segmentStatus[i+1] != StatusEmpty {
		b.mu.Unlock()
		head.handle.Kill()
		return true
	}

	keepGoing := false
	for _, c := range b.clients {
		if c.transcoder != head || c.head < 0 {
			continue
		}
		buffered := b.cfg.Breakpoints[i+1] - b.cfg.Breakpoints[c.head]
		if buffered < b.cfg.MaxBufferLength {
			keepGoing = true
			break
		}
	}

	if keepGoing {
		head.head = i + 1
		b.segmentStatus[head.head] = head.id
		b.mu.Unlock()
		return false
	}

	b.mu.Unlock()
	head.handle.Kill()
	return true
}

// onEncoderExit implements spec.md §4.3.4.
func (b *Backend) onEncoderExit(head *encoderHead) {
	code, err := head.handle.Wait()
	if code != 0 && code != 255 {
		b.logger.Warn("encoder exited unexpectedly", "code", code, "id", head.id, "error", err)
	}

	b.mu.Lock()
	if b.segmentStatus[head.head] == head.id {
		b.segmentStatus[head.head] = StatusEmpty
		b.fireErrorLocked(head.head, apperrors.ErrEncoderDied)
	}
	delete(b.encoders, head.id)
	b.mu.Unlock()

	b.recalc.Trigger()
}

func (b *Backend) fireDoneLocked(i int, filename string) {
	ws := b.waiters[i]
	delete(b.waiters, i)
	for _, w := range ws {
		w.ch <- segmentResult{filename: filename}
	}
}

func (b *Backend) fireErrorLocked(i int, err error) {
	ws := b.waiters[i]
	delete(b.waiters, i)
	for _, w := range ws {
		w.ch <- segmentResult{err: err}
	}
}

type pendingClient struct {
	id            string
	firstToEncode int
}

// recalculate implements spec.md §4.3.5. It is only ever run through the
// Debounced wrapper, so it never needs to worry about reentrancy.
func (b *Backend) recalculate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destructed {
		return
	}

	byHead := make(map[int]*encoderHead, len(b.encoders))
	for _, enc := range b.encoders {
		existing, collide := byHead[enc.head]
		if !collide {
			byHead[enc.head] = enc
			continue
		}
		loser := enc
		if enc.id < existing.id {
			loser = existing
			byHead[enc.head] = enc
		}
		b.logger.Warn("two encoder heads share an index, killing the duplicate", "index", enc.head)
		go loser.handle.Kill()
	}

	var pending []pendingClient
	for cid, c := range b.clients {
		if c.deleted || c.head < 0 {
			continue
		}
		first := -1
		for i := c.head; i < b.N(); i++ {
			if b.cfg.Breakpoints[i]-b.cfg.Breakpoints[c.head] >= b.cfg.MinBufferLength {
				break
			}
			if b.segmentStatus[i] != StatusDone {
				first = i
				break
			}
		}
		if first == -1 {
			continue
		}
		if enc, ok := byHead[first]; ok {
			c.transcoder = enc
			continue
		}
		if enc, ok := byHead[first-1]; ok {
			c.transcoder = enc
			continue
		}
		pending = append(pending, pendingClient{id: cid, firstToEncode: first})
	}

	for _, enc := range byHead {
		attached := false
		for _, c := range b.clients {
			if !c.deleted && c.transcoder == enc {
				attached = true
				break
			}
		}
		if !attached {
			b.logger.Debug("killing encoder with no attached clients", "id", enc.id, "head", enc.head)
			go enc.handle.Kill()
		}
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].firstToEncode < pending[j].firstToEncode })

	var lastStarted *encoderHead
	for _, p := range pending {
		c := b.clients[p.id]
		if c == nil || c.deleted {
			continue
		}
		if lastStarted != nil && (p.firstToEncode == lastStarted.head || p.firstToEncode == lastStarted.head-1) {
			c.transcoder = lastStarted
			continue
		}
		if b.segmentStatus[p.firstToEncode] != StatusEmpty {
			continue
		}
		if err := b.startTranscodeLocked(p.firstToEncode); err != nil {
			b.logger.Error("failed to start transcode", "segment", p.firstToEncode, "error", err)
			continue
		}
		lastStarted = b.encoders[b.segmentStatus[p.firstToEncode]]
		c.transcoder = lastStarted
	}
}

// WaitRecalculation blocks until no recalculation is in flight or queued.
// Intended for tests; production callers never synchronise on it.
func (b *Backend) WaitRecalculation() {
	b.recalc.Wait()
}
