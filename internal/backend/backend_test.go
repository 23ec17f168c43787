package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhouse/hlsvod/internal/apperrors"
	"github.com/streamhouse/hlsvod/internal/quality"
)

// fakeFFmpeg writes an executable shell script standing in for ffmpeg: it
// prints each of lines to stdout with a short delay between them, then
// exits with exitCode. sleepBetween controls how fast the "encoder"
// appears to produce segments.
func fakeFFmpeg(t *testing.T, lines []string, exitCode int, sleepBetween time.Duration) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ffmpeg")

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	for _, l := range lines {
		b.WriteString("echo '" + l + "'\n")
		if sleepBetween > 0 {
			fmt.Fprintf(&b, "sleep %.3f\n", sleepBetween.Seconds())
		}
	}
	b.WriteString("exit " + itoa(exitCode) + "\n")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o755))
	return path
}

// fakeFFmpegBlocking behaves like fakeFFmpeg but sleeps for a long time
// after printing its lines, standing in for an encoder that has to be
// killed rather than exiting on its own.
func fakeFFmpegBlocking(t *testing.T, lines []string, sleepBetween time.Duration) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ffmpeg")

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	for _, l := range lines {
		b.WriteString("echo '" + l + "'\n")
		if sleepBetween > 0 {
			fmt.Fprintf(&b, "sleep %.3f\n", sleepBetween.Seconds())
		}
	}
	b.WriteString("sleep 300\n")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o755))
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	if neg {
		return "-" + digits
	}
	return digits
}

func newTestConfig(t *testing.T, ffmpegBinary string) Config {
	return Config{
		SourcePath:      "/media/test.mp3",
		OutputDir:       t.TempDir(),
		FFmpegBinary:    ffmpegBinary,
		Breakpoints:     []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		Preset:          quality.Preset{Name: "audio", AudioBitrate: 128},
		IsAudio:         true,
		MinBufferLength: 3,
		MaxBufferLength: 5,
	}
}

func TestBackend_SingleClientWarmStart(t *testing.T) {
	bin := fakeFFmpeg(t, []string{"audio-00000.ts", "audio-00001.ts", "audio-00002.ts"}, 0, 10*time.Millisecond)
	b := New(hclog.NewNullLogger(), newTestConfig(t, bin))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	path, err := b.GetSegment(ctx, "clientA", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "audio-00000.ts"))

	b.mu.Lock()
	assert.Equal(t, StatusDone, b.segmentStatus[0])
	b.mu.Unlock()
}

func TestBackend_TwoNearClientsCoalesce(t *testing.T) {
	bin := fakeFFmpegBlocking(t, []string{"audio-00000.ts", "audio-00001.ts"}, 15*time.Millisecond)
	b := New(hclog.NewNullLogger(), newTestConfig(t, bin))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	pathA, errA := b.GetSegment(ctx, "clientA", 0)
	require.NoError(t, errA)
	assert.True(t, strings.HasSuffix(pathA, "audio-00000.ts"))

	pathB, errB := b.GetSegment(ctx, "clientB", 1)
	require.NoError(t, errB)
	assert.True(t, strings.HasSuffix(pathB, "audio-00001.ts"))

	b.WaitRecalculation()

	b.mu.Lock()
	encoderCount := len(b.encoders)
	var head *encoderHead
	for _, e := range b.encoders {
		head = e
	}
	b.mu.Unlock()

	require.Equal(t, 1, encoderCount, "both nearby clients should share one encoder")

	b.mu.Lock()
	ca := b.clients["clientA"]
	cb := b.clients["clientB"]
	sameEncoder := ca.transcoder == head && cb.transcoder == head
	b.mu.Unlock()
	assert.True(t, sameEncoder)

	b.Destruct()
}

func TestBackend_ClientEviction_KillsOrphanedEncoder(t *testing.T) {
	bin := fakeFFmpegBlocking(t, []string{"audio-00000.ts"}, 15*time.Millisecond)
	b := New(hclog.NewNullLogger(), newTestConfig(t, bin))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := b.GetSegment(ctx, "solo", 0)
	require.NoError(t, err)

	b.RemoveClient("solo")
	b.WaitRecalculation()

	// Give the killed encoder's exit-handling goroutine a moment to run.
	time.Sleep(300 * time.Millisecond)

	b.mu.Lock()
	remaining := len(b.encoders)
	b.mu.Unlock()
	assert.Equal(t, 0, remaining, "encoder left with no attached clients must be killed")
}

func TestBackend_EncoderDeathMidStream_ResetsAndRetries(t *testing.T) {
	// This encoder dies (exit code 1) before announcing anything: the
	// request waiting on the segment it was supposed to produce must fail,
	// and the slot it owned must flip back to EMPTY so a later request can
	// retry it.
	bin := fakeFFmpeg(t, nil, 1, 0)
	b := New(hclog.NewNullLogger(), newTestConfig(t, bin))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := b.GetSegment(ctx, "client", 0)
	require.Error(t, err)
	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.KindEncoder, appErr.Kind)

	b.mu.Lock()
	assert.Equal(t, StatusEmpty, b.segmentStatus[0])
	b.mu.Unlock()

	// A fresh request for the same segment must spawn a new encoder rather
	// than wedge forever on the dead one's state.
	bin2 := fakeFFmpeg(t, []string{"audio-00000.ts"}, 0, 10*time.Millisecond)
	b.mu.Lock()
	b.cfg.FFmpegBinary = bin2
	b.mu.Unlock()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel2()
	path, err := b.GetSegment(ctx2, "client", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "audio-00000.ts"))
}

func TestFindNextAvailableID_Rotates(t *testing.T) {
	b := New(hclog.NewNullLogger(), newTestConfig(t, "/bin/true"))

	first, ok := b.findNextAvailableID()
	require.True(t, ok)
	assert.Equal(t, minEncoderID, first)

	b.encoders[first] = &encoderHead{id: first}
	second, ok := b.findNextAvailableID()
	require.True(t, ok)
	assert.NotEqual(t, first, second)
}

func TestFindNextAvailableID_ExhaustedReturnsFalse(t *testing.T) {
	b := New(hclog.NewNullLogger(), newTestConfig(t, "/bin/true"))
	for i := 0; i < idSpan; i++ {
		id := minEncoderID + byte(i)
		b.encoders[id] = &encoderHead{id: id}
	}
	_, ok := b.findNextAvailableID()
	assert.False(t, ok)
}

func TestParseSegmentIndex(t *testing.T) {
	i, err := ParseSegmentIndex("1")
	require.NoError(t, err)
	assert.Equal(t, 0, i)

	i, err = ParseSegmentIndex("a")
	require.NoError(t, err)
	assert.Equal(t, 9, i)

	_, err = ParseSegmentIndex("zz")
	assert.Error(t, err)
}

func TestGetSegment_OutOfRange(t *testing.T) {
	b := New(hclog.NewNullLogger(), newTestConfig(t, "/bin/true"))
	_, err := b.GetSegment(context.Background(), "c", 999)
	require.Error(t, err)
	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.KindRange, appErr.Kind)
}

func TestGetSegment_DeletedClientReturnsClientError(t *testing.T) {
	b := New(hclog.NewNullLogger(), newTestConfig(t, "/bin/true"))
	b.RemoveClient("ghost") // races the first request: leaves a deleted stub

	_, err := b.GetSegment(context.Background(), "ghost", 0)
	require.Error(t, err)
	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.KindClient, appErr.Kind)
}

func TestSnapshot_ReflectsSegmentStatusAndLiveClientCount(t *testing.T) {
	bin := fakeFFmpeg(t, []string{"audio-00000.ts"}, 0, 10*time.Millisecond)
	b := New(hclog.NewNullLogger(), newTestConfig(t, bin))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := b.GetSegment(ctx, "clientA", 0)
	require.NoError(t, err)

	status, clients, encoders := b.Snapshot()
	require.Len(t, status, b.N())
	assert.Equal(t, StatusDone, status[0])
	assert.Equal(t, 1, clients)
	assert.GreaterOrEqual(t, encoders, 0)

	b.RemoveClient("clientA")
	_, clients, _ = b.Snapshot()
	assert.Equal(t, 0, clients)
}
