// Package wsdebug streams a periodic JSON snapshot of every live backend's
// state to connected operator clients over a websocket, gated on
// config.Debug. Never on the client playback path.
package wsdebug

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
)

// BackendSnapshot describes one live (media, quality) backend for the
// debug feed.
type BackendSnapshot struct {
	File          string `json:"file"`
	Quality       string `json:"quality"`
	SegmentStatus []byte `json:"segment_status"`
	Clients       int    `json:"clients"`
	Encoders      int    `json:"encoders"`
}

// SnapshotSource is implemented by whatever can enumerate live backends;
// kept as a narrow interface so this package never imports the backend or
// router packages directly.
type SnapshotSource interface {
	Snapshot() []BackendSnapshot
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades the connection and writes one JSON frame per interval
// until the client disconnects or the request context is cancelled.
func Handler(logger hclog.Logger, source SnapshotSource, interval time.Duration) http.HandlerFunc {
	logger = logger.Named("wsdebug")
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteJSON(source.Snapshot()); err != nil {
					logger.Debug("websocket write failed, closing", "error", err)
					return
				}
			}
		}
	}
}
