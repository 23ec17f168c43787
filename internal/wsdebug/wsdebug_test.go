package wsdebug

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

type fixedSource struct{ snap []BackendSnapshot }

func (f fixedSource) Snapshot() []BackendSnapshot { return f.snap }

func TestHandler_StreamsSnapshotFrames(t *testing.T) {
	source := fixedSource{snap: []BackendSnapshot{
		{File: "movie.mkv", Quality: "720p", SegmentStatus: []byte{255, 0}, Clients: 1, Encoders: 1},
	}}

	server := httptest.NewServer(Handler(hclog.NewNullLogger(), source, 10*time.Millisecond))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var got []BackendSnapshot
	require.NoError(t, conn.ReadJSON(&got))
	require.Len(t, got, 1)
	require.Equal(t, "movie.mkv", got[0].File)
	require.Equal(t, "720p", got[0].Quality)
}
