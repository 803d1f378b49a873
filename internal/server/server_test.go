package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/voicerec/internal/capture/capturetest"
	"github.com/audiolibrelab/voicerec/internal/config"
	"github.com/audiolibrelab/voicerec/internal/library"
	"github.com/audiolibrelab/voicerec/internal/playback"
	"github.com/audiolibrelab/voicerec/internal/recording"
	"github.com/audiolibrelab/voicerec/internal/service"
	"github.com/audiolibrelab/voicerec/internal/session"
)

type nopStream struct {
	done chan struct{}
	once sync.Once
}

func (s *nopStream) ID() int               { return 777 }
func (s *nopStream) Done() <-chan struct{} { return s.done }
func (s *nopStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type nopPlayer struct{}

func (nopPlayer) Open(ctx context.Context, target recording.Target) (playback.Stream, error) {
	return &nopStream{done: make(chan struct{})}, nil
}

func newTestServer(t *testing.T) (*Server, *capturetest.Device) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Output.Directory = t.TempDir()
	cfg.Output.Format = "wav"

	device := &capturetest.Device{WriteFiles: true}
	svc := service.New(cfg, service.Deps{Device: device, Player: nopPlayer{}})
	t.Cleanup(func() { svc.Close(context.Background()) })

	return New(svc, "default"), device
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), "body: %s", w.Body.String())
	return body
}

func TestRecordPauseStopFlow(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodPost, "/api/record", `{"name":"interview"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	rec := body["recording"].(map[string]any)
	assert.Equal(t, "interview", rec["name"])

	w = do(t, s, http.MethodPost, "/api/pause", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "paused", decode(t, w)["state"])

	w = do(t, s, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, session.Paused, status.Session.State)
	assert.True(t, status.Session.Controls.Resume.Enabled)
	assert.Equal(t, "default", status.ActiveProfile)

	w = do(t, s, http.MethodPost, "/api/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	final := decode(t, w)["recording"].(map[string]any)
	assert.Equal(t, "4.0 KB", final["size_human"])
	assert.Equal(t, rec["id"], final["id"])
}

func TestIgnoredIntentsConflict(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodPost, "/api/pause", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, false, decode(t, w)["success"])

	w = do(t, s, http.MethodPost, "/api/stop", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/record", "").Code)
	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/api/record", "").Code)
	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/api/play", "").Code)
}

func TestRecordBusyDevice(t *testing.T) {
	s, device := newTestServer(t)
	device.Fail(capturetest.OpBegin, recording.ErrResourceBusy)

	w := do(t, s, http.MethodPost, "/api/record", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, http.MethodGet, "/api/status", "")
	var status StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, session.Idle, status.Session.State)
	assert.Contains(t, status.Message, "busy")
}

func TestRecordDeviceFailure(t *testing.T) {
	s, device := newTestServer(t)
	device.Fail(capturetest.OpBegin, fmt.Errorf("%w: no such device", recording.ErrResource))

	assert.Equal(t, http.StatusInternalServerError, do(t, s, http.MethodPost, "/api/record", "").Code)
}

func TestRecordingsListStreamAndPlay(t *testing.T) {
	s, _ := newTestServer(t)

	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/record", `{"name":"memo"}`).Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/stop", "").Code)

	w := do(t, s, http.MethodGet, "/api/recordings", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 1, body["total"])
	entry := body["recordings"].([]any)[0].(map[string]any)
	streamURL := entry["stream_url"].(string)

	w = do(t, s, http.MethodGet, streamURL, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, capturetest.FinalizedSize, w.Body.Len())
	assert.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))

	w = do(t, s, http.MethodPost, "/api/play", fmt.Sprintf(`{"id":%q}`, entry["id"]))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 777, decode(t, w)["playback"].(map[string]any)["id"])

	w = do(t, s, http.MethodPost, "/api/play/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/api/recordings/unknown/stream", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConfigEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	var info ResolvedConfigInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "wav", info.Format)
	assert.Equal(t, config.BackendPulse, info.Backend)
}

func TestBadRequestBody(t *testing.T) {
	s, _ := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/record", `{"name":`).Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("record: %w", session.ErrInvalidTransition)))
	assert.Equal(t, http.StatusConflict, statusFor(recording.ErrResourceBusy))
	assert.Equal(t, http.StatusNotFound, statusFor(library.ErrNotFound))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(session.ErrClosed))
	assert.Equal(t, http.StatusInternalServerError, statusFor(recording.ErrNotBound))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestWebSocketStreamsSnapshots(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first wsMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, session.Idle, first.Snapshot.State)

	resp, err := http.Post(ts.URL+"/api/record", "application/json", strings.NewReader(`{"name":"live"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for {
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == session.EventState && msg.Snapshot.State == session.Recording {
			require.NotNil(t, msg.Snapshot.Target)
			assert.Equal(t, "live", msg.Snapshot.Target.Name)
			break
		}
	}
}
