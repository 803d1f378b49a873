package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/audiolibrelab/voicerec/internal/config"
	"github.com/audiolibrelab/voicerec/internal/library"
	"github.com/audiolibrelab/voicerec/internal/playback"
	"github.com/audiolibrelab/voicerec/internal/recording"
	"github.com/audiolibrelab/voicerec/internal/service"
	"github.com/audiolibrelab/voicerec/internal/session"
)

const (
	writeWait       = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Server represents the web server for controlling voicerec
type Server struct {
	service       service.Service
	cfg           *config.Config
	activeProfile string
	port          string

	router   *gin.Engine
	upgrader websocket.Upgrader
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Session       session.Snapshot `json:"session"`
	Elapsed       string           `json:"elapsed"`
	Playback      *PlaybackInfo    `json:"playback,omitempty"`
	Message       string           `json:"message,omitempty"`
	ActiveProfile string           `json:"active_profile"`
}

// PlaybackInfo describes the open playback session
type PlaybackInfo struct {
	ID        int    `json:"id"`
	Recording string `json:"recording"`
	Name      string `json:"name"`
}

// RecordingInfo is a catalog entry as the UI lists it
type RecordingInfo struct {
	recording.Target
	SizeHuman     string `json:"size_human"`
	DurationHuman string `json:"duration_human"`
	StreamURL     string `json:"stream_url"`
}

// ResolvedConfigInfo contains configuration information for the UI
type ResolvedConfigInfo struct {
	ActiveProfile string                  `json:"active_profile"`
	Backend       string                  `json:"backend"`
	Device        string                  `json:"device"`
	SampleRate    int                     `json:"sample_rate"`
	Channels      int                     `json:"channels"`
	OutputDir     string                  `json:"output_dir"`
	Format        string                  `json:"format"`
	Inheritance   *config.InheritanceInfo `json:"inheritance,omitempty"`
}

type recordRequest struct {
	Name string `json:"name"`
}

type playRequest struct {
	ID string `json:"id"`
}

// wsMessage is one frame of the /ws stream
type wsMessage struct {
	Type     session.EventKind `json:"type"`
	Snapshot session.Snapshot  `json:"snapshot"`
	Elapsed  string            `json:"elapsed"`
	Error    string            `json:"error,omitempty"`
}

// New creates a server for svc. activeProfile is only reported to clients.
func New(svc service.Service, activeProfile string) *Server {
	s := &Server{
		service:       svc,
		cfg:           svc.GetConfig(),
		activeProfile: activeProfile,
		port:          svc.GetConfig().Server.Port,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler serving every endpoint
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/", s.handleIndex)
	r.GET("/ws", s.handleWebSocket)

	api := r.Group("/api")
	api.POST("/record", s.handleRecord)
	api.POST("/pause", s.handlePause)
	api.POST("/stop", s.handleStop)
	api.POST("/play", s.handlePlay)
	api.POST("/play/stop", s.handleStopPlayback)
	api.GET("/status", s.handleStatus)
	api.GET("/config", s.handleConfig)
	api.GET("/recordings", s.handleRecordings)
	api.POST("/recordings/sync", s.handleSync)
	api.GET("/recordings/:id/stream", s.handleRecordingStream)

	return r
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    ":" + s.port,
		Handler: s.router,
	}

	localIP := getLocalIP()
	slog.Info("Starting voicerec web server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("web server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down web server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("web server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleIndex serves a minimal page listing the API
func (s *Server) handleIndex(c *gin.Context) {
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>voicerec</title>
</head>
<body>
    <h1>voicerec</h1>
    <ul>
        <li>POST /api/record - Start recording</li>
        <li>POST /api/pause - Pause or resume</li>
        <li>POST /api/stop - Stop and finalize</li>
        <li>POST /api/play - Play a recording</li>
        <li>POST /api/play/stop - Stop playback</li>
        <li>GET /api/status - Session status</li>
        <li>GET /api/recordings - List recordings</li>
        <li>GET /ws - Live session updates</li>
    </ul>
</body>
</html>`

func (s *Server) handleRecord(c *gin.Context) {
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.sendErrorResponse(c, http.StatusBadRequest, "Invalid request body", "error", err)
		return
	}

	target, err := s.service.OnRecord(c.Request.Context(), req.Name)
	if err != nil {
		s.sendServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"recording": target,
		"session":   s.service.Snapshot(),
	})
}

func (s *Server) handlePause(c *gin.Context) {
	state, err := s.service.OnTogglePause(c.Request.Context())
	if err != nil {
		s.sendServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"state":   state,
		"session": s.service.Snapshot(),
	})
}

func (s *Server) handleStop(c *gin.Context) {
	final, err := s.service.OnStop(c.Request.Context())
	if err != nil {
		s.sendServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"recording": s.recordingInfo(final),
		"session":   s.service.Snapshot(),
	})
}

func (s *Server) handlePlay(c *gin.Context) {
	var req playRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.sendErrorResponse(c, http.StatusBadRequest, "Invalid request body", "error", err)
		return
	}

	ps, err := s.service.OnPlay(c.Request.Context(), req.ID)
	if err != nil {
		s.sendServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"playback": playbackInfo(ps),
	})
}

func (s *Server) handleStopPlayback(c *gin.Context) {
	if err := s.service.OnStopPlayback(); err != nil {
		s.sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleStatus returns the current session view
func (s *Server) handleStatus(c *gin.Context) {
	snap := s.service.Snapshot()
	resp := StatusResponse{
		Session:       snap,
		Elapsed:       session.FormatElapsed(snap.Elapsed),
		Message:       s.service.GetLastError(),
		ActiveProfile: s.activeProfile,
	}
	if ps, ok := s.service.Playback(); ok {
		resp.Playback = playbackInfo(ps)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, ResolvedConfigInfo{
		ActiveProfile: s.activeProfile,
		Backend:       s.cfg.Audio.Backend,
		Device:        s.cfg.Audio.Device,
		SampleRate:    s.cfg.Audio.SampleRate,
		Channels:      s.cfg.Audio.Channels,
		OutputDir:     s.cfg.Output.Directory,
		Format:        s.cfg.Output.Format,
		Inheritance:   s.cfg.Inheritance,
	})
}

func (s *Server) handleRecordings(c *gin.Context) {
	targets, err := s.service.Recordings(c.Request.Context())
	if err != nil {
		s.sendServiceError(c, err)
		return
	}

	infos := make([]RecordingInfo, len(targets))
	for i, t := range targets {
		infos[i] = s.recordingInfo(t)
	}
	c.JSON(http.StatusOK, gin.H{
		"recordings": infos,
		"total":      len(infos),
	})
}

func (s *Server) handleSync(c *gin.Context) {
	removed, added, err := s.service.Sync(c.Request.Context())
	if err != nil {
		s.sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"removed": removed,
		"added":   added,
	})
}

// handleRecordingStream serves a recording with range support
func (s *Server) handleRecordingStream(c *gin.Context) {
	target, err := s.service.Recording(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.sendServiceError(c, err)
		return
	}

	file, err := os.Open(target.Path)
	if err != nil {
		if os.IsNotExist(err) {
			s.sendErrorResponse(c, http.StatusNotFound, "File not found", "path", target.Path)
		} else {
			s.sendErrorResponse(c, http.StatusInternalServerError, "Error opening file", "path", target.Path, "error", err)
		}
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		s.sendErrorResponse(c, http.StatusInternalServerError, "Error accessing file", "path", target.Path, "error", err)
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(target.Path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Type", contentType)
	c.Header("Accept-Ranges", "bytes")

	http.ServeContent(c.Writer, c.Request, filepath.Base(target.Path), info.ModTime(), file)
}

// handleWebSocket streams session events, starting with the current snapshot
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.service.Subscribe()
	defer cancel()

	// the read loop only notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snap := s.service.Snapshot()
	if err := writeMessage(conn, wsMessage{Type: session.EventState, Snapshot: snap, Elapsed: session.FormatElapsed(snap.Elapsed)}); err != nil {
		return
	}

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(writeWait))
				return
			}
			msg := wsMessage{Type: ev.Kind, Snapshot: ev.Snapshot, Elapsed: session.FormatElapsed(ev.Snapshot.Elapsed)}
			if ev.Err != nil {
				msg.Error = ev.Err.Error()
			}
			if err := writeMessage(conn, msg); err != nil {
				slog.Debug("WebSocket client dropped", "error", err)
				return
			}
		}
	}
}

func writeMessage(conn *websocket.Conn, msg wsMessage) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func (s *Server) recordingInfo(t recording.Target) RecordingInfo {
	return RecordingInfo{
		Target:        t,
		SizeHuman:     service.FormatBytes(t.Size),
		DurationHuman: service.FormatDuration(t.Duration),
		StreamURL:     "/api/recordings/" + t.ID + "/stream",
	}
}

func playbackInfo(ps playback.Session) *PlaybackInfo {
	return &PlaybackInfo{ID: ps.ID, Recording: ps.Target.ID, Name: ps.Target.Name}
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, recording.ErrResourceBusy):
		return http.StatusConflict
	case errors.Is(err, library.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendServiceError(c *gin.Context, err error) {
	s.sendErrorResponse(c, statusFor(err), err.Error(), "path", c.FullPath())
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(c *gin.Context, statusCode int, errorMsg string, logContext ...any) {
	logFields := []any{"error_message", errorMsg, "status_code", statusCode}
	logFields = append(logFields, logContext...)
	if statusCode >= http.StatusInternalServerError {
		slog.Error("Sending error response to client", logFields...)
	} else {
		slog.Debug("Sending error response to client", logFields...)
	}

	c.AbortWithStatusJSON(statusCode, gin.H{
		"success": false,
		"error":   errorMsg,
	})
}

// requestLogger logs each request through slog
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
