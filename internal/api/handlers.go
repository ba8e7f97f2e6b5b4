package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mathtutor/internal/models"
	"mathtutor/internal/render"
	"mathtutor/internal/service/assistant"
	"mathtutor/internal/worker"
)

type WorkspaceManager interface {
	Upload(workspaceID string, data []byte) (*worker.Upload, error)
	Snapshot(ctx context.Context, workspaceID string) (models.Snapshot, error)
	Send(ctx context.Context, workspaceID, text string, onUpdate func(models.Message)) (bool, error)
	Discard(workspaceID string) error
}

// History reads archived pipeline runs and transcripts. It is nil when no
// database is configured.
type History interface {
	ListRuns(ctx context.Context, workspaceID string) ([]models.Run, error)
	ListMessages(ctx context.Context, workspaceID string) ([]models.Message, error)
}

// Handler wires HTTP routes to the workspace manager.
type Handler struct {
	workspaces     WorkspaceManager
	history        History
	maxUploadBytes int64
	replyTimeout   time.Duration
	log            *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(workspaces WorkspaceManager, history History, maxUploadBytes int64, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	return &Handler{
		workspaces:     workspaces,
		history:        history,
		maxUploadBytes: maxUploadBytes,
		replyTimeout:   2 * time.Minute,
		log:            log,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/health", h.health)
	api.POST("/workspaces", h.upload)
	ws := api.Group("/workspaces/:id")
	ws.Use(requireWorkspace())
	ws.GET("", h.getWorkspace)
	ws.DELETE("", h.discardWorkspace)
	ws.GET("/messages", h.getMessages)
	ws.POST("/messages", h.sendMessage)
	ws.GET("/runs", h.listRuns)
	ws.GET("/history", h.listHistory)
}

const defaultMaxUploadBytes = 64 << 20

var zipContentTypes = []string{
	"application/zip",
	"application/x-zip-compressed",
	"application/x-zip",
}

func isZipUpload(filename, contentType string) bool {
	if strings.EqualFold(filepath.Ext(filename), ".zip") {
		return true
	}
	ct := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	for _, allowed := range zipContentTypes {
		if ct == allowed {
			return true
		}
	}
	return false
}

// errorStatus maps manager and relay errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, worker.ErrWorkspaceNotFound):
		return http.StatusNotFound
	case errors.Is(err, worker.ErrDispatcherBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, worker.ErrUploadInProgress),
		errors.Is(err, assistant.ErrTurnInFlight),
		errors.Is(err, assistant.ErrNotChatting),
		errors.Is(err, assistant.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, assistant.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, worker.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	if errors.Is(err, worker.ErrDispatcherBusy) {
		return "server is busy, please retry"
	}
	return err.Error()
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// sseWriter starts an event stream on first use so that handlers can still
// answer with a plain JSON error before anything was streamed.
type sseWriter struct {
	c       *gin.Context
	flusher http.Flusher
	started bool
}

func newSSEWriter(c *gin.Context) (*sseWriter, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{c: c, flusher: flusher}, true
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	header := s.c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	s.c.Status(http.StatusOK)
}

func (s *sseWriter) send(event string, payload interface{}) error {
	s.start()
	var data []byte
	switch v := payload.(type) {
	case string:
		data = []byte(v)
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return err
		}
	}
	if event != "" {
		if _, err := fmt.Fprintf(s.c.Writer, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (h *Handler) upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+1<<20)
	file, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	if !isZipUpload(file.Filename, file.Header.Get("Content-Type")) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a .zip archive is required"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	data, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
		return
	}

	stream, ok := newSSEWriter(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	workspaceID := strings.TrimSpace(c.PostForm("workspace_id"))
	if workspaceID != "" && !validWorkspaceID(workspaceID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workspace id"})
		return
	}
	up, err := h.workspaces.Upload(workspaceID, data)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": errorMessage(err)})
		return
	}
	c.Set(workspaceContextKey, up.WorkspaceID)
	h.log.Info("archive accepted",
		zap.String("workspace", up.WorkspaceID),
		zap.String("file", file.Filename),
		zap.Int("bytes", len(data)))

	if err := stream.send("accepted", gin.H{"workspace_id": up.WorkspaceID}); err != nil {
		return
	}
	// A disconnecting client stops the event stream, not the run.
	ctx := c.Request.Context()
	lastProgress := ""
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-up.Updates:
			if !ok {
				h.finishUpload(ctx, stream, up)
				return
			}
			if snap.Phase != models.PhaseProcessing || snap.Progress == "" || snap.Progress == lastProgress {
				continue
			}
			lastProgress = snap.Progress
			if err := stream.send("progress", gin.H{"message": snap.Progress}); err != nil {
				return
			}
		}
	}
}

func (h *Handler) finishUpload(ctx context.Context, stream *sseWriter, up *worker.Upload) {
	var runErr error
	select {
	case runErr = <-up.Done:
	case <-ctx.Done():
		return
	}
	snap, err := h.workspaces.Snapshot(ctx, up.WorkspaceID)
	if err != nil {
		_ = stream.send("error", gin.H{"message": err.Error()})
		return
	}
	if runErr != nil || snap.Phase != models.PhaseChatting {
		msg := snap.Error
		if msg == "" && runErr != nil {
			msg = runErr.Error()
		}
		_ = stream.send("error", gin.H{"workspace_id": up.WorkspaceID, "message": msg})
		return
	}
	_ = stream.send("ready", snap)
}

func (h *Handler) getWorkspace(c *gin.Context) {
	snap, err := h.workspaces.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) discardWorkspace(c *gin.Context) {
	if err := h.workspaces.Discard(c.Param("id")); err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type messageView struct {
	models.Message
	HTML string `json:"html,omitempty"`
}

func (h *Handler) getMessages(c *gin.Context) {
	snap, err := h.workspaces.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"workspace_id": snap.WorkspaceID,
		"phase":        snap.Phase,
		"busy":         snap.Busy,
		"messages":     messageViews(snap.Messages, c.Query("format") == "html"),
	})
}

func messageViews(msgs []models.Message, asHTML bool) []messageView {
	views := make([]messageView, 0, len(msgs))
	for _, msg := range msgs {
		v := messageView{Message: msg}
		if asHTML {
			v.HTML = render.HTML(msg.Text)
		}
		views = append(views, v)
	}
	return views
}

type sendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	stream, ok := newSSEWriter(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.replyTimeout)
	defer cancel()

	var (
		last     *models.Message
		writeErr error
	)
	sent, err := h.workspaces.Send(ctx, c.Param("id"), req.Content, func(msg models.Message) {
		if writeErr != nil {
			return
		}
		if msg.Sender == models.SenderUser {
			writeErr = stream.send("ack", gin.H{"message": msg})
			return
		}
		m := msg
		last = &m
		writeErr = stream.send("stream", gin.H{"message": msg})
	})
	if !sent {
		if err == nil {
			err = errors.New("message was not sent")
		}
		if stream.started {
			_ = stream.send("error", gin.H{"message": err.Error()})
			return
		}
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	if writeErr != nil {
		h.log.Debug("client went away during reply", zap.String("workspace", c.Param("id")), zap.Error(writeErr))
		return
	}
	payload := gin.H{}
	if last != nil {
		payload["message"] = last
	}
	_ = stream.send("done", payload)
}

func (h *Handler) listRuns(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run archive is not configured"})
		return
	}
	runs, err := h.history.ListRuns(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = make([]models.Run, 0)
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// listHistory serves the archived transcript. Unlike /messages it outlives
// the in-memory workspace.
func (h *Handler) listHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run archive is not configured"})
		return
	}
	msgs, err := h.history.ListMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"workspace_id": c.Param("id"),
		"messages":     messageViews(msgs, c.Query("format") == "html"),
	})
}
