package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"

	"mediascribe/media"
	"mediascribe/task"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MediaServer resolves a signed public media request to a local file.
type MediaServer interface {
	Serve(fileID string, expires int64, sig string) (string, error)
}

type Handler struct {
	tasks *task.Manager
	media MediaServer
	log   *zap.Logger
}

func NewHandler(tm *task.Manager, ms MediaServer, log *zap.Logger) *Handler {
	return &Handler{tasks: tm, media: ms, log: log}
}

type GenerateRequest struct {
	VideoURL string         `json:"video_url" binding:"required"`
	Params   map[string]any `json:"params"`
}

type GenerateResponse struct {
	Code    int         `json:"code"`
	TaskID  string      `json:"taskId"`
	Status  task.Status `json:"status"`
	Message string      `json:"message"`
}

type StatusResponse struct {
	Code        int         `json:"code"`
	TaskID      string      `json:"taskId"`
	Engine      string      `json:"engine"`
	Status      task.Status `json:"status"`
	Progress    int         `json:"progress"`
	Stage       string      `json:"stage"`
	ProcessTime float64     `json:"processTime"`
	Content     string      `json:"content"`
	Detail      *string     `json:"detail"`
}

func statusResponse(s task.Snapshot) StatusResponse {
	return StatusResponse{
		Code:        s.Code,
		TaskID:      s.ID,
		Engine:      s.Engine,
		Status:      s.Status,
		Progress:    s.Progress,
		Stage:       s.Stage,
		ProcessTime: s.ProcessTime,
		Content:     s.Content,
		Detail:      s.Detail,
	}
}

// handleCreateTask accepts a media reference and schedules its transcription.
func (h *Handler) handleCreateTask(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "video_url is required", "details": err.Error()})
		return
	}

	snap, err := h.tasks.Submit(req.VideoURL, task.Params(req.Params))
	switch {
	case errors.Is(err, task.ErrEmptyMediaRef):
		c.JSON(http.StatusBadRequest, gin.H{"error": "video_url must not be empty"})
		return
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create task", "details": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, GenerateResponse{
		Code:    http.StatusAccepted,
		TaskID:  snap.ID,
		Status:  snap.Status,
		Message: "task created, processing in background",
	})
}

func (h *Handler) handleListTasks(c *gin.Context) {
	snaps := h.tasks.List()
	out := make([]StatusResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, statusResponse(s))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) handleGetTaskStatus(c *gin.Context) {
	snap, err := h.tasks.Get(c.Param("taskId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	c.JSON(http.StatusOK, statusResponse(snap))
}

func (h *Handler) handleCancelTask(c *gin.Context) {
	taskID := c.Param("taskId")
	status, err := h.tasks.Cancel(taskID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}

	msg := "cancellation requested"
	if status.Terminal() {
		msg = "task already finished, nothing to cancel"
	}
	c.JSON(http.StatusOK, GenerateResponse{
		Code:    http.StatusOK,
		TaskID:  taskID,
		Status:  status,
		Message: msg,
	})
}

// handlePublicMedia serves a file published by the signed media publisher.
func (h *Handler) handlePublicMedia(c *gin.Context) {
	fileID := c.Param("fileId")
	expires, err := strconv.ParseInt(c.Query("expires"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expires must be a unix timestamp"})
		return
	}

	path, err := h.media.Serve(fileID, expires, c.Query("sign"))
	switch {
	case errors.Is(err, media.ErrInvalidSignature):
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
		return
	case errors.Is(err, media.ErrExpired):
		c.JSON(http.StatusGone, gin.H{"error": "link expired"})
		return
	case err != nil:
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}

	h.log.Debug("serving public media", zap.String("file_id", fileID))
	c.Header("Content-Type", media.ContentType(path))
	c.FileAttachment(path, filepath.Base(path))
}
