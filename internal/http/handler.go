package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"transit-sync/internal/domain/vehicle"
	"transit-sync/internal/events"
	"transit-sync/internal/scheduler"
	"transit-sync/internal/service"
)

const eventBuffer = 64

type RunController interface {
	Start(ctx context.Context, req service.RunRequest) (string, error)
	Cancel() (string, error)
	Status() service.RunStatus
}

type RunHistory interface {
	FindRuns(ctx context.Context, status string, plateQuery, from, to *string, limit, offset int) ([]service.RunInfo, error)
	GetRun(ctx context.Context, id string) (*vehicle.RunSummary, error)
}

type ScheduleStore interface {
	List() []string
	Add(value string) (string, error)
	Remove(value string) error
}

type EventSource interface {
	Listen(buffer int, types ...events.Type) *events.Listener
}

type Handler struct {
	runs      RunController
	history   RunHistory
	schedules ScheduleStore
	next      func(time.Time) (time.Time, bool)
	events    EventSource
	metrics   http.Handler
	log       zerolog.Logger
}

// NewHandler wires the control API. history may be nil when no database is
// configured; next may be nil when the scheduler is disabled.
func NewHandler(
	runs RunController,
	history RunHistory,
	schedules ScheduleStore,
	next func(time.Time) (time.Time, bool),
	source EventSource,
	metrics http.Handler,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		runs:      runs,
		history:   history,
		schedules: schedules,
		next:      next,
		events:    source,
		metrics:   metrics,
		log:       log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	// Public endpoints
	r.GET("/healthz", h.healthz)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}

	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.POST("/runs", h.startRun)
		protected.GET("/runs", h.listRuns)
		protected.GET("/runs/current", h.currentRun)
		protected.DELETE("/runs/current", h.cancelRun)
		protected.GET("/runs/:id", h.getRun)
		protected.GET("/events", h.streamEvents)
		protected.GET("/schedules", h.listSchedules)
		protected.POST("/schedules", h.addSchedule)
		protected.DELETE("/schedules/:time", h.removeSchedule)
	}
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"running": h.runs.Status().Running,
	})
}

type startRunRequest struct {
	Source service.Source `json:"source"`
}

func (h *Handler) startRun(c *gin.Context) {
	var payload startRunRequest
	if err := c.ShouldBindJSON(&payload); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	runID, err := h.runs.Start(c.Request.Context(), service.RunRequest{
		Trigger: service.TriggerManual,
		Source:  payload.Source,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status": "started",
		"run_id": runID,
	})
}

func (h *Handler) currentRun(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.runs.Status()))
}

func (h *Handler) cancelRun(c *gin.Context) {
	runID, err := h.runs.Cancel()
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status": "stopping",
		"run_id": runID,
	})
}

func (h *Handler) listRuns(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("run history is not configured"))
		return
	}

	var plateQuery, from, to *string
	if plate := strings.TrimSpace(c.Query("plate")); plate != "" {
		plateQuery = &plate
	}
	if f := strings.TrimSpace(c.Query("from")); f != "" {
		from = &f
	}
	if t := strings.TrimSpace(c.Query("to")); t != "" {
		to = &t
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	runs, err := h.history.FindRuns(c.Request.Context(), strings.TrimSpace(c.Query("status")), plateQuery, from, to, limit, offset)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(runs))
}

func (h *Handler) getRun(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("run history is not configured"))
		return
	}
	run, err := h.history.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(run))
}

// streamEvents relays bus events as server-sent events until the client
// disconnects. ?types=progress,log narrows the stream.
func (h *Handler) streamEvents(c *gin.Context) {
	var types []events.Type
	for _, t := range strings.Split(c.Query("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, events.Type(t))
		}
	}

	listener := h.events.Listen(eventBuffer, types...)
	defer listener.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", gin.H{"running": h.runs.Status().Running})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-listener.C:
			if !ok {
				return false
			}
			c.SSEvent(string(evt.Type), evt)
			return true
		case <-ctx.Done():
			return false
		}
	})

	if dropped := listener.Dropped(); dropped > 0 {
		h.log.Warn().Uint64("dropped", dropped).Msg("event stream dropped events for slow client")
	}
}

func (h *Handler) listSchedules(c *gin.Context) {
	resp := gin.H{"times": h.schedules.List()}
	if h.next != nil {
		if next, ok := h.next(time.Now()); ok {
			resp["next"] = next
		}
	}
	c.JSON(http.StatusOK, successResponse(resp))
}

type addScheduleRequest struct {
	Time string `json:"time" binding:"required"`
}

func (h *Handler) addSchedule(c *gin.Context) {
	var payload addScheduleRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	added, err := h.schedules.Add(payload.Time)
	if err != nil {
		h.handleError(c, err)
		return
	}
	h.log.Info().Str("time", added).Msg("schedule added")
	c.JSON(http.StatusCreated, successResponse(gin.H{"time": added, "times": h.schedules.List()}))
}

func (h *Handler) removeSchedule(c *gin.Context) {
	if err := h.schedules.Remove(c.Param("time")); err != nil {
		h.handleError(c, err)
		return
	}
	h.log.Info().Str("time", c.Param("time")).Msg("schedule removed")
	c.JSON(http.StatusOK, successResponse(gin.H{"times": h.schedules.List()}))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, scheduler.ErrInvalidTime):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrNoActiveRun), errors.Is(err, scheduler.ErrUnknownTime):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, service.ErrRunInProgress), errors.Is(err, scheduler.ErrDuplicateTime):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}
