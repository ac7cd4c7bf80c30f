package tripbooking

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fortressi/saga"
)

// BookRequest is the body of POST /book.
type BookRequest struct {
	Name     string `json:"name" binding:"required"`
	Attempts int    `json:"attempts" binding:"gte=0"`
	Car      string `json:"car" binding:"required"`
	Hotel    string `json:"hotel" binding:"required"`
	Flight   string `json:"flight" binding:"required"`
}

// BookResponse is returned once the booking saga has finished.
type BookResponse struct {
	UserID string       `json:"user_id"`
	Result *saga.Result `json:"result"`
}

// Handler exposes the booking saga over HTTP.
type Handler struct {
	coordinator *saga.Coordinator
	logger      *zap.Logger
}

func NewHandler(coordinator *saga.Coordinator, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{coordinator: coordinator, logger: logger}
}

// RegisterRoutes mounts the booking and execution endpoints on r.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/book", h.book)
	r.GET("/executions", h.listExecutions)
	r.GET("/executions/:id", h.getExecution)
	r.GET("/executions/:id/events", h.getEvents)
}

func (h *Handler) book(c *gin.Context) {
	var req BookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	input := BookVacationInput{
		Attempts: req.Attempts,
		UserID:   UniqueUserID(req.Name),
		CarID:    req.Car,
		HotelID:  req.Hotel,
		FlightID: req.Flight,
	}

	id, err := h.coordinator.StartSaga(c.Request.Context(), SagaType, input, RunOptions(input)...)
	if err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.coordinator.Await(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.logger.Info("booking finished",
		zap.String("user_id", input.UserID),
		zap.String("status", string(result.Status)),
	)
	c.JSON(http.StatusOK, BookResponse{UserID: input.UserID, Result: result})
}

func (h *Handler) listExecutions(c *gin.Context) {
	c.JSON(http.StatusOK, h.coordinator.List())
}

func (h *Handler) getExecution(c *gin.Context) {
	view, err := h.coordinator.Status(saga.ExecutionID(c.Param("id")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) getEvents(c *gin.Context) {
	events, err := h.coordinator.History(c.Request.Context(), saga.ExecutionID(c.Param("id")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, saga.ErrExecutionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, saga.ErrDuplicateExecution):
		status = http.StatusConflict
	case errors.Is(err, saga.ErrCoordinatorClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
