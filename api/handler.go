package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("api")

type Handler struct {
	service *Service
}

func NewHandler(service *Service) Handler {
	return Handler{
		service,
	}
}

func (h Handler) GetStats(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Api.Handler.GetStats")
	defer span.End()

	stats, err := h.service.GetStats(ctx)
	if err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"status": "error", "message": err.Error()})
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "content": stats})
}

type publishRequest struct {
	Source string `json:"source"`
}

func (h Handler) Publish(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Api.Handler.Publish")
	defer span.End()

	var req publishRequest
	err := c.Bind(&req)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusBadRequest, "Invalid request body")
	}
	if req.Source == "" {
		return c.String(http.StatusBadRequest, "source is required")
	}

	id, err := h.service.Publish(ctx, req.Source)
	if err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"status": "error", "message": err.Error()})
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "content": id})
}

func (h Handler) Unpublish(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Api.Handler.Unpublish")
	defer span.End()

	id := c.Param("id")
	if id == "" {
		return c.String(http.StatusBadRequest, "Invalid message id")
	}

	err := h.service.Unpublish(ctx, id)
	if err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"status": "error", "message": err.Error()})
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

func (h Handler) Follow(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Api.Handler.Follow")
	defer span.End()

	target := c.Param("id")
	if target == "" {
		return c.String(http.StatusBadRequest, "Invalid target")
	}

	err := h.service.Follow(ctx, target)
	if err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"status": "error", "message": err.Error()})
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

func (h Handler) Unfollow(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Api.Handler.Unfollow")
	defer span.End()

	target := c.Param("id")
	if target == "" {
		return c.String(http.StatusBadRequest, "Invalid target")
	}

	err := h.service.Unfollow(ctx, target)
	if err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"status": "error", "message": err.Error()})
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

func (h Handler) GetPollResults(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Api.Handler.GetPollResults")
	defer span.End()

	id := c.Param("id")
	if id == "" {
		return c.String(http.StatusBadRequest, "Invalid message id")
	}

	results, err := h.service.GetPollResults(ctx, id)
	if err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusNotFound, echo.Map{"status": "error", "message": "poll not found"})
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "content": results})
}
