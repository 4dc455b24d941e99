package echoapi

import (
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/tathmini/core"
	"github.com/trezcool/tathmini/core/session"
)

const audioField = "audio"

type attemptApi struct {
	svc      *session.Service
	validate *validator.Validate
}

func registerAttemptAPI(g *echo.Group, svc *session.Service, validate *validator.Validate) {
	api := attemptApi{svc: svc, validate: validate}

	ag := g.Group("/attempts")
	ag.POST("", api.start)

	// every detail endpoint runs one reconciliation pass
	dg := ag.Group("/:id")
	dg.GET("", api.refresh)
	dg.POST("/audio", api.record)
	dg.POST("/transcribe", api.transcribe)
	dg.PUT("/answer", api.editAnswer)
	dg.POST("/grade", api.grade)
	dg.POST("/submit", api.submit)
}

// Handlers

func (api *attemptApi) start(ctx echo.Context) error {
	var data session.NewAttempt
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewAttempt")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	out, err := api.svc.Start(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "starting attempt")
	}
	return ctx.JSON(http.StatusCreated, out)
}

func (api *attemptApi) refresh(ctx echo.Context) error {
	out, err := api.svc.Refresh(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "refreshing attempt")
	}
	return ctx.JSON(http.StatusOK, out)
}

func (api *attemptApi) record(ctx echo.Context) error {
	fh, err := ctx.FormFile(audioField)
	if err != nil {
		return core.NewFieldValidationError(audioField, "an audio file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return errors.Wrap(err, "opening audio upload")
	}
	defer func() { _ = f.Close() }()

	audio, err := io.ReadAll(f)
	if err != nil {
		return errors.Wrap(err, "reading audio upload")
	}

	out, err := api.svc.Record(ctx.Request().Context(), ctx.Param("id"), audio)
	if err != nil {
		return errors.Wrap(err, "recording audio")
	}
	return ctx.JSON(http.StatusOK, out)
}

func (api *attemptApi) transcribe(ctx echo.Context) error {
	out, err := api.svc.Transcribe(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "transcribing audio")
	}
	return ctx.JSON(http.StatusOK, out)
}

func (api *attemptApi) editAnswer(ctx echo.Context) error {
	var data session.EditAnswer
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to EditAnswer")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	out, err := api.svc.EditAnswer(ctx.Request().Context(), ctx.Param("id"), data)
	if err != nil {
		return errors.Wrap(err, "editing answer")
	}
	return ctx.JSON(http.StatusOK, out)
}

func (api *attemptApi) grade(ctx echo.Context) error {
	out, err := api.svc.Grade(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "grading answer")
	}
	return ctx.JSON(http.StatusOK, out)
}

func (api *attemptApi) submit(ctx echo.Context) error {
	out, err := api.svc.Submit(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "submitting attempt")
	}
	return ctx.JSON(http.StatusOK, out)
}
