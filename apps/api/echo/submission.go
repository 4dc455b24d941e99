package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/tathmini/core/submission"
)

type submissionApi struct {
	svc      *submission.Service
	validate *validator.Validate
}

func registerSubmissionAPI(g *echo.Group, jwt echo.MiddlewareFunc, svc *submission.Service, validate *validator.Validate) {
	api := submissionApi{svc: svc, validate: validate}

	// instructor endpoints
	sg := g.Group("/submissions", jwt, adminMiddleware())
	sg.GET("", api.query)
	sg.GET("/summary", api.summary)
	sg.GET("/:id", api.retrieve)
	sg.PUT("/:id/grade", api.updateGrade)
}

// Handlers

func (api *submissionApi) query(ctx echo.Context) error {
	filter := new(submission.QueryFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []submission.Submission{})
	}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	subs, err := api.svc.Query(ctx.Request().Context(), *filter, ordering.Orderings...)
	if err != nil {
		return errors.Wrap(err, "querying submissions")
	}
	if subs == nil {
		subs = []submission.Submission{}
	}
	return ctx.JSON(http.StatusOK, subs)
}

func (api *submissionApi) retrieve(ctx echo.Context) error {
	sub, err := api.svc.Get(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "retrieving submission")
	}
	return ctx.JSON(http.StatusOK, sub)
}

func (api *submissionApi) updateGrade(ctx echo.Context) error {
	var data submission.UpdateGrade
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateGrade")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	sub, err := api.svc.UpdateGrade(ctx.Request().Context(), ctx.Param("id"), data)
	if err != nil {
		return errors.Wrap(err, "updating grade")
	}
	return ctx.JSON(http.StatusOK, sub)
}

func (api *submissionApi) summary(ctx echo.Context) error {
	sums, err := api.svc.Summaries(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "summarizing submissions")
	}
	if sums == nil {
		sums = []submission.AssignmentSummary{}
	}
	return ctx.JSON(http.StatusOK, sums)
}
