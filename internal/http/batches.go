package http

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/jmehdipour/dispatch-batch/internal/model"
	"github.com/jmehdipour/dispatch-batch/internal/service/batch"
)

const operatorHeader = "X-Operator"

type resolveReq struct {
	Selection model.Selection `json:"selection"`
}

func resolveRecipientsHandler(r RecipientResolver) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req resolveReq
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "bad request")
		}
		recipients, err := r.Resolve(c.Request().Context(), req.Selection)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"count":      len(recipients),
			"recipients": recipients,
		})
	}
}

type createBatchReq struct {
	Selection model.Selection `json:"selection"`
	Subject   model.Subject   `json:"subject"`
	DelayMin  *int            `json:"delay_min"`
	DelayMax  *int            `json:"delay_max"`
}

// createBatchHandler resolves the selection and stores the batch in one call.
func createBatchHandler(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createBatchReq
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "bad request")
		}
		delayMin, delayMax := d.DefaultDelayMin, d.DefaultDelayMax
		if req.DelayMin != nil {
			delayMin = *req.DelayMin
		}
		if req.DelayMax != nil {
			delayMax = *req.DelayMax
		}

		ctx := c.Request().Context()
		if op := strings.TrimSpace(c.Request().Header.Get(operatorHeader)); op != "" {
			ctx = batch.WithOperator(ctx, op)
		}

		recipients, err := d.Recipients.Resolve(ctx, req.Selection)
		if err != nil {
			return writeError(c, err)
		}
		id, err := d.Batches.CreateBatch(ctx, req.Subject, recipients, delayMin, delayMax)
		if err != nil {
			return writeError(c, err)
		}
		p, err := d.Batches.GetProgress(ctx, id)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusCreated, p)
	}
}

func listBatchesHandler(m BatchManager) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, ok := queryInt(c, "limit", 50)
		if !ok {
			return badRequest(c, "invalid limit")
		}
		list, err := m.ListBatches(c.Request().Context(), c.QueryParam("status"), limit)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"count":   len(list),
			"results": list,
		})
	}
}

func getProgressHandler(m BatchManager) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, err := m.GetProgress(c.Request().Context(), c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, p)
	}
}

func listItemsHandler(m BatchManager) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, ok := queryInt(c, "limit", 50)
		if !ok {
			return badRequest(c, "invalid limit")
		}
		offset, ok := queryInt(c, "offset", 0)
		if !ok {
			return badRequest(c, "invalid offset")
		}
		f := model.ItemFilter{
			Status: model.ItemStatus(strings.ToLower(strings.TrimSpace(c.QueryParam("status")))),
			Limit:  limit,
			Offset: offset,
		}
		items, err := m.ListItems(c.Request().Context(), c.Param("id"), f)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(items),
			"results": items,
		})
	}
}

type setStatusReq struct {
	Status string `json:"status"`
}

func setStatusHandler(m BatchManager) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req setStatusReq
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "bad request")
		}
		ctx := c.Request().Context()
		id := c.Param("id")

		to, _ := model.ParseBatchStatus(req.Status)
		changed, err := m.SetStatus(ctx, id, to)
		if err != nil {
			return writeError(c, err)
		}
		p, err := m.GetProgress(ctx, id)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"changed":  changed,
			"progress": p,
		})
	}
}

func deleteBatchHandler(m BatchManager) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := m.DeleteBatch(c.Request().Context(), c.Param("id")); err != nil {
			return writeError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}
