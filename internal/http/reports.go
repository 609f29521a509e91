package http

import (
	"net/http"
	"strings"
	"time"

	echo "github.com/labstack/echo/v4"

	"github.com/jmehdipour/dispatch-batch/internal/model"
	"github.com/jmehdipour/dispatch-batch/internal/repository"
	"github.com/jmehdipour/dispatch-batch/internal/util"
)

func monitorHandler(r MonitorReporter) echo.HandlerFunc {
	return func(c echo.Context) error {
		rep, err := r.Report(c.Request().Context())
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, rep)
	}
}

// listItemHistoryHandler serves item history from ClickHouse.
func listItemHistoryHandler(chRepo repository.CHItemsRepository, defaultCountry string) echo.HandlerFunc {
	return func(c echo.Context) error {
		if chRepo == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "reports disabled"})
		}

		limit, ok := queryInt(c, "limit", 50)
		if !ok || limit > 1000 {
			return badRequest(c, "invalid limit")
		}
		offset, ok := queryInt(c, "offset", 0)
		if !ok {
			return badRequest(c, "invalid offset")
		}

		f := repository.ItemHistoryFilter{
			BatchID: strings.TrimSpace(c.QueryParam("batch_id")),
			Limit:   limit,
			Offset:  offset,
		}
		if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
			st := model.ItemStatus(strings.ToLower(raw))
			if !st.Valid() {
				return badRequest(c, "invalid status")
			}
			f.Status = st
		}
		if raw := strings.TrimSpace(c.QueryParam("phone")); raw != "" {
			f.Phone = util.NormalizePhone(raw, defaultCountry)
		}
		if raw := strings.TrimSpace(c.QueryParam("since")); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return badRequest(c, "invalid since, want RFC3339")
			}
			f.Since = t.UTC()
		}

		items, err := chRepo.List(c.Request().Context(), f)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(items),
			"results": items,
		})
	}
}
