package http

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/jmehdipour/dispatch-batch/internal/metrics"
	"github.com/jmehdipour/dispatch-batch/internal/service/driver"
)

const adapterForeground = "foreground"

type processResp struct {
	driver.Outcome
	// DelaySeconds tells the caller when to ask again; 0 with done=true
	// means there is nothing left to do.
	DelaySeconds int  `json:"delay_seconds"`
	Finished     bool `json:"done"`
}

// processHandler is the foreground adapter: one driver step per request.
// The caller owns the loop and honours delay_seconds between calls.
func processHandler(d Stepper) echo.HandlerFunc {
	return func(c echo.Context) error {
		out, err := d.Step(c.Request().Context(), c.Param("id"))
		if err != nil {
			metrics.DriverStepsTotal.WithLabelValues(adapterForeground, "error").Inc()
			return writeError(c, err)
		}
		metrics.DriverStepsTotal.WithLabelValues(adapterForeground, string(out.Result)).Inc()

		return c.JSON(http.StatusOK, processResp{
			Outcome:      out,
			DelaySeconds: int((out.Delay + time.Second - 1) / time.Second),
			Finished:     out.Done(),
		})
	}
}

// runHandler hands the batch to the in-process background scheduler.
func runHandler(m BatchManager, w Waker) echo.HandlerFunc {
	return func(c echo.Context) error {
		if w == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "background scheduler not running"})
		}
		p, err := m.GetProgress(c.Request().Context(), c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}
		if p.Status.Active() {
			w.Wake(p.BatchID)
		}
		return c.JSON(http.StatusAccepted, map[string]any{
			"scheduled": p.Status.Active(),
			"progress":  p,
		})
	}
}
