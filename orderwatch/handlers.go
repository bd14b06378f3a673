package orderwatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// jobFunc is one scheduled job invocation: params in, summary or error out.
type jobFunc func(ctx context.Context, p Params) (string, error)

// Handler exposes the jobs as HTTP trigger endpoints for the external
// scheduler. Each trigger body is a flat parameter set overriding the env
// defaults.
type Handler struct {
	Jobs   *Jobs
	Locker *redislock.Client
	Logger *logrus.Logger
}

// RegisterRoutes mounts one POST endpoint per job.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	jobs := r.Group("/api/v1/jobs")
	jobs.POST("/fetch-activity-orders", h.trigger("fetch-activity-orders", h.Jobs.FetchActivityOrders))
	jobs.POST("/price-comparison", h.trigger("price-comparison", h.Jobs.ComparePrices))
	jobs.POST("/order-state", h.trigger("order-state", h.Jobs.ReconcileOrderState))
	jobs.POST("/evict-expiring", h.trigger("evict-expiring", h.Jobs.EvictExpiring))
}

func (h *Handler) trigger(name string, job jobFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := uuid.NewString()
		logger := h.Logger.WithFields(logrus.Fields{"job": name, "run_id": runID})

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.Errorf("reading trigger body failed: %v", err)
			c.JSON(http.StatusBadRequest, gin.H{"run_id": runID, "error": err.Error()})
			return
		}
		params, err := ParseParams(body)
		if err != nil {
			logger.Errorf("invalid trigger params: %v", err)
			c.JSON(http.StatusBadRequest, gin.H{"run_id": runID, "error": err.Error()})
			return
		}
		logger.WithField("params", string(body)).Info("job triggered")

		// The lock is a best-effort guard against overlapping triggers of
		// the same job. Correctness does not depend on it: recover/pop/
		// requeue are individually atomic at the store and duplicate
		// processing of a token is an accepted outcome.
		if h.Locker != nil {
			lock, err := h.Locker.Obtain(c.Request.Context(), "farewatch:joblock:"+name, 2*params.timeout(), nil)
			if err != nil {
				if errors.Is(err, redislock.ErrNotObtained) {
					logger.Warn("another run of this job holds the lock, skipping")
					c.JSON(http.StatusOK, gin.H{"run_id": runID, "result": "skipped: previous run still in progress"})
					return
				}
				logger.Warnf("job lock unavailable, proceeding without it: %v", err)
			} else {
				defer func() { _ = lock.Release(context.WithoutCancel(c.Request.Context())) }()
			}
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*params.timeout()+30*time.Second)
		defer cancel()

		result, err := job(ctx, params)
		if err != nil {
			// A terminal job error is the invocation's failure result; the
			// scheduler sees a failed run and retries on its next trigger.
			logger.Errorf("job failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"run_id": runID, "error": err.Error()})
			return
		}
		logger.WithField("result", result).Info("job finished")
		c.JSON(http.StatusOK, gin.H{"run_id": runID, "result": result})
	}
}
