package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/campaignkit/saga-service/internal/coordinator"
	"github.com/campaignkit/saga-service/internal/sagastore"
)

func RegisterHandlers(r *gin.Engine, coord *coordinator.Coordinator, store *sagastore.Store) {
	v1 := r.Group("/v1")
	{
		v1.POST("/sagas/campaign-launch", launchCampaignHandler(coord))
		v1.GET("/sagas/:id", snapshotHandler(store))
		v1.GET("/sagas/:id/detail", detailHandler(store))
		v1.GET("/sagas/:id/state", stateHandler(store))
		v1.GET("/sagas/:id/steps", stepsHandler(store))
	}
}

type launchCampaignReq struct {
	CampaignID     string   `json:"campaign_id" binding:"required"`
	AdvertiserID   string   `json:"advertiser_id" binding:"required"`
	CommissionRate string   `json:"commission_rate" binding:"required"`
	Categories     []string `json:"categories"`
}

func launchCampaignHandler(coord *coordinator.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req launchCampaignReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rate, err := decimal.NewFromString(req.CommissionRate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid commission_rate"})
			return
		}
		if rate.LessThanOrEqual(decimal.Zero) || rate.GreaterThan(decimal.NewFromInt(1)) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "commission_rate must be in (0, 1]"})
			return
		}
		payload := map[string]interface{}{
			"campaign_id":     req.CampaignID,
			"advertiser_id":   req.AdvertiserID,
			"commission_rate": rate.String(),
			"categories":      req.Categories,
		}
		sagaID, err := coord.StartSaga(c, "campaign_launch", payload)
		if err != nil {
			// The saga record exists and is FAILED; the id still goes back so
			// the caller can inspect it.
			c.JSON(http.StatusBadGateway, gin.H{"saga_id": sagaID, "error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"saga_id": sagaID})
	}
}

func snapshotHandler(store *sagastore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := store.Snapshot(c, c.Param("id"))
		if err != nil {
			respondQueryError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

func detailHandler(store *sagastore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		det, err := store.Detail(c, c.Param("id"))
		if err != nil {
			respondQueryError(c, err)
			return
		}
		c.JSON(http.StatusOK, det)
	}
}

func stateHandler(store *sagastore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		state, err := store.State(c, c.Param("id"))
		if err != nil {
			respondQueryError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"state": state})
	}
}

func stepsHandler(store *sagastore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		steps, err := store.Steps(c, c.Param("id"))
		if err != nil {
			respondQueryError(c, err)
			return
		}
		c.JSON(http.StatusOK, steps)
	}
}

func respondQueryError(c *gin.Context, err error) {
	if errors.Is(err, sagastore.ErrSagaNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "saga not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
