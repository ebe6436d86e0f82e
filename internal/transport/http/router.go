package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/campaignkit/saga-service/internal/config"
	"github.com/campaignkit/saga-service/internal/coordinator"
	"github.com/campaignkit/saga-service/internal/sagastore"
)

func NewRouter(coord *coordinator.Coordinator, store *sagastore.Store, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, coord, store)
	return r
}
