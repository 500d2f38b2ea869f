package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/careops/clinicflow/internal/domain"
	"github.com/careops/clinicflow/internal/handler/middleware"
	"github.com/careops/clinicflow/pkg/auth"
	"github.com/careops/clinicflow/pkg/metrics"
)

type RouterDeps struct {
	Logger     *zap.Logger
	JWTManager *auth.JWTManager
	Metrics    *metrics.Collector

	Auth      *AuthHandler
	Flow      *FlowHandler
	Occupancy *OccupancyHandler
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.Metrics(deps.Metrics))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.MetricsHandler()))

	api := r.Group("/api/v1")

	authGroup := api.Group("/auth")
	{
		authGroup.POST("/login", deps.Auth.Login)
		authGroup.POST("/refresh", deps.Auth.Refresh)
		authGroup.POST("/change-password", middleware.Auth(deps.JWTManager), deps.Auth.ChangePassword)
	}

	authed := api.Group("")
	authed.Use(middleware.Auth(deps.JWTManager))

	flowGroup := authed.Group("/flow")
	{
		flowGroup.POST("/:appointmentId/check-in", deps.Flow.CheckIn)
		flowGroup.POST("/:appointmentId/move-to-waiting", deps.Flow.MoveToWaiting)
		flowGroup.POST("/:appointmentId/call", deps.Flow.Call)
		flowGroup.POST("/:appointmentId/seat", deps.Flow.Seat)
		flowGroup.POST("/:appointmentId/complete", deps.Flow.Complete)
		flowGroup.POST("/:appointmentId/check-out", deps.Flow.CheckOut)
		flowGroup.POST("/:appointmentId/revert", deps.Flow.Revert)
		flowGroup.GET("/:appointmentId", deps.Flow.GetState)
		flowGroup.GET("/:appointmentId/history", deps.Flow.GetHistory)
	}

	chairs := authed.Group("/chairs")
	{
		chairs.GET("", deps.Occupancy.Board)
		chairs.POST("/:chairId/start-cleaning", deps.Occupancy.StartCleaning)
		chairs.POST("/:chairId/finish-cleaning", deps.Occupancy.FinishCleaning)
		chairs.PUT("/:chairId/sub-stage", deps.Occupancy.SetSubStage)

		admin := chairs.Group("")
		admin.Use(middleware.RequireRole(domain.RoleAdmin, domain.RoleNurse))
		{
			admin.POST("/:chairId/block", deps.Occupancy.Block)
			admin.POST("/:chairId/unblock", deps.Occupancy.Unblock)
		}
	}

	return r
}
