package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/Affilience/genpipe/pkg/middleware"
	serverErrors "github.com/Affilience/genpipe/pkg/server/errors"
	"github.com/Affilience/genpipe/pkg/server/health"
)

const (
	// UserHeader carries the authenticated user id, set by the edge proxy.
	// Absent for anonymous traffic.
	UserHeader = "X-Genpipe-User"

	// TierHeader carries the resolved subscription tier, set by the edge
	// proxy. Absent or unknown values resolve to the anonymous tier.
	TierHeader = "X-Genpipe-Tier"
)

// HTTPHandlerConfig tunes the route surface.
type HTTPHandlerConfig struct {
	CORSAllowedOrigins []string
	CORSAllowedHeaders []string
	ServeMetrics       bool
}

// NewHTTPHandler builds the full route surface with the shared middleware
// chain applied.
func NewHTTPHandler(s *Server, cfg HTTPHandlerConfig) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.RequestID(), middleware.AccessLog(s.logger))

	v1 := router.Group("/v1")
	{
		v1.POST("/generate", s.handleGenerate)
		v1.POST("/assemble", s.handleAssemble)
		v1.GET("/jobs/:id/status", s.handleJobStatus)
		v1.POST("/cache/warm", s.handleWarmCache)
		v1.GET("/cache/stats", s.handleCacheStats)
	}

	checker := &health.Checker{TargetService: s, TargetServiceName: "genpipe"}
	router.GET("/healthz", gin.WrapH(checker.Handler()))

	if cfg.ServeMetrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	return cors.New(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedHeaders: cfg.CORSAllowedHeaders,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler(router)
}

// identity resolves who the caller is: the authenticated user id when
// present, otherwise the client IP so anonymous traffic is still metered.
func identity(c *gin.Context) string {
	if user := strings.TrimSpace(c.GetHeader(UserHeader)); user != "" {
		return "user:" + user
	}
	return "ip:" + c.ClientIP()
}

func (s *Server) handleGenerate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, serverErrors.ValidationFailed("request body is not valid JSON"))
		return
	}

	t := s.ResolveTier(c.GetHeader(TierHeader))
	resp, err := s.Generate(c.Request.Context(), identity(c), t, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAssemble(c *gin.Context) {
	var req AssembleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, serverErrors.ValidationFailed("request body is not valid JSON"))
		return
	}

	t := s.ResolveTier(c.GetHeader(TierHeader))
	resp, err := s.Assemble(c.Request.Context(), identity(c), t, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

func (s *Server) handleJobStatus(c *gin.Context) {
	resp, err := s.JobStatus(c.Request.Context(), identity(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleWarmCache(c *gin.Context) {
	var req WarmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, serverErrors.ValidationFailed("request body is not valid JSON"))
		return
	}

	t := s.ResolveTier(c.GetHeader(TierHeader))
	resp, err := s.WarmCache(c.Request.Context(), t, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCacheStats(c *gin.Context) {
	t := s.ResolveTier(c.GetHeader(TierHeader))
	resp, err := s.CacheStats(c.Request.Context(), t)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func writeError(c *gin.Context, err error) {
	var quotaErr *serverErrors.QuotaExceededError
	if errors.As(err, &quotaErr) {
		c.AbortWithStatusJSON(quotaErr.HTTPStatus, quotaErr)
		return
	}

	apiErr := serverErrors.HandleError(err)
	c.AbortWithStatusJSON(apiErr.HTTPStatus, apiErr)
}
