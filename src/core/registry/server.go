package registry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mcp-mesh/src/core/config"
	"mcp-mesh/src/core/database"
	"mcp-mesh/src/core/logger"
	"mcp-mesh/src/core/registry/tracing"
)

// Server is the registry's HTTP surface: a gin.Engine plus the
// background health monitor and tracing manager it owns, with routes
// wired by hand rather than generated from an OpenAPI schema.
type Server struct {
	engine        *gin.Engine
	store         *database.Store
	service       *RegistrationService
	health        *AgentHealthMonitor
	tracing       *tracing.Manager
	responseCache *cache
	cacheEnabled  bool
	enableMetrics bool
	startTime     time.Time
	logger        *logger.Logger
}

// NewServer wires a Server from its collaborators plus the shared
// registry configuration.
func NewServer(store *database.Store, cfg *config.Config, log *logger.Logger) *Server {
	resolver := NewDependencyResolver(store, log)
	topology := NewTopologyNotifier(store)
	service := NewRegistrationService(store, resolver, topology, log)
	health := NewAgentHealthMonitor(store, topology, log, cfg)

	var traceManager *tracing.Manager
	tracingConfig := tracing.ConfigFromEnv()
	if tm, err := tracing.NewManager(tracingConfig); err != nil {
		log.Warning("failed to initialize tracing manager: %v", err)
	} else {
		traceManager = tm
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(gin.Logger())

	s := &Server{
		engine:        engine,
		store:         store,
		service:       service,
		health:        health,
		tracing:       traceManager,
		responseCache: newCache(time.Duration(cfg.CacheTTL) * time.Second),
		cacheEnabled:  cfg.EnableResponseCache,
		enableMetrics: cfg.EnableMetrics,
		startTime:     time.Now().UTC(),
		logger:        log,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)

	s.engine.POST("/agents/register", s.handleRegister)
	s.engine.POST("/agents/:id/heartbeat", s.handleHeartbeat)
	s.engine.HEAD("/agents/:id/heartbeat", s.handleProbeHeartbeat)
	s.engine.DELETE("/agents/:id", s.handleDeregister)
	s.engine.GET("/agents", s.handleListAgents)
	s.engine.GET("/services/discover/:capability", s.handleDiscover)

	s.engine.GET("/trace/status", s.handleTracingStatus)
	s.engine.GET("/trace/stats", s.handleTracingStats)
	s.engine.GET("/trace/info", s.handleTracingInfo)
	s.engine.GET("/trace/list", s.handleTraceList)
	s.engine.GET("/trace/:trace_id", s.handleTraceGet)
	s.engine.GET("/trace/search", s.handleTraceSearch)
}

// Run starts the HTTP server and background tasks.
func (s *Server) Run(addr string) error {
	s.health.Start()
	if s.tracing != nil {
		if err := s.tracing.Start(); err != nil {
			s.logger.Warning("failed to start distributed tracing: %v", err)
		}
	}
	return s.engine.Run(addr)
}

// Stop stops background tasks (health monitor and tracing). It does not
// close the HTTP listener started by Start.
func (s *Server) Stop() error {
	s.health.Stop()
	if s.tracing != nil {
		if err := s.tracing.Stop(); err != nil {
			s.logger.Warning("failed to stop distributed tracing: %v", err)
		}
	}
	return nil
}

// Handler exposes the underlying gin engine for embedding in an
// http.Server the caller controls the lifecycle of.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":     "healthy",
		"uptime_sec": int(time.Since(s.startTime).Seconds()),
	}

	if s.enableMetrics {
		if stats, err := s.store.Stats(); err != nil {
			s.logger.Warning("failed to collect health stats: %v", err)
		} else {
			resp["stats"] = stats
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRegister(c *gin.Context) {
	var snap AgentSnapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		writeError(c, ValidationError{Field: "request", Message: err.Error()})
		return
	}

	resp, err := s.service.RegisterAgent(c.Request.Context(), &snap)
	if err != nil {
		writeError(c, err)
		return
	}
	s.responseCache.invalidate()
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	agentID := c.Param("id")
	var snap AgentSnapshot
	// A heartbeat body is optional; liveness-only pings may send nothing.
	_ = c.ShouldBindJSON(&snap)

	resp, err := s.service.UpdateHeartbeat(c.Request.Context(), agentID, &snap)
	if err != nil {
		writeError(c, err)
		return
	}
	s.responseCache.invalidate()
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleProbeHeartbeat(c *gin.Context) {
	agentID := c.Param("id")
	switch s.service.ProbeHeartbeat(c.Request.Context(), agentID) {
	case probeGone:
		c.Status(http.StatusGone)
	case probeChanged:
		c.Status(http.StatusAccepted)
	default:
		c.Status(http.StatusOK)
	}
}

func (s *Server) handleDeregister(c *gin.Context) {
	agentID := c.Param("id")
	if err := s.service.DeregisterAgent(c.Request.Context(), agentID); err != nil {
		writeError(c, err)
		return
	}
	s.responseCache.invalidate()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListAgents(c *gin.Context) {
	namespace := c.Query("namespace")
	status := c.Query("status")

	cacheKey := s.responseCache.generateCacheKey("agents", gin.H{"namespace": namespace, "status": status})
	if s.cacheEnabled {
		if cached := s.responseCache.get(cacheKey); cached != nil {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	agents, err := s.service.ListAgents(c.Request.Context(), namespace, status)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{"agents": agents, "count": len(agents)}
	if s.cacheEnabled {
		s.responseCache.set(cacheKey, resp)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDiscover(c *gin.Context) {
	capability := c.Param("capability")
	spec := DependencySpec{
		Capability: capability,
		Namespace:  c.Query("namespace"),
		Version:    c.Query("version"),
	}
	if tags := c.QueryArray("tags"); len(tags) > 0 {
		spec.Tags = tags
	}

	cacheKey := s.responseCache.generateCacheKey("discover", spec)
	if s.cacheEnabled {
		if cached := s.responseCache.get(cacheKey); cached != nil {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	res := s.service.Discover(c.Request.Context(), spec)
	if res == nil {
		c.JSON(http.StatusOK, gin.H{"resolved": false})
		return
	}
	resp := gin.H{"resolved": true, "provider": res}
	if s.cacheEnabled {
		s.responseCache.set(cacheKey, resp)
	}
	c.JSON(http.StatusOK, resp)
}

// writeError maps the registry's error taxonomy (errors.go) onto HTTP
// status codes.
func writeError(c *gin.Context, err error) {
	switch e := err.(type) {
	case ValidationError:
		c.JSON(http.StatusBadRequest, gin.H{"error": e.Message, "field": e.Field, "error_code": e.Code})
	case *ConflictError:
		c.JSON(http.StatusBadRequest, gin.H{"error": e.Message, "error_code": e.Code})
	case *NotFoundError:
		c.JSON(http.StatusNotFound, gin.H{"error": e.Error()})
	case *TransientStoreError:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": e.Error()})
	case *PermanentStoreError:
		c.JSON(http.StatusInternalServerError, gin.H{"error": e.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleTracingInfo(c *gin.Context) {
	if s.tracing == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false, "reason": "tracing not initialized"})
		return
	}
	c.JSON(http.StatusOK, s.tracing.GetInfo())
}

func (s *Server) handleTracingStatus(c *gin.Context) {
	if s.tracing == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false, "reason": "tracing not initialized"})
		return
	}
	c.JSON(http.StatusOK, s.tracing.GetInfo())
}

func (s *Server) handleTracingStats(c *gin.Context) {
	if s.tracing == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false, "reason": "tracing not initialized"})
		return
	}
	stats := s.tracing.GetStats()
	if stats == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": true, "stats_available": false})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleTraceList(c *gin.Context) {
	if s.tracing == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false, "traces": []interface{}{}, "total": 0})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 || limit > 100 {
		limit = 20
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	traces := s.tracing.ListTraces(limit, offset)
	c.JSON(http.StatusOK, gin.H{
		"enabled": true,
		"traces":  traces,
		"total":   s.tracing.GetTraceCount(),
		"limit":   limit,
		"offset":  offset,
		"count":   len(traces),
	})
}

func (s *Server) handleTraceGet(c *gin.Context) {
	if s.tracing == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "tracing not enabled", "enabled": false})
		return
	}
	traceID := c.Param("trace_id")
	trace, found := s.tracing.GetTrace(traceID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "trace not found", "trace_id": traceID})
		return
	}
	c.JSON(http.StatusOK, trace)
}

func (s *Server) handleTraceSearch(c *gin.Context) {
	if s.tracing == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false, "traces": []interface{}{}, "total": 0})
		return
	}

	criteria := tracing.TraceSearchCriteria{}
	if v := c.Query("parent_span_id"); v != "" {
		criteria.ParentSpanID = &v
	}
	if v := c.Query("agent_name"); v != "" {
		criteria.AgentName = &v
	}
	if v := c.Query("operation"); v != "" {
		criteria.Operation = &v
	}
	if v := c.Query("success"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			criteria.Success = &b
		}
	}
	if v := c.Query("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			criteria.StartTime = &t
		}
	}
	if v := c.Query("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			criteria.EndTime = &t
		}
	}
	if v := c.Query("min_duration_ms"); v != "" {
		if d, err := strconv.ParseInt(v, 10, 64); err == nil {
			criteria.MinDuration = &d
		}
	}
	if v := c.Query("max_duration_ms"); v != "" {
		if d, err := strconv.ParseInt(v, 10, 64); err == nil {
			criteria.MaxDuration = &d
		}
	}
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil && limit > 0 && limit <= 100 {
		criteria.Limit = limit
	} else {
		criteria.Limit = 20
	}

	traces := s.tracing.SearchTraces(criteria)
	c.JSON(http.StatusOK, gin.H{
		"enabled":  true,
		"traces":   traces,
		"count":    len(traces),
		"criteria": criteria,
	})
}
