// Package api is the API Adapter: translating the external REST contract
// in spec.md §6 into Deployment Manager operations. Out of the core's
// deep specification scope per spec.md §1, but wired here with
// gin-gonic/gin to match the teacher's own HTTP framework, since every
// ambient concern still follows the teacher's stack even where a
// Non-goal narrows the feature surface.
package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"deployctl/internal/deployment"
	"deployctl/internal/eventlog"
	"deployctl/internal/security"
)

// Version is this control plane's reported build version.
const Version = "0.1.0"

// Server wires the REST surface onto a Deployment Manager, an opaque
// UserDirectory for HTTP Basic auth, and the optional quota/rate-limit
// collaborators enforced ahead of every deploy request.
type Server struct {
	manager *deployment.Manager
	users   *UserDirectory
	quota   *security.QuotaService // optional
	limiter *security.RateLimiter  // optional

	mu     sync.Mutex
	owners map[string]string // project -> owning username; in-memory only, no Non-goal on state persistence is violated
}

// NewServer builds a Server. quota and limiter may be nil, in which case
// their checks are skipped.
func NewServer(manager *deployment.Manager, users *UserDirectory, quota *security.QuotaService, limiter *security.RateLimiter) *Server {
	return &Server{
		manager: manager,
		users:   users,
		quota:   quota,
		limiter: limiter,
		owners:  make(map[string]string),
	}
}

// Router builds the gin.Engine mounting every endpoint in spec.md §6.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/status", func(c *gin.Context) { c.String(http.StatusOK, "Ok") })
	r.GET("/version", func(c *gin.Context) { c.String(http.StatusOK, Version) })

	authed := r.Group("/")
	authed.Use(s.basicAuth())

	authed.POST("/users/:username", s.handleCreateUser)

	authed.POST("/projects/:project", s.handleDeploy)
	authed.GET("/projects/:project", s.handleGetProject)
	authed.DELETE("/projects/:project", s.handleDeleteProject)
	authed.GET("/projects/:project/deployments/:id", s.handleGetDeployment)
	authed.DELETE("/projects/:project/deployments/:id", s.handleDeleteDeployment)
	authed.POST("/projects/:project/secrets", s.handleSetSecrets)
	authed.GET("/projects/:project/logs/stream", s.handleStreamLogs)

	return r
}

// basicAuth authenticates the API key carried as the Basic-auth username
// (password is always empty per spec.md §6) and stashes the resolved
// username in the gin context for downstream handlers.
func (s *Server) basicAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey, _, ok := c.Request.BasicAuth()
		if !ok || apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
			return
		}

		username, ok := s.users.Authenticate(apiKey)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}

		c.Set("username", username)
		c.Next()
	}
}

func (s *Server) currentUser(c *gin.Context) string {
	v, _ := c.Get("username")
	username, _ := v.(string)
	return username
}

func (s *Server) handleCreateUser(c *gin.Context) {
	if !s.users.IsAdmin(s.currentUser(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin only"})
		return
	}

	username := c.Param("username")
	key, err := s.users.CreateUser(username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.String(http.StatusOK, key)
}

func (s *Server) handleDeploy(c *gin.Context) {
	project := c.Param("project")
	if !ValidProjectName(project) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project name"})
		return
	}

	user := s.currentUser(c)
	if err := s.claimOwnership(project, user); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if s.limiter != nil {
		limits := security.DeploymentLimits{MaxConcurrent: 4, MaxPerMonth: 1000}
		if err := s.limiter.CheckAndIncrementDeploymentLimit(c.Request.Context(), project, limits); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
	}

	if s.quota != nil {
		q, err := s.quota.GetQuotaForProject(c.Request.Context(), project)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		monthly, err := s.quota.MonthlyUsage(c.Request.Context(), project)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		usage := security.Usage{
			CurrentConcurrentDeployments: s.manager.ActiveWorkerCount(project),
			CurrentDeploymentsPerMonth:   monthly,
		}
		if ok, reason := q.WithinQuota(usage); !ok {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": reason})
			return
		}
	}

	meta, err := s.manager.Deploy(c.Request.Context(), project, c.Request.Body)
	if err == nil && s.quota != nil {
		if recErr := s.quota.RecordDeployment(c.Request.Context(), project); recErr != nil {
			log.Printf("⚠️ failed to record deployment usage for project %s: %v", project, recErr)
		}
	}
	s.respondMeta(c, meta, err)
}

func (s *Server) handleGetProject(c *gin.Context) {
	meta, err := s.manager.GetByProject(c.Param("project"))
	s.respondMeta(c, meta, err)
}

func (s *Server) handleDeleteProject(c *gin.Context) {
	project := c.Param("project")
	meta, err := s.manager.KillByProject(c.Request.Context(), project)
	s.respondMeta(c, meta, err)
	if err == nil {
		s.releaseOwnership(project)
	}
}

func (s *Server) handleGetDeployment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such deployment"})
		return
	}
	meta, err := s.manager.GetByID(id)
	s.respondMeta(c, meta, err)
}

func (s *Server) handleDeleteDeployment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such deployment"})
		return
	}
	meta, err := s.manager.KillByID(c.Request.Context(), id)
	s.respondMeta(c, meta, err)
}

func (s *Server) handleSetSecrets(c *gin.Context) {
	var secrets map[string]string
	if err := c.ShouldBindJSON(&secrets); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	meta, err := s.manager.SetSecrets(c.Request.Context(), c.Param("project"), secrets)
	s.respondMeta(c, meta, err)
}

// handleStreamLogs streams build/runtime log lines for a deployment id as
// Server-Sent Events, grounded on the old platform logger's SSE handler
// (internal/eventlog.StreamSSE).
func (s *Server) handleStreamLogs(c *gin.Context) {
	idStr := c.Query("deployment_id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid deployment_id"})
		return
	}

	broker, ok := s.manager.LogBroker(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such deployment"})
		return
	}

	ch, unsubscribe := broker.Subscribe()
	defer unsubscribe()

	eventlog.StreamSSE(c, ch)
}

// respondMeta maps a Deployment Manager result onto the HTTP contract in
// spec.md §7: no error -> 200 with the JSON DeploymentMeta (build/load
// failures are recorded on the meta's ERROR state, not propagated as HTTP
// errors), NotFound -> 404, Busy -> 429, any other error -> 500.
func (s *Server) respondMeta(c *gin.Context, meta deployment.Meta, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, meta)
	case errors.Is(err, deployment.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, deployment.ErrBusy):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "busy"})
	default:
		var internal *deployment.InternalError
		if errors.As(err, &internal) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": internal.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) claimOwnership(project, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, exists := s.owners[project]
	if exists && owner != user {
		return fmt.Errorf("%w: project %s", deployment.ErrProjectExists, project)
	}
	s.owners[project] = user
	return nil
}

func (s *Server) releaseOwnership(project string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.owners, project)
}
