// Package api implements the HTTP control plane (spec §6): start/pause/
// stop/clear/enqueue per pipeline, a status endpoint, the watcher webhook
// a filesystem-scan tool can POST to, and the Prometheus /metrics mount.
//
// Grounded on the teacher's pkg/api/handlers.go: a Server struct holding
// its collaborators, one gin.HandlerFunc method per route, gin.H JSON
// error bodies.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codeready-toolchain/procorch/pkg/model"
	"github.com/codeready-toolchain/procorch/pkg/orchestrator"
	"github.com/codeready-toolchain/procorch/pkg/version"
)

// StatusStore resolves an image filesystem path to a catalog image_id for
// the watcher webhook.
type StatusStore interface {
	ResolvePath(ctx context.Context, path string) (int64, error)
}

// Server is the HTTP control plane.
type Server struct {
	orch   *orchestrator.Orchestrator
	images StatusStore
	router *gin.Engine
}

// NewServer builds a Server with every route registered.
func NewServer(orch *orchestrator.Orchestrator, images StatusStore) *Server {
	s := &Server{orch: orch, images: images, router: gin.Default()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", s.Health)
	s.router.GET("/status", s.Status)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	p := s.router.Group("/pipelines/:pipeline")
	p.POST("/start", s.StartPipeline)
	p.POST("/pause", s.PausePipeline)
	p.POST("/stop", s.StopPipeline)
	p.POST("/clear", s.ClearPipeline)
	p.POST("/enqueue", s.EnqueueImages)
	p.POST("/enqueue_folder", s.EnqueueFolder)

	s.router.POST("/control/start_all", s.StartAll)
	s.router.POST("/control/pause_all", s.PauseAll)
	s.router.POST("/control/stop_all", s.StopAll)
	s.router.POST("/control/clear_all", s.ClearAll)

	// process_image is the webhook a filesystem-scan tool POSTs to;
	// returns 202 immediately once the body parses and enqueues in the
	// background (spec §6).
	s.router.POST("/process_image", s.ProcessImage)
}

// Run starts the HTTP server on addr with gin's own Run, blocking until it
// returns an error. It has no graceful shutdown; callers needing one should
// serve Handler() from an http.Server they manage.
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

// Handler returns the underlying http.Handler for embedding in an
// http.Server the caller manages (e.g. for graceful shutdown).
func (s *Server) Handler() http.Handler {
	return s.router
}

func pipelineParam(c *gin.Context) (model.PipelineKind, bool) {
	p := model.PipelineKind(c.Param("pipeline"))
	if !p.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown pipeline: " + string(p)})
		return "", false
	}
	return p, true
}

// Health handles GET /health.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Full()})
}

// Status handles GET /status: every pipeline's current WorkerState.
func (s *Server) Status(c *gin.Context) {
	out := make(map[string]string, len(model.AllPipelines))
	for _, p := range model.AllPipelines {
		out[string(p)] = string(s.orch.State(p))
	}
	c.JSON(http.StatusOK, gin.H{"pipelines": out})
}

// StartPipeline handles POST /pipelines/:pipeline/start.
func (s *Server) StartPipeline(c *gin.Context) {
	pipeline, ok := pipelineParam(c)
	if !ok {
		return
	}
	if err := s.orch.Start(c.Request.Context(), pipeline); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "starting", "pipeline": pipeline})
}

// PausePipeline handles POST /pipelines/:pipeline/pause.
func (s *Server) PausePipeline(c *gin.Context) {
	pipeline, ok := pipelineParam(c)
	if !ok {
		return
	}
	if err := s.orch.Pause(c.Request.Context(), pipeline); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "pausing", "pipeline": pipeline})
}

// StopPipeline handles POST /pipelines/:pipeline/stop.
func (s *Server) StopPipeline(c *gin.Context) {
	pipeline, ok := pipelineParam(c)
	if !ok {
		return
	}
	if err := s.orch.Stop(c.Request.Context(), pipeline); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopping", "pipeline": pipeline})
}

// ClearPipeline handles POST /pipelines/:pipeline/clear.
func (s *Server) ClearPipeline(c *gin.Context) {
	pipeline, ok := pipelineParam(c)
	if !ok {
		return
	}
	if err := s.orch.Clear(c.Request.Context(), pipeline); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared", "pipeline": pipeline})
}

// enqueueRequest is the body for POST /pipelines/:pipeline/enqueue.
type enqueueRequest struct {
	ImageIDs []int64 `json:"image_ids" binding:"required"`
	Priority int     `json:"priority"`
}

// EnqueueImages handles POST /pipelines/:pipeline/enqueue.
func (s *Server) EnqueueImages(c *gin.Context) {
	pipeline, ok := pipelineParam(c)
	if !ok {
		return
	}
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n, err := s.orch.EnqueueImages(c.Request.Context(), pipeline, req.ImageIDs, req.Priority)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enqueued": n})
}

// enqueueFolderRequest is the body for POST /pipelines/:pipeline/enqueue_folder.
type enqueueFolderRequest struct {
	Folder    string `json:"folder" binding:"required"`
	Recursive bool   `json:"recursive"`
	Priority  int    `json:"priority"`
}

// EnqueueFolder handles POST /pipelines/:pipeline/enqueue_folder.
func (s *Server) EnqueueFolder(c *gin.Context) {
	pipeline, ok := pipelineParam(c)
	if !ok {
		return
	}
	var req enqueueFolderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n, err := s.orch.EnqueueFolder(c.Request.Context(), pipeline, req.Folder, req.Recursive, req.Priority)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enqueued": n})
}

// StartAll, PauseAll, StopAll, ClearAll handle the corresponding
// /control/*_all routes.
func (s *Server) StartAll(c *gin.Context) { s.all(c, s.orch.StartAll, "starting") }
func (s *Server) PauseAll(c *gin.Context) { s.all(c, s.orch.PauseAll, "pausing") }
func (s *Server) StopAll(c *gin.Context)  { s.all(c, s.orch.StopAll, "stopping") }
func (s *Server) ClearAll(c *gin.Context) { s.all(c, s.orch.ClearAll, "cleared") }

func (s *Server) all(c *gin.Context, op func(context.Context) error, status string) {
	if err := op(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

// processImageRequest is the body a filesystem-scan tool POSTs for one
// newly seen or changed image.
type processImageRequest struct {
	Path      string               `json:"path" binding:"required"`
	Pipelines []model.PipelineKind `json:"pipelines"`
}

// ProcessImage handles POST /process_image: resolves the path to an
// image_id and enqueues it for every valid pipeline listed in Pipelines.
// auto_on_scan settings are not consulted here, so an empty Pipelines list
// enqueues nothing. A body that does not parse or lacks path gets 400;
// otherwise it returns 202 immediately and enqueueing happens in the
// background so a slow catalog write never blocks the calling scan tool
// (spec §6).
func (s *Server) ProcessImage(c *gin.Context) {
	var req processImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})

	go func() {
		ctx := context.Background()
		imageID, err := s.images.ResolvePath(ctx, req.Path)
		if err != nil {
			slog.Warn("process_image: failed to resolve path", "path", req.Path, "error", err)
			return
		}
		for _, p := range req.Pipelines {
			if !p.IsValid() {
				continue
			}
			if _, err := s.orch.EnqueueImages(ctx, p, []int64{imageID}, 0); err != nil {
				slog.Warn("process_image: enqueue failed", "pipeline", p, "image_id", imageID, "error", err)
			}
		}
	}()
}
