package api

import (
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mpataki/testorch/internal/models"
	"github.com/mpataki/testorch/internal/orchestrator"
	"github.com/mpataki/testorch/internal/policy"
)

type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
	Class  string `json:"class"`
	// Result carries partial progress when a multi-step call failed late.
	Result any `json:"result,omitempty"`
}

type IngestBody struct {
	Name          string            `json:"name"`
	TargetBaseURL string            `json:"target_base_url"`
	Endpoints     []models.Endpoint `json:"endpoints"`
}

type IngestResponse struct {
	Accepted bool            `json:"accepted"`
	Project  *models.Project `json:"project"`
}

type GenerateBody struct {
	TargetBaseURL string `json:"target_base_url"`
}

type GenerateResponse struct {
	ArtifactID string               `json:"artifact_id"`
	Artifact   *models.TestArtifact `json:"artifact"`
}

type HealBody struct {
	Kind        models.HealKind `json:"kind"`
	RunResultID string          `json:"run_result_id"`
	SourceFile  string          `json:"source_file"`
}

type CycleBody struct {
	TargetBaseURL string `json:"target_base_url"`
	// HealKind is test_patch, code_diagnosis, none or auto; empty uses the
	// server's configured policy.
	HealKind string `json:"heal_kind"`
}

type HistoryResponse struct {
	History []*models.HistoryRecord `json:"history"`
}

var statusByKind = map[orchestrator.Kind]int{
	orchestrator.KindValidation:              http.StatusBadRequest,
	orchestrator.KindNotFound:                http.StatusNotFound,
	orchestrator.KindConflict:                http.StatusConflict,
	orchestrator.KindInvalidState:            http.StatusConflict,
	orchestrator.KindQuotaExceeded:           http.StatusTooManyRequests,
	orchestrator.KindGenerationFailed:        http.StatusBadGateway,
	orchestrator.KindHealingFailed:           http.StatusBadGateway,
	orchestrator.KindExecutionInfrastructure: http.StatusServiceUnavailable,
	orchestrator.KindTimeout:                 http.StatusGatewayTimeout,
	orchestrator.KindCancelled:               http.StatusServiceUnavailable,
}

// writeError maps an engine error onto the HTTP contract. Errors without an
// engine kind are storage outages and surface as 500.
func (s *Server) writeError(c *gin.Context, err error, partial any) {
	resp := ErrorResponse{Error: "internal", Detail: err.Error(), Class: "internal"}
	status := http.StatusInternalServerError

	var e *orchestrator.Error
	if errors.As(err, &e) {
		resp.Error = string(e.Kind)
		resp.Class = string(e.Kind)
		if e.Reason != "" {
			resp.Detail = e.Reason
		}
		status = statusByKind[e.Kind]
		if e.Kind == orchestrator.KindQuotaExceeded && e.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(e.RetryAfter.Seconds()))))
		}
	} else {
		s.logger.Error("internal error", "path", c.FullPath(), "err", err)
	}
	resp.Result = partial
	c.JSON(status, resp)
}

func (s *Server) badRequest(c *gin.Context, detail string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:  string(orchestrator.KindValidation),
		Detail: detail,
		Class:  string(orchestrator.KindValidation),
	})
}

// bindOptional decodes a body that may be absent entirely.
func (s *Server) bindOptional(c *gin.Context, out any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(out); err != nil && !errors.Is(err, io.EOF) {
		s.badRequest(c, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) HandleIngest(c *gin.Context) {
	var body IngestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, "invalid request body: "+err.Error())
		return
	}

	p, err := s.engine.Ingest(c.Request.Context(), orchestrator.IngestRequest{
		ProjectID:     c.Param("id"),
		Name:          body.Name,
		Endpoints:     body.Endpoints,
		TargetBaseURL: body.TargetBaseURL,
	})
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, IngestResponse{Accepted: true, Project: p})
}

func (s *Server) HandleGenerate(c *gin.Context) {
	var body GenerateBody
	if !s.bindOptional(c, &body) {
		return
	}

	a, err := s.engine.Generate(c.Request.Context(), c.Param("id"), body.TargetBaseURL)
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, GenerateResponse{ArtifactID: a.ID, Artifact: a})
}

// HandleRun answers 200 for failing tests too; only infrastructure trouble
// is an error.
func (s *Server) HandleRun(c *gin.Context) {
	run, err := s.engine.Run(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) HandleHeal(c *gin.Context) {
	var body HealBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, "invalid request body: "+err.Error())
		return
	}

	res, err := s.engine.Heal(c.Request.Context(), orchestrator.HealRequest{
		ProjectID:   c.Param("id"),
		Kind:        body.Kind,
		RunResultID: body.RunResultID,
		SourceFile:  body.SourceFile,
	})
	if err != nil {
		var partial any
		if res != nil {
			partial = res
		}
		s.writeError(c, err, partial)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) HandleCycle(c *gin.Context) {
	var body CycleBody
	if !s.bindOptional(c, &body) {
		return
	}

	selector := s.policy
	if body.HealKind != "" {
		var err error
		if selector, err = policy.FromName(body.HealKind); err != nil {
			s.badRequest(c, err.Error())
			return
		}
	}

	report, err := s.engine.Cycle(c.Request.Context(), orchestrator.CycleRequest{
		ProjectID:     c.Param("id"),
		TargetBaseURL: body.TargetBaseURL,
		SelectHeal:    orchestrator.HealSelector(selector),
	})
	if err != nil {
		var partial any
		if report != nil {
			partial = report
		}
		s.writeError(c, err, partial)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) HandleProject(c *gin.Context) {
	p, err := s.engine.Project(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) HandleListProjects(c *gin.Context) {
	projects, err := s.engine.Projects(c.Request.Context())
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	if projects == nil {
		projects = []*models.Project{}
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) HandleHistory(c *gin.Context) {
	q := models.HistoryQuery{ProjectID: c.Query("project_id")}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.badRequest(c, "limit must be a non-negative integer")
			return
		}
		q.Limit = limit
	}

	history := []*models.HistoryRecord{}
	for rec, err := range s.engine.History(c.Request.Context(), q) {
		if err != nil {
			s.writeError(c, err, nil)
			return
		}
		history = append(history, rec)
	}
	c.JSON(http.StatusOK, HistoryResponse{History: history})
}

func (s *Server) HandleStats(c *gin.Context) {
	stats, err := s.engine.DashboardStats(c.Request.Context())
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, stats)
}
