package controller

import (
	"context"
	"strconv"
	"strings"
	"time"

	"codalab/internal/evaluation/model"
	"codalab/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// EvaluationService is the subset of the orchestrator the HTTP surface calls.
type EvaluationService interface {
	Evaluate(ctx context.Context, submissionID int64, skipPrediction bool) (*model.Job, error)
	Cancel(ctx context.Context, submissionID int64) (model.SubmissionStatus, error)
	HandleCallback(ctx context.Context, jobID string, update model.WorkerUpdate) (model.JobStatus, error)
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	Echo(ctx context.Context, text string) (*model.Job, error)
	SendMassEmail(ctx context.Context, args model.MassEmailArgs) (*model.Job, error)
}

// EvaluationController handles evaluation HTTP endpoints.
type EvaluationController struct {
	svc EvaluationService
}

// NewEvaluationController creates a new EvaluationController.
func NewEvaluationController(svc EvaluationService) *EvaluationController {
	return &EvaluationController{svc: svc}
}

// RegisterRoutes mounts the evaluation endpoints on group.
func (h *EvaluationController) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/submissions/:id/evaluate", h.Evaluate)
	group.POST("/submissions/:id/cancel", h.Cancel)
	group.POST("/jobs/echo", h.Echo)
	group.POST("/jobs/mass-email", h.SendMassEmail)
	group.POST("/jobs/:id/callback", h.Callback)
	group.GET("/jobs/:id", h.GetJob)
}

// Evaluate starts evaluation of one submission.
func (h *EvaluationController) Evaluate(c *gin.Context) {
	submissionID, ok := parseSubmissionID(c)
	if !ok {
		return
	}

	var req EvaluateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request parameters")
			return
		}
	}

	job, err := h.svc.Evaluate(c.Request.Context(), submissionID, req.SkipPrediction)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, newJobResponse(job))
}

// Cancel moves a non-terminal submission to cancelled.
func (h *EvaluationController) Cancel(c *gin.Context) {
	submissionID, ok := parseSubmissionID(c)
	if !ok {
		return
	}

	status, err := h.svc.Cancel(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, CancelResponse{SubmissionID: submissionID, Status: string(status)})
}

// Callback accepts a worker status update for a job.
func (h *EvaluationController) Callback(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		response.BadRequest(c, "Invalid job id")
		return
	}

	// Same payload compute workers publish on the response topic.
	var update model.WorkerUpdate
	if err := c.ShouldBindJSON(&update); err != nil || strings.TrimSpace(update.Status) == "" {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	status, err := h.svc.HandleCallback(c.Request.Context(), jobID, update)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, CallbackResponse{JobID: jobID, JobStatus: string(status)})
}

// GetJob returns one job.
func (h *EvaluationController) GetJob(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		response.BadRequest(c, "Invalid job id")
		return
	}

	job, err := h.svc.GetJob(c.Request.Context(), jobID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, newJobResponse(job))
}

// Echo queues an echo job.
func (h *EvaluationController) Echo(c *gin.Context) {
	var req EchoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	job, err := h.svc.Echo(c.Request.Context(), req.Text)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, newJobResponse(job))
}

// SendMassEmail queues a mass email job.
func (h *EvaluationController) SendMassEmail(c *gin.Context) {
	var req MassEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	job, err := h.svc.SendMassEmail(c.Request.Context(), model.MassEmailArgs{
		Subject:    req.Subject,
		Body:       req.Body,
		HTML:       req.HTML,
		FromEmail:  req.FromEmail,
		Recipients: req.Recipients,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, newJobResponse(job))
}

func parseSubmissionID(c *gin.Context) (int64, bool) {
	submissionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || submissionID <= 0 {
		response.BadRequest(c, "Invalid submission id")
		return 0, false
	}
	return submissionID, true
}

func newJobResponse(job *model.Job) JobResponse {
	resp := JobResponse{
		ID:        job.ID,
		TaskType:  job.TaskType,
		Status:    string(job.Status),
		CreatedAt: job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if len(job.Info) > 0 {
		resp.Info = job.Info
	}
	return resp
}

// EvaluateRequest is the optional body of the evaluate endpoint.
type EvaluateRequest struct {
	SkipPrediction bool `json:"skip_prediction"`
}

type EchoRequest struct {
	Text string `json:"text"`
}

type MassEmailRequest struct {
	Subject    string   `json:"subject" binding:"required"`
	Body       string   `json:"body"`
	HTML       bool     `json:"html"`
	FromEmail  string   `json:"from_email"`
	Recipients []string `json:"to_emails" binding:"required"`
}

type JobResponse struct {
	ID        string      `json:"id"`
	TaskType  string      `json:"task_type"`
	Status    string      `json:"status"`
	Info      interface{} `json:"info,omitempty"`
	CreatedAt string      `json:"created_at"`
	UpdatedAt string      `json:"updated_at"`
}

type CancelResponse struct {
	SubmissionID int64  `json:"submission_id"`
	Status       string `json:"status"`
}

type CallbackResponse struct {
	JobID     string `json:"job_id"`
	JobStatus string `json:"job_status"`
}
