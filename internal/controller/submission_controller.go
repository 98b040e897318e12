package controller

import (
	"errors"
	"strconv"
	"time"

	"qa_lab_backend/internal/service"
	"qa_lab_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type SubmissionController struct {
	SubmissionService *service.SubmissionService
	AuthService       *service.AuthService
}

func NewSubmissionController(submissionService *service.SubmissionService, authService *service.AuthService) *SubmissionController {
	return &SubmissionController{SubmissionService: submissionService, AuthService: authService}
}

// @Summary 交卷
// @Tags 提交
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "试卷ID"
// @Param body body service.SubmitRequest true "答案列表"
// @Success 201 {object} util.Response
// @Router /api/exams/{id}/submissions [post]
func (c *SubmissionController) Submit(ctx *gin.Context) {
	examID, err := util.ParseUintParam(ctx.Param("id"))
	if err != nil {
		util.BadRequest(ctx, "invalid exam id")
		return
	}

	claims := util.GetUserFromContext(ctx)
	user, err := c.AuthService.GetProfile(claims.UserID)
	if err != nil {
		util.Unauthorized(ctx)
		return
	}

	var req service.SubmitRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	submission, err := c.SubmissionService.Submit(ctx.Request.Context(), examID, user, req, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, util.ErrExamNotFound):
			util.NotFound(ctx)
		case errors.Is(err, util.ErrExamNotAccessible), errors.Is(err, util.ErrExamNotYetStarted):
			util.Forbidden(ctx)
		case errors.Is(err, util.ErrExamExpired), errors.Is(err, util.ErrAlreadySubmitted):
			util.Conflict(ctx, err.Error())
		case errors.Is(err, util.ErrMissingRequired), errors.Is(err, util.ErrInvalidChoiceIndex),
			errors.Is(err, util.ErrAnswerNotFound):
			util.BadRequest(ctx, err.Error())
		default:
			util.LogInternalError(ctx, err)
		}
		return
	}
	util.Created(ctx, submission)
}

// @Summary 查看提交（成绩受公开范围控制）
// @Tags 提交
// @Produce json
// @Security BearerAuth
// @Param id path int true "提交ID"
// @Success 200 {object} util.Response
// @Router /api/submissions/{id} [get]
func (c *SubmissionController) Get(ctx *gin.Context) {
	submissionID, err := util.ParseUintParam(ctx.Param("id"))
	if err != nil {
		util.BadRequest(ctx, "invalid submission id")
		return
	}

	claims := util.GetUserFromContext(ctx)
	view, err := c.SubmissionService.GetSubmission(submissionID, claims)
	if err != nil {
		switch {
		case errors.Is(err, util.ErrSubmissionNotFound):
			util.NotFound(ctx)
		case errors.Is(err, util.ErrPermissionDenied):
			util.Forbidden(ctx)
		default:
			util.LogInternalError(ctx, err)
		}
		return
	}
	util.Success(ctx, view)
}

// @Summary 我的提交历史
// @Tags 提交
// @Produce json
// @Security BearerAuth
// @Param limit query int false "数量上限"
// @Success 200 {object} util.Response
// @Router /api/submissions/mine [get]
func (c *SubmissionController) ListMine(ctx *gin.Context) {
	claims := util.GetUserFromContext(ctx)
	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "50"))

	views, err := c.SubmissionService.ListMine(claims.UserID, limit)
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, views)
}

// @Summary 按试卷列提交（管理端）
// @Tags 提交
// @Produce json
// @Security BearerAuth
// @Param id path int true "试卷ID"
// @Success 200 {object} util.Response
// @Router /api/admin/exams/{id}/submissions [get]
func (c *SubmissionController) ListByExam(ctx *gin.Context) {
	examID, err := util.ParseUintParam(ctx.Param("id"))
	if err != nil {
		util.BadRequest(ctx, "invalid exam id")
		return
	}

	views, err := c.SubmissionService.ListByExam(examID)
	if err != nil {
		if errors.Is(err, util.ErrExamNotFound) {
			util.NotFound(ctx)
			return
		}
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, views)
}
