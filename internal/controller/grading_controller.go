package controller

import (
	"errors"

	"qa_lab_backend/internal/service"
	"qa_lab_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type GradingController struct {
	GradingService     *service.GradingService
	ReviewService      *service.ReviewService
	PublicationService *service.PublicationService
}

func NewGradingController(gradingService *service.GradingService, reviewService *service.ReviewService, publicationService *service.PublicationService) *GradingController {
	return &GradingController{
		GradingService:     gradingService,
		ReviewService:      reviewService,
		PublicationService: publicationService,
	}
}

func pathIDs(ctx *gin.Context) (uint, uint, bool) {
	submissionID, err := util.ParseUintParam(ctx.Param("id"))
	if err != nil {
		util.BadRequest(ctx, "invalid submission id")
		return 0, 0, false
	}
	questionID, err := util.ParseUintParam(ctx.Param("questionId"))
	if err != nil {
		util.BadRequest(ctx, "invalid question id")
		return 0, 0, false
	}
	return submissionID, questionID, true
}

// @Summary 单题重新入队判分
// @Tags 判分
// @Produce json
// @Security BearerAuth
// @Param id path int true "提交ID"
// @Param questionId path int true "题目ID"
// @Param force query bool false "已判定也强制重判"
// @Success 200 {object} util.Response
// @Router /api/admin/submissions/{id}/questions/{questionId}/enqueue [post]
func (c *GradingController) Enqueue(ctx *gin.Context) {
	submissionID, questionID, ok := pathIDs(ctx)
	if !ok {
		return
	}
	force := ctx.Query("force") == "true"

	enqueued, status, err := c.GradingService.EnqueueQuestion(ctx.Request.Context(), submissionID, questionID, force)
	if err != nil {
		switch {
		case errors.Is(err, util.ErrAnswerNotFound):
			util.NotFound(ctx)
		case errors.Is(err, util.ErrInvalidQuestionType):
			util.BadRequest(ctx, err.Error())
		default:
			util.LogInternalError(ctx, err)
		}
		return
	}
	util.Success(ctx, gin.H{"enqueued": enqueued, "gradingStatus": status})
}

// @Summary 整卷重新入队判分
// @Tags 判分
// @Produce json
// @Security BearerAuth
// @Param id path int true "提交ID"
// @Param force query bool false "已判定也强制重判"
// @Success 200 {object} util.Response
// @Router /api/admin/submissions/{id}/enqueue [post]
func (c *GradingController) BulkEnqueue(ctx *gin.Context) {
	submissionID, err := util.ParseUintParam(ctx.Param("id"))
	if err != nil {
		util.BadRequest(ctx, "invalid submission id")
		return
	}
	force := ctx.Query("force") == "true"

	count, err := c.GradingService.BulkEnqueue(ctx.Request.Context(), submissionID, force)
	if err != nil {
		if errors.Is(err, util.ErrSubmissionNotFound) {
			util.NotFound(ctx)
			return
		}
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"enqueued": count})
}

// @Summary 按试卷批量入队判分
// @Tags 判分
// @Produce json
// @Security BearerAuth
// @Param id path int true "试卷ID"
// @Param force query bool false "已判定也强制重判"
// @Success 200 {object} util.Response
// @Router /api/admin/exams/{id}/enqueue [post]
func (c *GradingController) BulkEnqueueByExam(ctx *gin.Context) {
	examID, err := util.ParseUintParam(ctx.Param("id"))
	if err != nil {
		util.BadRequest(ctx, "invalid exam id")
		return
	}
	force := ctx.Query("force") == "true"

	result, err := c.GradingService.BulkEnqueueByExam(ctx.Request.Context(), examID, force)
	if err != nil {
		if errors.Is(err, util.ErrExamNotFound) {
			util.NotFound(ctx)
			return
		}
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, result)
}

// @Summary 人工改分
// @Tags 判分
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "提交ID"
// @Param questionId path int true "题目ID"
// @Param body body service.ManualGradeRequest true "分数与说明"
// @Success 200 {object} util.Response
// @Router /api/admin/submissions/{id}/questions/{questionId}/grade [put]
func (c *GradingController) ManualGrade(ctx *gin.Context) {
	submissionID, questionID, ok := pathIDs(ctx)
	if !ok {
		return
	}

	var req service.ManualGradeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	claims := util.GetUserFromContext(ctx)
	answer, err := c.ReviewService.SetManualGrade(submissionID, questionID, req, claims.UserID)
	if err != nil {
		switch {
		case errors.Is(err, util.ErrAnswerNotFound):
			util.NotFound(ctx)
		case errors.Is(err, util.ErrInvalidQuestionType), errors.Is(err, util.ErrScoreOutOfRange):
			util.BadRequest(ctx, err.Error())
		default:
			util.LogInternalError(ctx, err)
		}
		return
	}
	util.Success(ctx, answer)
}

// @Summary 学生申诉重判
// @Tags 判分
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "提交ID"
// @Param questionId path int true "题目ID"
// @Param body body service.AppealRequest true "申诉理由"
// @Success 200 {object} util.Response
// @Router /api/submissions/{id}/questions/{questionId}/appeal [post]
func (c *GradingController) Appeal(ctx *gin.Context) {
	submissionID, questionID, ok := pathIDs(ctx)
	if !ok {
		return
	}

	var req service.AppealRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	claims := util.GetUserFromContext(ctx)
	result, err := c.ReviewService.RequestAppeal(ctx.Request.Context(), submissionID, questionID, claims, req)
	if err != nil {
		switch {
		case errors.Is(err, util.ErrSubmissionNotFound), errors.Is(err, util.ErrAnswerNotFound):
			util.NotFound(ctx)
		case errors.Is(err, util.ErrPermissionDenied):
			util.Forbidden(ctx)
		case errors.Is(err, util.ErrInvalidQuestionType), errors.Is(err, util.ErrMissingRequired):
			util.BadRequest(ctx, err.Error())
		default:
			util.LogInternalError(ctx, err)
		}
		return
	}
	util.Success(ctx, result)
}

// @Summary 提交的申诉记录
// @Tags 判分
// @Produce json
// @Security BearerAuth
// @Param id path int true "提交ID"
// @Success 200 {object} util.Response
// @Router /api/admin/submissions/{id}/appeals [get]
func (c *GradingController) ListAppeals(ctx *gin.Context) {
	submissionID, err := util.ParseUintParam(ctx.Param("id"))
	if err != nil {
		util.BadRequest(ctx, "invalid submission id")
		return
	}

	appeals, err := c.ReviewService.ListAppeals(submissionID)
	if err != nil {
		if errors.Is(err, util.ErrSubmissionNotFound) {
			util.NotFound(ctx)
			return
		}
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, appeals)
}

func (c *GradingController) publishError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, util.ErrSubmissionNotFound), errors.Is(err, util.ErrExamNotFound):
		util.NotFound(ctx)
	case errors.Is(err, util.ErrNotFullyGraded), errors.Is(err, util.ErrHasPendingReview),
		errors.Is(err, util.ErrPublishedAtExamScope):
		util.Conflict(ctx, err.Error())
	default:
		util.LogInternalError(ctx, err)
	}
}

// @Summary 公开单份提交成绩
// @Tags 成绩公开
// @Produce json
// @Security BearerAuth
// @Param id path int true "提交ID"
// @Success 200 {object} util.Response
// @Router /api/admin/submissions/{id}/publish [post]
func (c *GradingController) PublishSubmission(ctx *gin.Context) {
	submissionID, err := util.ParseUintParam(ctx.Param("id"))
	if err != nil {
		util.BadRequest(ctx, "invalid submission id")
		return
	}

	if err := c.PublicationService.PublishSubmission(submissionID); err != nil {
		c.publishError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"published": true})
}

// @Summary 撤回单份提交成绩
// @Tags 成绩公开
// @Produce json
// @Security BearerAuth
// @Param id path int true "提交ID"
// @Success 200 {object} util.Response
// @Router /api/admin/submissions/{id}/publish [delete]
func (c *GradingController) UnpublishSubmission(ctx *gin.Context) {
	submissionID, err := util.ParseUintParam(ctx.Param("id"))
	if err != nil {
		util.BadRequest(ctx, "invalid submission id")
		return
	}

	if err := c.PublicationService.UnpublishSubmission(submissionID); err != nil {
		c.publishError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"published": false})
}

// @Summary 公开整卷成绩（全部提交必须判分完成）
// @Tags 成绩公开
// @Produce json
// @Security BearerAuth
// @Param id path int true "试卷ID"
// @Success 200 {object} util.Response
// @Router /api/admin/exams/{id}/publish [post]
func (c *GradingController) PublishExam(ctx *gin.Context) {
	examID, err := util.ParseUintParam(ctx.Param("id"))
	if err != nil {
		util.BadRequest(ctx, "invalid exam id")
		return
	}

	if err := c.PublicationService.PublishExam(examID); err != nil {
		c.publishError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"published": true})
}

// @Summary 撤回整卷成绩（连提交级公开一并撤回）
// @Tags 成绩公开
// @Produce json
// @Security BearerAuth
// @Param id path int true "试卷ID"
// @Success 200 {object} util.Response
// @Router /api/admin/exams/{id}/publish [delete]
func (c *GradingController) UnpublishExam(ctx *gin.Context) {
	examID, err := util.ParseUintParam(ctx.Param("id"))
	if err != nil {
		util.BadRequest(ctx, "invalid exam id")
		return
	}

	if err := c.PublicationService.UnpublishExam(examID); err != nil {
		c.publishError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"published": false})
}

// @Summary 回收超龄 RUNNING 判分任务
// @Tags 判分
// @Produce json
// @Security BearerAuth
// @Success 200 {object} util.Response
// @Router /api/admin/grading/requeue-stale [post]
func (c *GradingController) RequeueStale(ctx *gin.Context) {
	count, err := c.GradingService.RequeueStale(ctx.Request.Context())
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"requeued": count})
}

// @Summary 判分运维概览
// @Tags 判分
// @Produce json
// @Security BearerAuth
// @Success 200 {object} util.Response
// @Router /api/admin/grading/summary [get]
func (c *GradingController) Summary(ctx *gin.Context) {
	summary, err := c.GradingService.Summary()
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, summary)
}
