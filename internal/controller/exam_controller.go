package controller

import (
	"errors"
	"strconv"
	"time"

	"qa_lab_backend/internal/service"
	"qa_lab_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type ExamController struct {
	ExamService *service.ExamService
	AuthService *service.AuthService
}

func NewExamController(examService *service.ExamService, authService *service.AuthService) *ExamController {
	return &ExamController{ExamService: examService, AuthService: authService}
}

// @Summary 创建试卷
// @Tags 试卷
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body service.ExamRequest true "试卷内容"
// @Success 201 {object} util.Response
// @Router /api/admin/exams [post]
func (c *ExamController) Create(ctx *gin.Context) {
	var req service.ExamRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	exam, err := c.ExamService.CreateExam(req)
	if err != nil {
		if errors.Is(err, util.ErrInvalidChoiceIndex) {
			util.BadRequest(ctx, err.Error())
			return
		}
		util.LogInternalError(ctx, err)
		return
	}
	util.Created(ctx, exam)
}

// @Summary 复制并重新发布试卷
// @Tags 试卷
// @Produce json
// @Security BearerAuth
// @Param id path int true "试卷ID"
// @Success 201 {object} util.Response
// @Router /api/admin/exams/{id}/republish [post]
func (c *ExamController) Republish(ctx *gin.Context) {
	examID, err := util.ParseUintParam(ctx.Param("id"))
	if err != nil {
		util.BadRequest(ctx, "invalid exam id")
		return
	}

	exam, err := c.ExamService.Republish(examID)
	if err != nil {
		if errors.Is(err, util.ErrExamNotFound) {
			util.NotFound(ctx)
			return
		}
		util.LogInternalError(ctx, err)
		return
	}
	util.Created(ctx, exam)
}

// @Summary 管理端试卷列表
// @Tags 试卷
// @Produce json
// @Security BearerAuth
// @Param page query int false "页码"
// @Param limit query int false "每页数量"
// @Success 200 {object} util.Response
// @Router /api/admin/exams [get]
func (c *ExamController) ListAll(ctx *gin.Context) {
	page, _ := strconv.Atoi(ctx.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	exams, total, err := c.ExamService.ListExams(page, limit)
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, util.PageResponse{List: exams, Total: total, Page: page, Limit: limit})
}

// @Summary 学生可见试卷列表
// @Tags 试卷
// @Produce json
// @Security BearerAuth
// @Success 200 {object} util.Response
// @Router /api/exams [get]
func (c *ExamController) ListForStudent(ctx *gin.Context) {
	claims := util.GetUserFromContext(ctx)
	user, err := c.AuthService.GetProfile(claims.UserID)
	if err != nil {
		util.Unauthorized(ctx)
		return
	}

	exams, err := c.ExamService.ListForStudent(user)
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, exams)
}

// @Summary 打开试卷（限时卷首次打开即开始计时）
// @Tags 试卷
// @Produce json
// @Security BearerAuth
// @Param id path int true "试卷ID"
// @Success 200 {object} util.Response
// @Router /api/exams/{id} [get]
func (c *ExamController) Detail(ctx *gin.Context) {
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

	detail, err := c.ExamService.GetDetailForStudent(examID, user, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, util.ErrExamNotFound):
			util.NotFound(ctx)
		case errors.Is(err, util.ErrExamNotAccessible), errors.Is(err, util.ErrExamNotYetStarted):
			util.Forbidden(ctx)
		default:
			util.LogInternalError(ctx, err)
		}
		return
	}
	util.Success(ctx, detail)
}
