package controller

import (
	"errors"

	"qa_lab_backend/internal/service"
	"qa_lab_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type AuthController struct {
	AuthService *service.AuthService
}

func NewAuthController(authService *service.AuthService) *AuthController {
	return &AuthController{AuthService: authService}
}

// @Summary 用户注册
// @Tags 认证
// @Accept json
// @Produce json
// @Param body body service.RegisterRequest true "注册信息"
// @Success 201 {object} util.Response
// @Router /api/auth/register [post]
func (c *AuthController) Register(ctx *gin.Context) {
	var req service.RegisterRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	user, err := c.AuthService.Register(req)
	if err != nil {
		if errors.Is(err, util.ErrEmailRegistered) {
			util.Conflict(ctx, err.Error())
			return
		}
		util.LogInternalError(ctx, err)
		return
	}
	util.Created(ctx, user)
}

// @Summary 用户登录
// @Tags 认证
// @Accept json
// @Produce json
// @Param body body service.LoginRequest true "登录信息"
// @Success 200 {object} util.Response
// @Router /api/auth/login [post]
func (c *AuthController) Login(ctx *gin.Context) {
	var req service.LoginRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	resp, err := c.AuthService.Login(req)
	if err != nil {
		if errors.Is(err, util.ErrUserNotFound) || errors.Is(err, util.ErrPermissionDenied) {
			util.Error(ctx, 401, "邮箱或密码错误")
			return
		}
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, resp)
}

// @Summary 当前用户信息
// @Tags 认证
// @Produce json
// @Security BearerAuth
// @Success 200 {object} util.Response
// @Router /api/auth/profile [get]
func (c *AuthController) Profile(ctx *gin.Context) {
	claims := util.GetUserFromContext(ctx)
	if claims == nil {
		util.Unauthorized(ctx)
		return
	}

	user, err := c.AuthService.GetProfile(claims.UserID)
	if err != nil {
		util.NotFound(ctx)
		return
	}
	util.Success(ctx, user)
}
