package app

import (
	"qa_lab_backend/docs"
	"qa_lab_backend/internal/config"
	"qa_lab_backend/internal/middleware"
	"qa_lab_backend/internal/model"
	"qa_lab_backend/pkg/monitoring"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	docs.SwaggerInfo.BasePath = "/api"
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/swagger/doc.json")))

	router.GET("/metrics", monitoring.PrometheusHandler())

	// 公共路由（无需登录）
	public := router.Group("/api")
	{
		public.GET("/health", c.health.HealthCheck)
		public.POST("/auth/register", c.auth.Register)
		public.POST("/auth/login", c.auth.Login)
	}

	// 学生及通用接口
	authGroup := router.Group("/api")
	authGroup.Use(middleware.AuthMiddleware(cfg))
	{
		authGroup.GET("/auth/profile", c.auth.Profile)

		authGroup.GET("/exams", c.exam.ListForStudent)
		authGroup.GET("/exams/:id", c.exam.Detail)
		authGroup.POST("/exams/:id/submissions", c.submission.Submit)

		authGroup.GET("/submissions/mine", c.submission.ListMine)
		authGroup.GET("/submissions/:id", c.submission.Get)
		authGroup.POST("/submissions/:id/questions/:questionId/appeal", c.grading.Appeal)
	}

	// 管理端接口
	admin := router.Group("/api/admin")
	admin.Use(middleware.AuthMiddleware(cfg), middleware.RoleMiddleware(model.RoleAdmin))
	{
		admin.POST("/exams", c.exam.Create)
		admin.GET("/exams", c.exam.ListAll)
		admin.POST("/exams/:id/republish", c.exam.Republish)
		admin.GET("/exams/:id/submissions", c.submission.ListByExam)
		admin.POST("/exams/:id/enqueue", c.grading.BulkEnqueueByExam)
		admin.POST("/exams/:id/publish", c.grading.PublishExam)
		admin.DELETE("/exams/:id/publish", c.grading.UnpublishExam)

		admin.POST("/submissions/:id/enqueue", c.grading.BulkEnqueue)
		admin.POST("/submissions/:id/questions/:questionId/enqueue", c.grading.Enqueue)
		admin.PUT("/submissions/:id/questions/:questionId/grade", c.grading.ManualGrade)
		admin.GET("/submissions/:id/appeals", c.grading.ListAppeals)
		admin.POST("/submissions/:id/publish", c.grading.PublishSubmission)
		admin.DELETE("/submissions/:id/publish", c.grading.UnpublishSubmission)

		admin.POST("/grading/requeue-stale", c.grading.RequeueStale)
		admin.GET("/grading/summary", c.grading.Summary)
	}
}
