package app

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qa_lab_backend/internal/config"
	"qa_lab_backend/internal/controller"
	"qa_lab_backend/internal/queue"
	"qa_lab_backend/internal/repository"
	"qa_lab_backend/internal/service"
	"qa_lab_backend/pkg/database"
	"qa_lab_backend/pkg/logger"
	"qa_lab_backend/pkg/monitoring"
	"qa_lab_backend/pkg/security"
	"qa_lab_backend/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type App struct {
	Config   *config.Config
	Router   *gin.Engine
	DB       *gorm.DB
	Redis    *redis.Client
	services *services

	bgCancel context.CancelFunc
}

type repositories struct {
	user       *repository.UserRepository
	exam       *repository.ExamRepository
	submission *repository.SubmissionRepository
}

type services struct {
	auth        *service.AuthService
	exam        *service.ExamService
	submission  *service.SubmissionService
	grading     *service.GradingService
	review      *service.ReviewService
	publication *service.PublicationService
}

type controllers struct {
	auth       *controller.AuthController
	exam       *controller.ExamController
	submission *controller.SubmissionController
	grading    *controller.GradingController
	health     *controller.HealthController
}

func (a *App) initRepositories(db *gorm.DB) *repositories {
	return &repositories{
		user:       repository.NewUserRepository(db),
		exam:       repository.NewExamRepository(db),
		submission: repository.NewSubmissionRepository(db),
	}
}

func (a *App) initServices(repos *repositories, cfg *config.Config, db *gorm.DB, rdb *redis.Client) *services {
	s := &services{}

	s.auth = service.NewAuthService(repos.user, cfg)
	s.exam = service.NewExamService(repos.exam, repos.submission)

	jobQueue := queue.NewRedisQueue(rdb, cfg.Grading.QueueKey)
	evaluator := service.NewEvaluatorService(cfg.Evaluator)

	var archiver service.LogArchiver = service.NoopArchiver{}
	if cfg.Archive.Enabled {
		minioArchiver, err := service.NewMinioArchiver(&cfg.Archive)
		if err != nil {
			logger.Log.Fatal("Failed to initialize log archiver", zap.Error(err))
		}
		archiver = minioArchiver
	}

	s.grading = service.NewGradingService(repos.submission, repos.exam, jobQueue, evaluator, archiver, cfg.Grading, cfg.Evaluator)
	s.submission = service.NewSubmissionService(db, repos.exam, repos.submission, s.exam, s.grading)
	s.review = service.NewReviewService(repos.submission, repos.exam, s.grading)
	s.publication = service.NewPublicationService(db, repos.exam, repos.submission)

	return s
}

func (a *App) initControllers(s *services, db *gorm.DB, rdb *redis.Client) *controllers {
	return &controllers{
		auth:       controller.NewAuthController(s.auth),
		exam:       controller.NewExamController(s.exam, s.auth),
		submission: controller.NewSubmissionController(s.submission, s.auth),
		grading:    controller.NewGradingController(s.grading, s.review, s.publication),
		health:     controller.NewHealthController(db, rdb),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.CORS(cfg.CORS.AllowedOrigins))
	router.Use(security.Secure())

	maxRequests := cfg.RateLimit.MaxRequests
	if maxRequests <= 0 {
		maxRequests = 1000
	}
	window := time.Duration(cfg.RateLimit.WindowMinutes) * time.Minute
	if window <= 0 {
		window = time.Minute
	}
	router.Use(security.RateLimiter(maxRequests, window))

	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

// startBackgroundTasks 判分工作池、超龄回收、队列深度上报
func (a *App) startBackgroundTasks(s *services) {
	ctx, cancel := context.WithCancel(context.Background())
	a.bgCancel = cancel

	go s.grading.RunWorkers(ctx, a.Config.Grading.WorkerCount)
	go s.grading.RunStaleReclaimer(ctx, time.Minute)
	go s.grading.RunQueueDepthReporter(ctx, 15*time.Second)
}

func NewApp(cfg *config.Config) *App {
	logger.InitLogger(cfg)

	logger.Log.Info("Logger initialized successfully")

	db, err := database.InitDB(&cfg.Database)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
	}

	rdb, err := database.InitRedis(&cfg.Redis)
	if err != nil {
		logger.Log.Fatal("Failed to initialize redis", zap.Error(err))
	}

	app := &App{
		Config: cfg,
		DB:     db,
		Redis:  rdb,
	}

	repos := app.initRepositories(db)
	services := app.initServices(repos, cfg, db, rdb)
	app.services = services
	controllers := app.initControllers(services, db, rdb)

	monitoring.Init()

	gin.SetMode(cfg.Server.Mode)
	router := gin.Default()
	app.Router = router

	app.setupMiddlewares(router, cfg)

	if cfg.Tracing.Enabled {
		if _, err := tracing.InitTracer("qa-lab-backend", cfg.Tracing.CollectorEndpoint); err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
	}

	app.registerRoutes(router, controllers, cfg)

	app.startBackgroundTasks(services)

	return app
}

// ApplyConfig 配置热更新：只接管可以在线调整的判分参数，
// 端口、数据库、队列键等字段改了需要重启生效
func (a *App) ApplyConfig(cfg *config.Config) {
	a.services.grading.ApplyConfig(cfg.Grading, cfg.Evaluator)

	logger.Log.Info("config reloaded",
		zap.Int("staleAfterMinutes", cfg.Grading.StaleAfterMinutes),
		zap.Int("promptVersion", cfg.Evaluator.PromptVersion),
		zap.String("evaluatorModel", cfg.Evaluator.Model))
}

func (a *App) Run() {
	srv := &http.Server{
		Addr:    ":" + a.Config.Server.Port,
		Handler: a.Router,
	}

	go func() {
		log.Printf("Server running on port %s", a.Config.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 等待中断信号优雅地关闭服务器（设置5秒的超时时间）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// 先停后台判分，RUNNING 的孤儿任务由下次启动的超龄回收接手
	if a.bgCancel != nil {
		a.bgCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exiting")
}
