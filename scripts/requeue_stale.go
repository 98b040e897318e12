// 手动触发超龄 RUNNING 判分任务回收脚本
//
// 该功能已集成到主应用的后台定时任务中（每分钟自动执行一次）。
// 此脚本仅用于手动触发，例如进程崩溃重启后想立即回收孤儿任务，
// 而不等下一轮定时器。
//
// 用法: go run scripts/requeue_stale.go

package main

import (
	"context"
	"log"

	"qa_lab_backend/internal/config"
	"qa_lab_backend/internal/queue"
	"qa_lab_backend/internal/repository"
	"qa_lab_backend/internal/service"
	"qa_lab_backend/pkg/database"
	"qa_lab_backend/pkg/logger"
)

func main() {
	cfg, err := config.LoadConfig("configs")
	if err != nil {
		log.Fatalf("无法读取配置文件: %v", err)
	}

	logger.InitLogger(cfg)

	db, err := database.InitDB(&cfg.Database)
	if err != nil {
		log.Fatalf("数据库连接失败: %v", err)
	}

	rdb, err := database.InitRedis(&cfg.Redis)
	if err != nil {
		log.Fatalf("Redis 连接失败: %v", err)
	}

	grading := service.NewGradingService(
		repository.NewSubmissionRepository(db),
		repository.NewExamRepository(db),
		queue.NewRedisQueue(rdb, cfg.Grading.QueueKey),
		service.NewEvaluatorService(cfg.Evaluator),
		service.NoopArchiver{},
		cfg.Grading,
		cfg.Evaluator,
	)

	log.Println("手动触发超龄任务回收...")
	count, err := grading.RequeueStale(context.Background())
	if err != nil {
		log.Fatalf("回收失败: %v", err)
	}
	log.Printf("完成！重新入队 %d 道题", count)
}
