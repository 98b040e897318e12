// @title QA Lab 考试判分后端 API
// @version 1.0
// @description 考试提交与自动判分服务：交卷、判分队列、人工复核、成绩公开。

// @host localhost:8080
// @BasePath /api
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

package main

import (
	"flag"
	"log"
	"path/filepath"

	"qa_lab_backend/internal/app"
	"qa_lab_backend/internal/config"
	"qa_lab_backend/pkg/configwatcher"
	"qa_lab_backend/pkg/database"
	"qa_lab_backend/pkg/logger"
)

func main() {
	migrateOnly := flag.Bool("migrate-only", false, "只执行数据库迁移，完成后退出")
	migrate := flag.Bool("migrate", false, "启动时强制执行数据库迁移（即使是 release 模式）")
	flag.Parse()

	cfg, err := config.LoadConfig("configs")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	cfg.ForceMigrate = *migrate || *migrateOnly
	cfg.MigrateOnly = *migrateOnly

	if *migrateOnly {
		logger.InitLogger(cfg)
		db, err := database.InitDB(&cfg.Database)
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		if err := database.Migrate(db); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("数据库迁移完成，退出程序")
		return
	}

	application := app.NewApp(cfg)
	defer logger.Log.Sync()

	go configwatcher.WatchConfig(filepath.Join("configs", "config.yaml"), application.ApplyConfig)

	application.Run()
}
