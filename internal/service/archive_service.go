package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"qa_lab_backend/internal/config"
	"qa_lab_backend/pkg/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// LogArchiver 判分诊断归档。库中只留摘要，完整评测器输出归档到对象存储，
// 供运维排查评测失败。
type LogArchiver interface {
	Archive(ctx context.Context, key string, content string) error
}

// MinioArchiver MinIO 实现
type MinioArchiver struct {
	client *minio.Client
	bucket string
}

func NewMinioArchiver(cfg *config.ArchiveConfig) (*MinioArchiver, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessID, cfg.MinioSecret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}

	return &MinioArchiver{client: client, bucket: cfg.MinioBucket}, nil
}

func (a *MinioArchiver) Archive(ctx context.Context, key string, content string) error {
	reader := strings.NewReader(content)
	_, err := a.client.PutObject(ctx, a.bucket, key, reader, int64(reader.Len()), minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
	})
	return err
}

// NoopArchiver 未配置对象存储时使用，只打日志不归档
type NoopArchiver struct{}

func (NoopArchiver) Archive(ctx context.Context, key string, content string) error {
	logger.Log.Debug("log archive disabled, dropping diagnostics", zap.String("key", key))
	return nil
}

// ArchiveKey 归档对象命名：按日期分目录，便于生命周期清理
func ArchiveKey(submissionID, answerID uint, now time.Time) string {
	return fmt.Sprintf("grading-logs/%s/submission-%d/answer-%d-%d.log",
		now.Format("2006-01-02"), submissionID, answerID, now.UnixNano())
}
