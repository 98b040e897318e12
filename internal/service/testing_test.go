package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"

	"qa_lab_backend/internal/config"
	"qa_lab_backend/internal/model"
	"qa_lab_backend/internal/repository"
	"qa_lab_backend/pkg/database"
	"qa_lab_backend/pkg/logger"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func init() {
	logger.Log = zap.NewNop()
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	// 内存库每个连接各自独立，收紧到单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))
	return db
}

func newTestRepos(t *testing.T) (*gorm.DB, *repository.ExamRepository, *repository.SubmissionRepository, *repository.UserRepository) {
	db := newTestDB(t)
	return db, repository.NewExamRepository(db), repository.NewSubmissionRepository(db), repository.NewUserRepository(db)
}

var userSeq uint64

func seedUser(t *testing.T, db *gorm.DB, role model.UserRole, track string) *model.User {
	t.Helper()
	n := atomic.AddUint64(&userSeq, 1)
	user := &model.User{
		Username:  fmt.Sprintf("user-%d", n),
		Name:      "测试用户",
		Email:     fmt.Sprintf("user-%d@test.local", n),
		Password:  "x",
		Role:      role,
		TrackName: track,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func mustChoices(t *testing.T, choices []string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(choices)
	require.NoError(t, err)
	return raw
}

// seedExam 一道客观题 + 一道主观题 + 一道代码题
func seedExam(t *testing.T, db *gorm.DB, duration *int) *model.Exam {
	t.Helper()
	exam := &model.Exam{
		Title:           "数据结构期末",
		Status:          model.ExamPublished,
		DurationMinutes: duration,
		Questions: []model.ExamQuestion{
			{
				OrderIndex:         1,
				Type:               model.QuestionObjective,
				PromptMD:           "栈的特点是？",
				Choices:            mustChoices(t, []string{"先进先出", "后进先出", "随机访问"}),
				CorrectChoiceIndex: intPtr(1),
				Required:           true,
			},
			{
				OrderIndex: 2,
				Type:       model.QuestionFreeText,
				PromptMD:   "简述快速排序的平均时间复杂度及原因。",
				RubricText: "O(n log n)，每轮划分期望均衡",
				Required:   true,
			},
			{
				OrderIndex: 3,
				Type:       model.QuestionCode,
				PromptMD:   "实现单链表反转。",
				RubricText: "迭代或递归均可，返回新头结点",
				Required:   false,
			},
		},
	}
	require.NoError(t, db.Create(exam).Error)
	return exam
}

func testGradingConfig() config.GradingConfig {
	return config.GradingConfig{WorkerCount: 2, QueueKey: "grading:test", StaleAfterMinutes: 10}
}

func testEvalConfig() config.EvaluatorConfig {
	return config.EvaluatorConfig{
		BaseURL:        "http://evaluator.test",
		Model:          "test-model",
		PromptVersion:  1,
		SchemaVersion:  1,
		TimeoutSeconds: 5,
		MaxTokens:      256,
	}
}

// fakeEvaluator 可编程评测器
type fakeEvaluator struct {
	grade func(req EvalRequest) (*EvalResult, error)
	calls []EvalRequest
}

func (f *fakeEvaluator) Grade(_ context.Context, req EvalRequest) (*EvalResult, error) {
	f.calls = append(f.calls, req)
	if f.grade != nil {
		return f.grade(req)
	}
	feedback, _ := json.Marshal(map[string]interface{}{"is_correct": true, "reason": "ok"})
	return &EvalResult{
		Score: 80, MaxScore: 100, Feedback: feedback, Logs: "score=80",
		Model: "test-model", PromptVer: 1, SchemaVer: 1,
	}, nil
}
