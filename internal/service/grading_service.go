package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"qa_lab_backend/internal/config"
	"qa_lab_backend/internal/model"
	"qa_lab_backend/internal/queue"
	"qa_lab_backend/internal/repository"
	"qa_lab_backend/internal/util"
	"qa_lab_backend/pkg/logger"
	"qa_lab_backend/pkg/monitoring"

	"go.uber.org/zap"
)

// GradingService 判分准入与执行。准入只有一条路：
// grading_status 条件更新 PENDING/FAILED -> QUEUED，抢到的那一方才推队列，
// 所以同一答案任意时刻在途任务至多一个，队列消息丢了也只是延迟不会错判。
type GradingService struct {
	SubRepo   *repository.SubmissionRepository
	ExamRepo  *repository.ExamRepository
	Queue     queue.JobQueue
	Evaluator Evaluator
	Archiver  LogArchiver

	// mu 保护可热更新的配置字段，工作协程读与热更新写并发
	mu      sync.RWMutex
	Grading config.GradingConfig
	Eval    config.EvaluatorConfig
}

func NewGradingService(subRepo *repository.SubmissionRepository, examRepo *repository.ExamRepository, q queue.JobQueue, evaluator Evaluator, archiver LogArchiver, gradingCfg config.GradingConfig, evalCfg config.EvaluatorConfig) *GradingService {
	return &GradingService{
		SubRepo:   subRepo,
		ExamRepo:  examRepo,
		Queue:     q,
		Evaluator: evaluator,
		Archiver:  archiver,
		Grading:   gradingCfg,
		Eval:      evalCfg,
	}
}

func (s *GradingService) gradingConfig() config.GradingConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Grading
}

func (s *GradingService) evalConfig() config.EvaluatorConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Eval
}

// ApplyConfig 配置热更新入口：只接管可以在线调整的判分参数，
// 队列键、工作协程数等字段改了需要重启生效
func (s *GradingService) ApplyConfig(gradingCfg config.GradingConfig, evalCfg config.EvaluatorConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Grading.StaleAfterMinutes = gradingCfg.StaleAfterMinutes
	s.Eval.Model = evalCfg.Model
	s.Eval.PromptVersion = evalCfg.PromptVersion
	s.Eval.SchemaVersion = evalCfg.SchemaVersion
}

func (s *GradingService) admissionSet(force bool) []model.GradingStatus {
	if force {
		// 申诉重判允许从已判定状态重新入队
		return []model.GradingStatus{model.GradingPending, model.GradingFailed, model.GradingGraded}
	}
	return []model.GradingStatus{model.GradingPending, model.GradingFailed}
}

// EnqueueAnswer 单题准入。返回是否真正入队：没抢到状态迁移说明已在途或已判定，
// 这不是错误。
func (s *GradingService) EnqueueAnswer(ctx context.Context, submissionID, answerID uint, force bool) (bool, error) {
	won, err := s.SubRepo.TransitionStatus(answerID, s.admissionSet(force), model.GradingQueued, nil)
	if err != nil || !won {
		return false, err
	}

	job := queue.NewGradingJob(submissionID, answerID, force)
	if err := s.Queue.Push(ctx, job); err != nil {
		// 推队列失败则退回 PENDING，下次准入重试
		if _, revertErr := s.SubRepo.TransitionStatus(answerID,
			[]model.GradingStatus{model.GradingQueued}, model.GradingPending, nil); revertErr != nil {
			logger.Log.Error("failed to revert queued answer after push failure",
				zap.Uint("answerId", answerID), zap.Error(revertErr))
		}
		return false, err
	}

	logger.Log.Info("grading job enqueued",
		zap.Uint("submissionId", submissionID),
		zap.Uint("answerId", answerID),
		zap.Bool("force", force),
		zap.String("token", job.Token))
	return true, nil
}

// EnqueueQuestion 按提交+题目定位后准入，客观题不走评测器直接拒绝。
// 没入队时返回该题当前的判分状态，重复入队的调用方能看到任务已在途。
func (s *GradingService) EnqueueQuestion(ctx context.Context, submissionID, questionID uint, force bool) (bool, model.GradingStatus, error) {
	answer, err := s.SubRepo.FindAnswer(submissionID, questionID)
	if err != nil {
		return false, "", util.ErrAnswerNotFound
	}
	question, err := s.findQuestion(questionID)
	if err != nil {
		return false, "", err
	}
	if !question.Type.RequiresEvaluator() {
		return false, "", util.ErrInvalidQuestionType
	}

	won, err := s.EnqueueAnswer(ctx, submissionID, answer.ID, force)
	if err != nil {
		return false, "", err
	}
	if won {
		return true, model.GradingQueued, nil
	}
	current, err := s.SubRepo.FindAnswerByID(answer.ID)
	if err != nil {
		return false, "", err
	}
	return false, current.GradingStatus, nil
}

// BulkEnqueue 整份提交准入，返回实际入队数。单题失败不阻塞其余题目。
func (s *GradingService) BulkEnqueue(ctx context.Context, submissionID uint, force bool) (int, error) {
	submission, err := s.SubRepo.FindByID(submissionID)
	if err != nil {
		return 0, util.ErrSubmissionNotFound
	}
	return s.enqueueSubmissionAnswers(ctx, submission, force), nil
}

func (s *GradingService) enqueueSubmissionAnswers(ctx context.Context, submission *model.ExamSubmission, force bool) int {
	enqueued := 0
	for _, a := range submission.Answers {
		question, err := s.findQuestion(a.QuestionID)
		if err != nil || !question.Type.RequiresEvaluator() {
			continue
		}
		won, err := s.EnqueueAnswer(ctx, submission.ID, a.ID, force)
		if err != nil {
			logger.Log.Warn("bulk enqueue answer failed",
				zap.Uint("submissionId", submission.ID), zap.Uint("answerId", a.ID), zap.Error(err))
			continue
		}
		if won {
			enqueued++
		}
	}
	return enqueued
}

// BulkEnqueueResult 批量准入统计
type BulkEnqueueResult struct {
	SuccessCount int `json:"successCount"` // 有题目真正入队的提交数
	TotalCount   int `json:"totalCount"`
	Enqueued     int `json:"enqueued"` // 入队题目总数
}

// BulkEnqueueByExam 按试卷批量准入。逐提交处理，单份失败不阻塞其余提交。
func (s *GradingService) BulkEnqueueByExam(ctx context.Context, examID uint, force bool) (*BulkEnqueueResult, error) {
	if _, err := s.ExamRepo.FindByID(examID); err != nil {
		return nil, util.ErrExamNotFound
	}
	submissions, err := s.SubRepo.ListByExam(examID)
	if err != nil {
		return nil, err
	}

	result := &BulkEnqueueResult{TotalCount: len(submissions)}
	for i := range submissions {
		n := s.enqueueSubmissionAnswers(ctx, &submissions[i], force)
		result.Enqueued += n
		if n > 0 {
			result.SuccessCount++
		}
	}
	return result, nil
}

func (s *GradingService) findQuestion(questionID uint) (*model.ExamQuestion, error) {
	var q model.ExamQuestion
	if err := s.SubRepo.DB.First(&q, questionID).Error; err != nil {
		return nil, util.ErrAnswerNotFound
	}
	return &q, nil
}

// RunWorkers 启动判分工作池，阻塞到上下文取消
func (s *GradingService) RunWorkers(ctx context.Context, count int) {
	if count <= 0 {
		count = s.gradingConfig().WorkerCount
	}

	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.workerLoop(ctx, workerID)
		}(i)
	}
	wg.Wait()
}

func (s *GradingService) workerLoop(ctx context.Context, workerID int) {
	logger.Log.Info("grading worker started", zap.Int("worker", workerID))
	for {
		job, ok, err := s.Queue.Pop(ctx)
		if err != nil {
			logger.Log.Error("queue pop failed", zap.Int("worker", workerID), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}
		if !ok {
			logger.Log.Info("grading worker stopped", zap.Int("worker", workerID))
			return
		}
		s.Process(ctx, job)
	}
}

// Process 处理单个判分任务。认领是 QUEUED -> RUNNING 的条件更新，
// 没抢到说明消息重复或已被回收重派，直接丢弃。
func (s *GradingService) Process(ctx context.Context, job queue.GradingJob) {
	now := time.Now()
	claimed, err := s.SubRepo.ClaimRunning(job.AnswerID, now)
	if err != nil {
		logger.Log.Error("claim failed", zap.Uint("answerId", job.AnswerID), zap.Error(err))
		return
	}
	if !claimed {
		logger.Log.Debug("stale grading job dropped",
			zap.Uint("answerId", job.AnswerID), zap.String("token", job.Token))
		return
	}

	start := time.Now()
	outcome := s.evaluate(ctx, job)
	monitoring.GradingJobCounter.WithLabelValues(outcome).Inc()
	monitoring.GradingJobDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

func (s *GradingService) evaluate(ctx context.Context, job queue.GradingJob) string {
	answer, err := s.SubRepo.FindAnswerByID(job.AnswerID)
	if err != nil {
		s.fail(ctx, job, "answer disappeared after claim: "+err.Error())
		return "failed"
	}
	question, err := s.findQuestion(answer.QuestionID)
	if err != nil {
		s.fail(ctx, job, "question not found for answer")
		return "failed"
	}

	now := time.Now()
	evalCfg := s.evalConfig()
	if isBlank(answer.AnswerText) {
		feedback := []byte(`{"is_correct":false,"reason":"答案为空"}`)
		if _, err := s.SubRepo.CompleteGraded(job.AnswerID, 0, 100, feedback,
			"blank answer, skipped evaluator", "", "", evalCfg.PromptVersion, evalCfg.SchemaVersion, now); err != nil {
			logger.Log.Error("complete graded failed", zap.Uint("answerId", job.AnswerID), zap.Error(err))
			return "failed"
		}
		return "graded"
	}

	// 申诉重判沿用首判的引擎元数据，保证可比性
	evalReq := EvalRequest{
		QuestionType:  question.Type,
		QuestionOrder: question.OrderIndex,
		PromptMD:      question.PromptMD,
		Rubric:        question.RubricText,
		AnswerText:    *answer.AnswerText,
		PromptVersion: evalCfg.PromptVersion,
		SchemaVersion: evalCfg.SchemaVersion,
	}
	if job.Force && answer.EngineModel != "" {
		evalReq.Model = answer.EngineModel
		evalReq.PromptVersion = answer.EnginePromptVersion
		evalReq.SchemaVersion = answer.EngineSchemaVersion
	}

	result, err := s.Evaluator.Grade(ctx, evalReq)
	if err != nil {
		s.fail(ctx, job, err.Error())
		return "failed"
	}

	if _, err := s.SubRepo.CompleteGraded(job.AnswerID, result.Score, result.MaxScore,
		result.Feedback, result.Logs, "", result.Model, result.PromptVer, result.SchemaVer, time.Now()); err != nil {
		logger.Log.Error("complete graded failed", zap.Uint("answerId", job.AnswerID), zap.Error(err))
		return "failed"
	}

	logger.Log.Info("answer graded",
		zap.Uint("submissionId", job.SubmissionID),
		zap.Uint("answerId", job.AnswerID),
		zap.Int("score", result.Score))
	return "graded"
}

// fail 终结为 FAILED：完整诊断归档到对象存储，库里只留摘要和归档键
func (s *GradingService) fail(ctx context.Context, job queue.GradingJob, diagnostics string) {
	now := time.Now()
	logKey := ArchiveKey(job.SubmissionID, job.AnswerID, now)
	if err := s.Archiver.Archive(ctx, logKey, diagnostics); err != nil {
		logger.Log.Warn("diagnostics archive failed", zap.String("key", logKey), zap.Error(err))
		logKey = ""
	}

	summary := truncate(diagnostics, 500)
	if _, err := s.SubRepo.CompleteFailed(job.AnswerID, summary, logKey, now); err != nil {
		logger.Log.Error("complete failed transition error", zap.Uint("answerId", job.AnswerID), zap.Error(err))
		return
	}

	logger.Log.Warn("answer grading failed",
		zap.Uint("submissionId", job.SubmissionID),
		zap.Uint("answerId", job.AnswerID),
		zap.String("logKey", logKey))
}

// RequeueStale 回收 RUNNING 超龄的答案：进程崩溃或评测器卡死会留下孤儿 RUNNING，
// 条件更新迁回 QUEUED 后重新派发
func (s *GradingService) RequeueStale(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-time.Duration(s.gradingConfig().StaleAfterMinutes) * time.Minute)
	stale, err := s.SubRepo.ListStaleRunning(cutoff)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, a := range stale {
		won, err := s.SubRepo.TransitionStatus(a.ID,
			[]model.GradingStatus{model.GradingRunning}, model.GradingQueued,
			map[string]interface{}{"claimed_at": nil})
		if err != nil {
			return requeued, err
		}
		if !won {
			continue
		}
		job := queue.NewGradingJob(a.SubmissionID, a.ID, false)
		if err := s.Queue.Push(ctx, job); err != nil {
			return requeued, err
		}
		requeued++
		logger.Log.Warn("stale running answer requeued",
			zap.Uint("answerId", a.ID), zap.Timep("claimedAt", a.ClaimedAt))
	}
	return requeued, nil
}

// RunStaleReclaimer 后台定时回收，阻塞到上下文取消
func (s *GradingService) RunStaleReclaimer(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.RequeueStale(ctx); err != nil {
				logger.Log.Error("stale requeue pass failed", zap.Error(err))
			} else if n > 0 {
				logger.Log.Info("stale requeue pass done", zap.Int("requeued", n))
			}
		}
	}
}

// RunQueueDepthReporter 定时把 QUEUED 题数写进 Prometheus 指标
func (s *GradingService) RunQueueDepthReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := s.SubRepo.CountByGradingStatus()
			if err != nil {
				continue
			}
			monitoring.GradingQueueDepth.Set(float64(counts[model.GradingQueued]))
		}
	}
}

// OpsSummary 运维概览
type OpsSummary struct {
	GradingCounts map[model.GradingStatus]int64 `json:"gradingCounts"`
	StaleRunning  int                           `json:"staleRunning"`
	Workers       int                           `json:"workers"`
	StaleAfter    string                        `json:"staleAfter"`
}

func (s *GradingService) Summary() (*OpsSummary, error) {
	counts, err := s.SubRepo.CountByGradingStatus()
	if err != nil {
		return nil, err
	}
	gradingCfg := s.gradingConfig()
	cutoff := time.Now().Add(-time.Duration(gradingCfg.StaleAfterMinutes) * time.Minute)
	stale, err := s.SubRepo.ListStaleRunning(cutoff)
	if err != nil {
		return nil, err
	}
	return &OpsSummary{
		GradingCounts: counts,
		StaleRunning:  len(stale),
		Workers:       gradingCfg.WorkerCount,
		StaleAfter:    fmt.Sprintf("%dm", gradingCfg.StaleAfterMinutes),
	}, nil
}
