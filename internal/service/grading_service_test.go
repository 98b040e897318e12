package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"qa_lab_backend/internal/model"
	"qa_lab_backend/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSubmit(t *testing.T, svc *SubmissionService, examID uint, student *model.User) *model.ExamSubmission {
	t.Helper()
	exam, err := svc.ExamRepo.FindByIDWithQuestions(examID)
	require.NoError(t, err)

	submission, err := svc.Submit(context.Background(), examID, student, submitAll(t, exam, "O(n log n)", "func reverse..."), time.Now())
	require.NoError(t, err)
	return submission
}

func drainQueue(t *testing.T, g *GradingService) {
	t.Helper()
	for {
		popCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		job, ok, err := g.Queue.Pop(popCtx)
		cancel()
		require.NoError(t, err)
		if !ok {
			return
		}
		g.Process(context.Background(), job)
	}
}

func answerByQuestion(t *testing.T, g *GradingService, submissionID, questionID uint) *model.ExamAnswer {
	t.Helper()
	answer, err := g.SubRepo.FindAnswer(submissionID, questionID)
	require.NoError(t, err)
	return answer
}

func TestEnqueueAdmission(t *testing.T) {
	ctx := context.Background()
	db, subSvc, grading, q, _ := newSubmissionStack(t)
	exam := seedExam(t, db, nil)
	student := seedUser(t, db, model.RoleStudent, "")
	submission := mustSubmit(t, subSvc, exam.ID, student)

	freeText := answerByQuestion(t, grading, submission.ID, exam.Questions[1].ID)
	require.Equal(t, model.GradingQueued, freeText.GradingStatus)

	t.Run("已入队的不重复入队", func(t *testing.T) {
		won, err := grading.EnqueueAnswer(ctx, submission.ID, freeText.ID, false)
		require.NoError(t, err)
		assert.False(t, won)

		// 重复入队时调用方要能看到任务已在途
		enqueued, status, err := grading.EnqueueQuestion(ctx, submission.ID, exam.Questions[1].ID, false)
		require.NoError(t, err)
		assert.False(t, enqueued)
		assert.Equal(t, model.GradingQueued, status)
	})

	t.Run("客观题拒绝入队", func(t *testing.T) {
		_, _, err := grading.EnqueueQuestion(ctx, submission.ID, exam.Questions[0].ID, false)
		assert.ErrorIs(t, err, util.ErrInvalidQuestionType)
	})

	t.Run("判完后普通入队被拒强制入队放行", func(t *testing.T) {
		drainQueue(t, grading)

		graded := answerByQuestion(t, grading, submission.ID, exam.Questions[1].ID)
		require.Equal(t, model.GradingGraded, graded.GradingStatus)

		won, err := grading.EnqueueAnswer(ctx, submission.ID, graded.ID, false)
		require.NoError(t, err)
		assert.False(t, won)

		won, err = grading.EnqueueAnswer(ctx, submission.ID, graded.ID, true)
		require.NoError(t, err)
		assert.True(t, won)

		// 清掉这条消息，避免影响后续断言
		popCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, ok, err := q.Pop(popCtx)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestBulkEnqueueByExam(t *testing.T) {
	ctx := context.Background()
	db, subSvc, grading, _, _ := newSubmissionStack(t)
	exam := seedExam(t, db, nil)
	alice := seedUser(t, db, model.RoleStudent, "")
	bob := seedUser(t, db, model.RoleStudent, "")

	mustSubmit(t, subSvc, exam.ID, alice)
	mustSubmit(t, subSvc, exam.ID, bob)
	drainQueue(t, grading)

	t.Run("全部判完时普通批量无事可做", func(t *testing.T) {
		result, err := grading.BulkEnqueueByExam(ctx, exam.ID, false)
		require.NoError(t, err)
		assert.Equal(t, 2, result.TotalCount)
		assert.Equal(t, 0, result.SuccessCount)
		assert.Equal(t, 0, result.Enqueued)
	})

	t.Run("强制批量重判覆盖两份提交", func(t *testing.T) {
		result, err := grading.BulkEnqueueByExam(ctx, exam.ID, true)
		require.NoError(t, err)
		assert.Equal(t, 2, result.TotalCount)
		assert.Equal(t, 2, result.SuccessCount)
		assert.Equal(t, 4, result.Enqueued) // 每份两道需评测的题

		// 并发重复批量不会翻倍：状态已是 QUEUED
		again, err := grading.BulkEnqueueByExam(ctx, exam.ID, true)
		require.NoError(t, err)
		assert.Equal(t, 0, again.Enqueued)
	})

	t.Run("不存在的试卷", func(t *testing.T) {
		_, err := grading.BulkEnqueueByExam(ctx, 99999, false)
		assert.ErrorIs(t, err, util.ErrExamNotFound)
	})
}

func TestClaimExclusivity(t *testing.T) {
	db, subSvc, grading, _, _ := newSubmissionStack(t)
	exam := seedExam(t, db, nil)
	student := seedUser(t, db, model.RoleStudent, "")
	submission := mustSubmit(t, subSvc, exam.ID, student)

	freeText := answerByQuestion(t, grading, submission.ID, exam.Questions[1].ID)
	require.Equal(t, model.GradingQueued, freeText.GradingStatus)

	now := time.Now()
	first, err := grading.SubRepo.ClaimRunning(freeText.ID, now)
	require.NoError(t, err)
	assert.True(t, first)

	// 重复投递的消息认领不到
	second, err := grading.SubRepo.ClaimRunning(freeText.ID, now)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestConcurrentEnqueueSingleWinner(t *testing.T) {
	ctx := context.Background()
	db, subSvc, grading, q, _ := newSubmissionStack(t)
	exam := seedExam(t, db, nil)
	student := seedUser(t, db, model.RoleStudent, "")
	submission := mustSubmit(t, subSvc, exam.ID, student)
	drainQueue(t, grading)

	freeText := answerByQuestion(t, grading, submission.ID, exam.Questions[1].ID)
	require.Equal(t, model.GradingGraded, freeText.GradingStatus)

	// 同一答案被并发强制入队，条件更新只放行一个
	const n = 16
	var wg sync.WaitGroup
	var wins int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := grading.EnqueueAnswer(ctx, submission.ID, freeText.ID, true)
			assert.NoError(t, err)
			if won {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins)

	// 队列里恰好一条消息
	popCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	job, ok, err := q.Pop(popCtx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, freeText.ID, job.AnswerID)

	popCtx2, cancel2 := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel2()
	_, ok, err = q.Pop(popCtx2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentBulkEnqueue(t *testing.T) {
	ctx := context.Background()
	db, subSvc, grading, _, _ := newSubmissionStack(t)
	exam := seedExam(t, db, nil)
	student := seedUser(t, db, model.RoleStudent, "")
	mustSubmit(t, subSvc, exam.ID, student)
	drainQueue(t, grading)

	// 两个并发的强制整卷重判，入队总数不翻倍
	var wg sync.WaitGroup
	results := make([]*BulkEnqueueResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := grading.BulkEnqueueByExam(ctx, exam.ID, true)
			assert.NoError(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()

	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	assert.Equal(t, 2, results[0].Enqueued+results[1].Enqueued) // 两道需评测的题各只入队一次
}

func TestProcessGradesAnswer(t *testing.T) {
	db, subSvc, grading, _, eval := newSubmissionStack(t)
	exam := seedExam(t, db, nil)
	student := seedUser(t, db, model.RoleStudent, "")
	submission := mustSubmit(t, subSvc, exam.ID, student)

	drainQueue(t, grading)

	freeText := answerByQuestion(t, grading, submission.ID, exam.Questions[1].ID)
	assert.Equal(t, model.GradingGraded, freeText.GradingStatus)
	require.NotNil(t, freeText.GradingScore)
	assert.Equal(t, 80, *freeText.GradingScore)
	assert.Equal(t, "test-model", freeText.EngineModel)
	assert.Equal(t, 1, freeText.EnginePromptVersion)
	assert.Nil(t, freeText.ClaimedAt)
	assert.NotNil(t, freeText.GradedAt)

	// 评测器收到了题面和评分参考
	require.NotEmpty(t, eval.calls)
	assert.Equal(t, "O(n log n)，每轮划分期望均衡", eval.calls[0].Rubric)
}

func TestProcessEvaluatorFailure(t *testing.T) {
	ctx := context.Background()
	db, subSvc, grading, _, eval := newSubmissionStack(t)
	eval.grade = func(EvalRequest) (*EvalResult, error) {
		return nil, errors.New("evaluator timeout")
	}

	exam := seedExam(t, db, nil)
	student := seedUser(t, db, model.RoleStudent, "")
	submission := mustSubmit(t, subSvc, exam.ID, student)

	drainQueue(t, grading)

	freeText := answerByQuestion(t, grading, submission.ID, exam.Questions[1].ID)
	assert.Equal(t, model.GradingFailed, freeText.GradingStatus)
	assert.Contains(t, freeText.GradingLogs, "evaluator timeout")
	assert.Nil(t, freeText.GradingScore)

	// 失败后可重新入队
	won, err := grading.EnqueueAnswer(ctx, submission.ID, freeText.ID, false)
	require.NoError(t, err)
	assert.True(t, won)

	eval.grade = nil
	drainQueue(t, grading)

	regraded := answerByQuestion(t, grading, submission.ID, exam.Questions[1].ID)
	assert.Equal(t, model.GradingGraded, regraded.GradingStatus)
}

func TestForceRegradeReusesEngineMetadata(t *testing.T) {
	ctx := context.Background()
	db, subSvc, grading, _, eval := newSubmissionStack(t)
	exam := seedExam(t, db, nil)
	student := seedUser(t, db, model.RoleStudent, "")
	submission := mustSubmit(t, subSvc, exam.ID, student)

	drainQueue(t, grading)

	freeText := answerByQuestion(t, grading, submission.ID, exam.Questions[1].ID)
	require.Equal(t, model.GradingGraded, freeText.GradingStatus)

	// 配置升级后强制重判，仍沿用首判引擎版本
	bumped := testEvalConfig()
	bumped.PromptVersion = 2
	grading.ApplyConfig(testGradingConfig(), bumped)
	eval.calls = nil

	won, err := grading.EnqueueAnswer(ctx, submission.ID, freeText.ID, true)
	require.NoError(t, err)
	require.True(t, won)
	drainQueue(t, grading)

	require.Len(t, eval.calls, 1)
	assert.Equal(t, "test-model", eval.calls[0].Model)
	assert.Equal(t, 1, eval.calls[0].PromptVersion)
}

func TestApplyConfigDuringGrading(t *testing.T) {
	db, subSvc, grading, _, _ := newSubmissionStack(t)
	exam := seedExam(t, db, nil)
	student := seedUser(t, db, model.RoleStudent, "")
	submission := mustSubmit(t, subSvc, exam.ID, student)

	// 热更新与判分并发进行
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 50; i++ {
			bumped := testEvalConfig()
			bumped.PromptVersion = i
			grading.ApplyConfig(testGradingConfig(), bumped)
		}
	}()

	drainQueue(t, grading)
	<-done

	freeText := answerByQuestion(t, grading, submission.ID, exam.Questions[1].ID)
	assert.Equal(t, model.GradingGraded, freeText.GradingStatus)
}

func TestRequeueStale(t *testing.T) {
	ctx := context.Background()
	db, subSvc, grading, q, _ := newSubmissionStack(t)
	exam := seedExam(t, db, nil)
	student := seedUser(t, db, model.RoleStudent, "")
	submission := mustSubmit(t, subSvc, exam.ID, student)

	freeText := answerByQuestion(t, grading, submission.ID, exam.Questions[1].ID)

	// 模拟进程崩溃留下的孤儿 RUNNING
	staleAt := time.Now().Add(-time.Hour)
	claimed, err := grading.SubRepo.ClaimRunning(freeText.ID, staleAt)
	require.NoError(t, err)
	require.True(t, claimed)

	// 队列里先清空提交时的旧消息
	for {
		popCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		_, ok, _ := q.Pop(popCtx)
		cancel()
		if !ok {
			break
		}
	}

	count, err := grading.RequeueStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	requeued := answerByQuestion(t, grading, submission.ID, exam.Questions[1].ID)
	assert.Equal(t, model.GradingQueued, requeued.GradingStatus)
	assert.Nil(t, requeued.ClaimedAt)

	// 刚认领的不回收
	count, err = grading.RequeueStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSummary(t *testing.T) {
	db, subSvc, grading, _, _ := newSubmissionStack(t)
	exam := seedExam(t, db, nil)
	student := seedUser(t, db, model.RoleStudent, "")
	submission := mustSubmit(t, subSvc, exam.ID, student)
	_ = submission

	summary, err := grading.Summary()
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.GradingCounts[model.GradingGraded]) // 客观题
	assert.Equal(t, int64(2), summary.GradingCounts[model.GradingQueued])
	assert.Equal(t, 0, summary.StaleRunning)
}
