package service

import (
	"context"
	"testing"

	"qa_lab_backend/internal/model"
	"qa_lab_backend/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetManualGrade(t *testing.T) {
	db, subSvc, grading, _, _ := newSubmissionStack(t)
	review := NewReviewService(grading.SubRepo, grading.ExamRepo, grading)

	exam := seedExam(t, db, nil)
	student := seedUser(t, db, model.RoleStudent, "")
	admin := seedUser(t, db, model.RoleAdmin, "")
	submission := mustSubmit(t, subSvc, exam.ID, student)
	drainQueue(t, grading)

	t.Run("改分只加记录不动自动判分", func(t *testing.T) {
		answer, err := review.SetManualGrade(submission.ID, exam.Questions[1].ID,
			ManualGradeRequest{Score: 95, Note: "等价表述，补分"}, admin.ID)
		require.NoError(t, err)

		require.NotNil(t, answer.OverrideScore)
		assert.Equal(t, 95, *answer.OverrideScore)
		assert.Equal(t, "等价表述，补分", answer.OverrideNote)
		require.NotNil(t, answer.OverrideByUserID)
		assert.Equal(t, admin.ID, *answer.OverrideByUserID)

		// 自动判分字段保留审计
		assert.Equal(t, model.GradingGraded, answer.GradingStatus)
		require.NotNil(t, answer.GradingScore)
		assert.Equal(t, 80, *answer.GradingScore)

		// 展示口径人工优先
		assert.Equal(t, 95, *answer.EffectiveScore())
	})

	t.Run("客观题拒绝改分", func(t *testing.T) {
		_, err := review.SetManualGrade(submission.ID, exam.Questions[0].ID,
			ManualGradeRequest{Score: 50}, admin.ID)
		assert.ErrorIs(t, err, util.ErrInvalidQuestionType)
	})

	t.Run("分数越界拒绝", func(t *testing.T) {
		_, err := review.SetManualGrade(submission.ID, exam.Questions[1].ID,
			ManualGradeRequest{Score: 101}, admin.ID)
		assert.ErrorIs(t, err, util.ErrScoreOutOfRange)

		_, err = review.SetManualGrade(submission.ID, exam.Questions[1].ID,
			ManualGradeRequest{Score: -1}, admin.ID)
		assert.ErrorIs(t, err, util.ErrScoreOutOfRange)
	})

	t.Run("不存在的题目", func(t *testing.T) {
		_, err := review.SetManualGrade(submission.ID, 99999,
			ManualGradeRequest{Score: 50}, admin.ID)
		assert.ErrorIs(t, err, util.ErrAnswerNotFound)
	})
}

func TestRequestAppeal(t *testing.T) {
	ctx := context.Background()
	db, subSvc, grading, _, _ := newSubmissionStack(t)
	review := NewReviewService(grading.SubRepo, grading.ExamRepo, grading)

	exam := seedExam(t, db, nil)
	student := seedUser(t, db, model.RoleStudent, "")
	other := seedUser(t, db, model.RoleStudent, "")
	submission := mustSubmit(t, subSvc, exam.ID, student)
	drainQueue(t, grading)

	studentClaims := &util.Claims{UserID: student.ID, Role: model.RoleStudent}
	otherClaims := &util.Claims{UserID: other.ID, Role: model.RoleStudent}

	t.Run("申诉落审计并强制入队", func(t *testing.T) {
		result, err := review.RequestAppeal(ctx, submission.ID, exam.Questions[1].ID,
			studentClaims, AppealRequest{Reason: "判分与评分参考不符"})
		require.NoError(t, err)
		assert.True(t, result.Enqueued)
		assert.Equal(t, "判分与评分参考不符", result.Appeal.Reason)

		answer := answerByQuestion(t, grading, submission.ID, exam.Questions[1].ID)
		assert.Equal(t, model.GradingQueued, answer.GradingStatus)

		appeals, err := review.ListAppeals(submission.ID)
		require.NoError(t, err)
		require.Len(t, appeals, 1)
		assert.Equal(t, student.ID, appeals[0].UserID)
	})

	t.Run("在途中再申诉只留记录不重复入队", func(t *testing.T) {
		result, err := review.RequestAppeal(ctx, submission.ID, exam.Questions[1].ID,
			studentClaims, AppealRequest{Reason: "再次申诉"})
		require.NoError(t, err)
		assert.False(t, result.Enqueued)

		appeals, err := review.ListAppeals(submission.ID)
		require.NoError(t, err)
		assert.Len(t, appeals, 2)
	})

	t.Run("客观题不可申诉", func(t *testing.T) {
		_, err := review.RequestAppeal(ctx, submission.ID, exam.Questions[0].ID,
			studentClaims, AppealRequest{Reason: "不服"})
		assert.ErrorIs(t, err, util.ErrInvalidQuestionType)
	})

	t.Run("别人的提交不可申诉", func(t *testing.T) {
		_, err := review.RequestAppeal(ctx, submission.ID, exam.Questions[1].ID,
			otherClaims, AppealRequest{Reason: "蹭一下"})
		assert.ErrorIs(t, err, util.ErrPermissionDenied)
	})

	t.Run("空理由拒绝", func(t *testing.T) {
		_, err := review.RequestAppeal(ctx, submission.ID, exam.Questions[1].ID,
			studentClaims, AppealRequest{Reason: "   "})
		assert.ErrorIs(t, err, util.ErrMissingRequired)
	})
}
