package service

import (
	"testing"

	"qa_lab_backend/internal/model"
	"qa_lab_backend/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newPublicationStack(t *testing.T) (*gorm.DB, *SubmissionService, *GradingService, *PublicationService) {
	db, subSvc, grading, _, _ := newSubmissionStack(t)
	pub := NewPublicationService(db, grading.ExamRepo, grading.SubRepo)
	return db, subSvc, grading, pub
}

func reloadSubmission(t *testing.T, db *gorm.DB, id uint) *model.ExamSubmission {
	t.Helper()
	var s model.ExamSubmission
	require.NoError(t, db.Preload("Answers").First(&s, id).Error)
	return &s
}

func TestPublishSubmission(t *testing.T) {
	db, subSvc, grading, pub := newPublicationStack(t)
	exam := seedExam(t, db, nil)
	student := seedUser(t, db, model.RoleStudent, "")
	submission := mustSubmit(t, subSvc, exam.ID, student)

	t.Run("判分未完成不放行", func(t *testing.T) {
		assert.ErrorIs(t, pub.PublishSubmission(submission.ID), util.ErrNotFullyGraded)
	})

	drainQueue(t, grading)

	t.Run("判完即可公开", func(t *testing.T) {
		require.NoError(t, pub.PublishSubmission(submission.ID))

		reloaded := reloadSubmission(t, db, submission.ID)
		assert.Equal(t, model.PublishSubmission, reloaded.PublishScope)
		assert.NotNil(t, reloaded.ResultsPublishedAt)
	})

	t.Run("撤回后恢复不可见", func(t *testing.T) {
		require.NoError(t, pub.UnpublishSubmission(submission.ID))

		reloaded := reloadSubmission(t, db, submission.ID)
		assert.Equal(t, model.PublishNone, reloaded.PublishScope)
		assert.Nil(t, reloaded.ResultsPublishedAt)
	})
}

func TestPublishBlockedByPendingReview(t *testing.T) {
	db, subSvc, grading, pub := newPublicationStack(t)
	exam := seedExam(t, db, nil)
	// 去掉主观题的评分参考，判分结果不可信
	require.NoError(t, db.Model(&model.ExamQuestion{}).Where("id = ?", exam.Questions[1].ID).
		Update("rubric_text", "").Error)

	student := seedUser(t, db, model.RoleStudent, "")
	admin := seedUser(t, db, model.RoleAdmin, "")
	submission := mustSubmit(t, subSvc, exam.ID, student)
	drainQueue(t, grading)

	assert.ErrorIs(t, pub.PublishSubmission(submission.ID), util.ErrHasPendingReview)

	// 人工复核后放行
	review := NewReviewService(grading.SubRepo, grading.ExamRepo, grading)
	_, err := review.SetManualGrade(submission.ID, exam.Questions[1].ID,
		ManualGradeRequest{Score: 85, Note: "人工复核"}, admin.ID)
	require.NoError(t, err)

	assert.NoError(t, pub.PublishSubmission(submission.ID))
}

func TestPublishExam(t *testing.T) {
	db, subSvc, grading, pub := newPublicationStack(t)
	exam := seedExam(t, db, nil)
	alice := seedUser(t, db, model.RoleStudent, "")
	bob := seedUser(t, db, model.RoleStudent, "")

	s1 := mustSubmit(t, subSvc, exam.ID, alice)
	s2 := mustSubmit(t, subSvc, exam.ID, bob)

	t.Run("任一提交未判完则整卷拒绝", func(t *testing.T) {
		assert.ErrorIs(t, pub.PublishExam(exam.ID), util.ErrNotFullyGraded)

		// 全有或全无：没有半公开
		assert.Equal(t, model.PublishNone, reloadSubmission(t, db, s1.ID).PublishScope)
		assert.Equal(t, model.PublishNone, reloadSubmission(t, db, s2.ID).PublishScope)
	})

	drainQueue(t, grading)

	t.Run("整卷公开覆盖全部提交", func(t *testing.T) {
		require.NoError(t, pub.PublishExam(exam.ID))

		var reloadedExam model.Exam
		require.NoError(t, db.First(&reloadedExam, exam.ID).Error)
		assert.True(t, reloadedExam.ResultsPublished)
		assert.NotNil(t, reloadedExam.ResultsPublishedAt)

		assert.Equal(t, model.PublishExam, reloadSubmission(t, db, s1.ID).PublishScope)
		assert.Equal(t, model.PublishExam, reloadSubmission(t, db, s2.ID).PublishScope)
	})

	t.Run("考试级覆盖下提交级操作被拒", func(t *testing.T) {
		assert.ErrorIs(t, pub.PublishSubmission(s1.ID), util.ErrPublishedAtExamScope)
		assert.ErrorIs(t, pub.UnpublishSubmission(s1.ID), util.ErrPublishedAtExamScope)
	})

	t.Run("整卷撤回连提交级一并清掉", func(t *testing.T) {
		// 先造出一份提交级公开，验证撤回是全量回收
		require.NoError(t, db.Model(&model.ExamSubmission{}).Where("id = ?", s2.ID).
			Update("publish_scope", model.PublishSubmission).Error)

		require.NoError(t, pub.UnpublishExam(exam.ID))

		var reloadedExam model.Exam
		require.NoError(t, db.First(&reloadedExam, exam.ID).Error)
		assert.False(t, reloadedExam.ResultsPublished)
		assert.Nil(t, reloadedExam.ResultsPublishedAt)

		assert.Equal(t, model.PublishNone, reloadSubmission(t, db, s1.ID).PublishScope)
		assert.Equal(t, model.PublishNone, reloadSubmission(t, db, s2.ID).PublishScope)
	})
}
