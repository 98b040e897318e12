package service

import (
	"testing"
	"time"

	"qa_lab_backend/internal/model"
	"qa_lab_backend/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemainingSeconds(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("不限时", func(t *testing.T) {
		exam := &model.Exam{}
		_, limited := RemainingSeconds(exam, nil, now)
		assert.False(t, limited)
	})

	t.Run("未打开过按全量计", func(t *testing.T) {
		exam := &model.Exam{DurationMinutes: intPtr(30)}
		remaining, limited := RemainingSeconds(exam, nil, now)
		require.True(t, limited)
		assert.Equal(t, int64(1800), remaining)
	})

	t.Run("按首次打开时间扣减", func(t *testing.T) {
		exam := &model.Exam{DurationMinutes: intPtr(30)}
		attempt := &model.ExamAttempt{StartedAt: now.Add(-10 * time.Minute)}
		remaining, limited := RemainingSeconds(exam, attempt, now)
		require.True(t, limited)
		assert.Equal(t, int64(1200), remaining)
	})

	t.Run("超时后夹到零", func(t *testing.T) {
		exam := &model.Exam{DurationMinutes: intPtr(30)}
		attempt := &model.ExamAttempt{StartedAt: now.Add(-2 * time.Hour)}
		remaining, limited := RemainingSeconds(exam, attempt, now)
		require.True(t, limited)
		assert.Equal(t, int64(0), remaining)
	})
}

func TestGetDetailForStudent(t *testing.T) {
	db, examRepo, subRepo, _ := newTestRepos(t)
	svc := NewExamService(examRepo, subRepo)

	exam := seedExam(t, db, intPtr(60))
	student := seedUser(t, db, model.RoleStudent, "")
	now := time.Now()

	t.Run("首次打开落计时锚点", func(t *testing.T) {
		detail, err := svc.GetDetailForStudent(exam.ID, student, now)
		require.NoError(t, err)
		require.NotNil(t, detail.RemainingSeconds)
		assert.Equal(t, int64(3600), *detail.RemainingSeconds)

		attempt, err := examRepo.FindAttempt(exam.ID, student.ID)
		require.NoError(t, err)
		assert.WithinDuration(t, now, attempt.StartedAt, time.Second)
	})

	t.Run("再次打开沿用原锚点", func(t *testing.T) {
		detail, err := svc.GetDetailForStudent(exam.ID, student, now.Add(10*time.Minute))
		require.NoError(t, err)
		require.NotNil(t, detail.RemainingSeconds)
		assert.Equal(t, int64(3000), *detail.RemainingSeconds)
	})

	t.Run("草稿不可见", func(t *testing.T) {
		draft := &model.Exam{Title: "草稿卷", Status: model.ExamDraft}
		require.NoError(t, db.Create(draft).Error)

		_, err := svc.GetDetailForStudent(draft.ID, student, now)
		assert.ErrorIs(t, err, util.ErrExamNotFound)
	})

	t.Run("定向不匹配", func(t *testing.T) {
		targeted := seedExam(t, db, nil)
		require.NoError(t, db.Model(targeted).Update("target_track", "前端").Error)

		_, err := svc.GetDetailForStudent(targeted.ID, student, now)
		assert.ErrorIs(t, err, util.ErrExamNotAccessible)
	})

	t.Run("未到开考时间", func(t *testing.T) {
		scheduled := seedExam(t, db, nil)
		startAt := now.Add(time.Hour)
		require.NoError(t, db.Model(scheduled).Update("start_at", startAt).Error)

		_, err := svc.GetDetailForStudent(scheduled.ID, student, now)
		assert.ErrorIs(t, err, util.ErrExamNotYetStarted)
	})
}

func TestCheckSubmitWindow(t *testing.T) {
	db, examRepo, subRepo, _ := newTestRepos(t)
	svc := NewExamService(examRepo, subRepo)

	student := seedUser(t, db, model.RoleStudent, "")
	now := time.Now()

	t.Run("限时内放行", func(t *testing.T) {
		exam := seedExam(t, db, intPtr(60))
		_, err := examRepo.CreateAttemptIfAbsent(exam.ID, student.ID, now.Add(-30*time.Minute))
		require.NoError(t, err)

		assert.NoError(t, svc.CheckSubmitWindow(exam, exam.ID, student.ID, now))
	})

	t.Run("超时拒收", func(t *testing.T) {
		exam := seedExam(t, db, intPtr(60))
		_, err := examRepo.CreateAttemptIfAbsent(exam.ID, student.ID, now.Add(-61*time.Minute))
		require.NoError(t, err)

		assert.ErrorIs(t, svc.CheckSubmitWindow(exam, exam.ID, student.ID, now), util.ErrExamExpired)
	})

	t.Run("从未打开过按此刻起算", func(t *testing.T) {
		exam := seedExam(t, db, intPtr(60))
		require.NoError(t, svc.CheckSubmitWindow(exam, exam.ID, student.ID, now))

		// 闸门检查本身落了锚点
		attempt, err := examRepo.FindAttempt(exam.ID, student.ID)
		require.NoError(t, err)
		assert.WithinDuration(t, now, attempt.StartedAt, time.Second)
	})

	t.Run("不限时永不超时", func(t *testing.T) {
		exam := seedExam(t, db, nil)
		assert.NoError(t, svc.CheckSubmitWindow(exam, exam.ID, student.ID, now.Add(100*time.Hour)))
	})
}

func TestListForStudent(t *testing.T) {
	db, examRepo, subRepo, _ := newTestRepos(t)
	svc := NewExamService(examRepo, subRepo)

	open := seedExam(t, db, nil)
	targeted := seedExam(t, db, nil)
	require.NoError(t, db.Model(targeted).Update("target_track", "后端").Error)

	backend := seedUser(t, db, model.RoleStudent, "后端")
	frontend := seedUser(t, db, model.RoleStudent, "前端")

	exams, err := svc.ListForStudent(backend)
	require.NoError(t, err)
	assert.Len(t, exams, 2)

	exams, err = svc.ListForStudent(frontend)
	require.NoError(t, err)
	require.Len(t, exams, 1)
	assert.Equal(t, open.ID, exams[0].ID)
}

func TestRepublishCopiesQuestions(t *testing.T) {
	db, examRepo, subRepo, _ := newTestRepos(t)
	svc := NewExamService(examRepo, subRepo)

	src := seedExam(t, db, intPtr(45))
	clone, err := svc.Republish(src.ID)
	require.NoError(t, err)
	assert.NotEqual(t, src.ID, clone.ID)

	cloned, err := examRepo.FindByIDWithQuestions(clone.ID)
	require.NoError(t, err)
	require.Len(t, cloned.Questions, 3)
	assert.Equal(t, model.ExamPublished, cloned.Status)
	for i, q := range cloned.Questions {
		assert.Equal(t, src.Questions[i].PromptMD, q.PromptMD)
		assert.NotEqual(t, src.Questions[i].ID, q.ID)
	}
}
