package service

import (
	"strings"
	"time"

	"qa_lab_backend/internal/model"
	"qa_lab_backend/internal/repository"
	"qa_lab_backend/internal/util"
	"qa_lab_backend/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PublicationService 成绩公开闸门。只有全部判定完成且无待复核项的提交才放行，
// 公开前学生端看不到任何分数和评语。
type PublicationService struct {
	DB       *gorm.DB
	ExamRepo *repository.ExamRepository
	SubRepo  *repository.SubmissionRepository
}

func NewPublicationService(db *gorm.DB, examRepo *repository.ExamRepository, subRepo *repository.SubmissionRepository) *PublicationService {
	return &PublicationService{DB: db, ExamRepo: examRepo, SubRepo: subRepo}
}

// checkPublishable 公开前置条件：聚合状态为 GRADED 且无待人工复核的主观题
func checkPublishable(submission *model.ExamSubmission, questions []model.ExamQuestion) error {
	if model.DeriveStatus(submission.Answers) != model.SubmissionGraded {
		return util.ErrNotFullyGraded
	}

	questionByID := make(map[uint]*model.ExamQuestion, len(questions))
	for i := range questions {
		questionByID[questions[i].ID] = &questions[i]
	}
	for i := range submission.Answers {
		a := &submission.Answers[i]
		q, ok := questionByID[a.QuestionID]
		if !ok {
			continue
		}
		if q.Type.RequiresEvaluator() && strings.TrimSpace(q.RubricText) == "" && a.OverrideScore == nil {
			return util.ErrHasPendingReview
		}
	}
	return nil
}

// PublishSubmission 提交级公开
func (s *PublicationService) PublishSubmission(submissionID uint) error {
	submission, err := s.SubRepo.FindByID(submissionID)
	if err != nil {
		return util.ErrSubmissionNotFound
	}
	// 考试级公开覆盖的提交不能在提交级别改动
	if submission.PublishScope == model.PublishExam {
		return util.ErrPublishedAtExamScope
	}

	questions, err := s.ExamRepo.ListQuestions(submission.ExamID)
	if err != nil {
		return err
	}
	if err := checkPublishable(submission, questions); err != nil {
		return err
	}

	now := time.Now()
	if err := s.SubRepo.SetPublishScope(s.DB, submissionID, model.PublishSubmission, &now); err != nil {
		return err
	}
	logger.Log.Info("submission results published", zap.Uint("submissionId", submissionID))
	return nil
}

// UnpublishSubmission 撤回提交级公开
func (s *PublicationService) UnpublishSubmission(submissionID uint) error {
	submission, err := s.SubRepo.FindByID(submissionID)
	if err != nil {
		return util.ErrSubmissionNotFound
	}
	if submission.PublishScope == model.PublishExam {
		return util.ErrPublishedAtExamScope
	}

	if err := s.SubRepo.SetPublishScope(s.DB, submissionID, model.PublishNone, nil); err != nil {
		return err
	}
	logger.Log.Info("submission results unpublished", zap.Uint("submissionId", submissionID))
	return nil
}

// PublishExam 考试级公开：全部提交都满足前置条件才放行，一个事务里
// 同时落试卷标记和所有提交行，不存在半公开状态。
func (s *PublicationService) PublishExam(examID uint) error {
	exam, err := s.ExamRepo.FindByID(examID)
	if err != nil {
		return util.ErrExamNotFound
	}
	questions, err := s.ExamRepo.ListQuestions(examID)
	if err != nil {
		return err
	}
	submissions, err := s.SubRepo.ListByExam(examID)
	if err != nil {
		return err
	}
	for i := range submissions {
		if err := checkPublishable(&submissions[i], questions); err != nil {
			return err
		}
	}

	now := time.Now()
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		if err := s.ExamRepo.SetResultsPublished(tx, examID, true, &now); err != nil {
			return err
		}
		return s.SubRepo.SetPublishScopeForExam(tx, examID, model.PublishExam, &now)
	})
	if err != nil {
		return err
	}

	logger.Log.Info("exam results published",
		zap.Uint("examId", exam.ID), zap.Int("submissions", len(submissions)))
	return nil
}

// UnpublishExam 撤回考试级公开。整卷全量回收：连提交级公开一并清掉，
// 撤回后没有任何学生可见成绩。
func (s *PublicationService) UnpublishExam(examID uint) error {
	if _, err := s.ExamRepo.FindByID(examID); err != nil {
		return util.ErrExamNotFound
	}

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := s.ExamRepo.SetResultsPublished(tx, examID, false, nil); err != nil {
			return err
		}
		return s.SubRepo.SetPublishScopeForExam(tx, examID, model.PublishNone, nil)
	})
	if err != nil {
		return err
	}

	logger.Log.Info("exam results unpublished", zap.Uint("examId", examID))
	return nil
}
