package service

import (
	"context"
	"strings"
	"time"

	"qa_lab_backend/internal/model"
	"qa_lab_backend/internal/repository"
	"qa_lab_backend/internal/util"
	"qa_lab_backend/pkg/logger"

	"go.uber.org/zap"
)

// ReviewService 人工改分与申诉
type ReviewService struct {
	SubRepo  *repository.SubmissionRepository
	ExamRepo *repository.ExamRepository
	Grading  *GradingService
}

func NewReviewService(subRepo *repository.SubmissionRepository, examRepo *repository.ExamRepository, grading *GradingService) *ReviewService {
	return &ReviewService{SubRepo: subRepo, ExamRepo: examRepo, Grading: grading}
}

type ManualGradeRequest struct {
	Score int    `json:"score"`
	Note  string `json:"note"`
}

// SetManualGrade 人工改分。只写附加的 override 字段，自动判分结果原样保留审计；
// 展示和公开口径一律以 override 优先。客观题分数由选项决定，不接受改分。
func (s *ReviewService) SetManualGrade(submissionID, questionID uint, req ManualGradeRequest, adminID uint) (*model.ExamAnswer, error) {
	answer, err := s.SubRepo.FindAnswer(submissionID, questionID)
	if err != nil {
		return nil, util.ErrAnswerNotFound
	}

	var question model.ExamQuestion
	if err := s.SubRepo.DB.First(&question, questionID).Error; err != nil {
		return nil, util.ErrAnswerNotFound
	}
	if !question.Type.RequiresEvaluator() {
		return nil, util.ErrInvalidQuestionType
	}
	if req.Score < 0 || req.Score > 100 {
		return nil, util.ErrScoreOutOfRange
	}

	if err := s.SubRepo.SetOverride(answer.ID, req.Score, req.Note, adminID, time.Now()); err != nil {
		return nil, err
	}

	logger.Log.Info("manual grade set",
		zap.Uint("submissionId", submissionID),
		zap.Uint("questionId", questionID),
		zap.Int("score", req.Score),
		zap.Uint("by", adminID))

	return s.SubRepo.FindAnswerByID(answer.ID)
}

type AppealRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type AppealResult struct {
	Appeal   *model.ExamAnswerAppeal `json:"appeal"`
	Enqueued bool                    `json:"enqueued"`
}

// RequestAppeal 学生申诉重判。先落审计记录再强制入队，
// 入队沿用原引擎元数据重判，没抢到准入说明该题已在途。
func (s *ReviewService) RequestAppeal(ctx context.Context, submissionID, questionID uint, user *util.Claims, req AppealRequest) (*AppealResult, error) {
	submission, err := s.SubRepo.FindByID(submissionID)
	if err != nil {
		return nil, util.ErrSubmissionNotFound
	}
	if user.Role != model.RoleAdmin && submission.UserID != user.UserID {
		return nil, util.ErrPermissionDenied
	}

	var question model.ExamQuestion
	if err := s.SubRepo.DB.First(&question, questionID).Error; err != nil {
		return nil, util.ErrAnswerNotFound
	}
	if !question.Type.RequiresEvaluator() {
		return nil, util.ErrInvalidQuestionType
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, util.ErrMissingRequired
	}

	appeal := &model.ExamAnswerAppeal{
		SubmissionID: submissionID,
		QuestionID:   questionID,
		UserID:       user.UserID,
		Reason:       req.Reason,
	}
	if err := s.SubRepo.CreateAppeal(appeal); err != nil {
		return nil, err
	}

	enqueued, _, err := s.Grading.EnqueueQuestion(ctx, submissionID, questionID, true)
	if err != nil {
		return nil, err
	}

	logger.Log.Info("appeal regrade requested",
		zap.Uint("submissionId", submissionID),
		zap.Uint("questionId", questionID),
		zap.Bool("enqueued", enqueued))

	return &AppealResult{Appeal: appeal, Enqueued: enqueued}, nil
}

func (s *ReviewService) ListAppeals(submissionID uint) ([]model.ExamAnswerAppeal, error) {
	if _, err := s.SubRepo.FindByID(submissionID); err != nil {
		return nil, util.ErrSubmissionNotFound
	}
	return s.SubRepo.ListAppeals(submissionID)
}
