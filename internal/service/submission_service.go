package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"qa_lab_backend/internal/model"
	"qa_lab_backend/internal/repository"
	"qa_lab_backend/internal/util"
	"qa_lab_backend/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AnswerEnqueuer 判分准入入口，由 GradingService 实现
type AnswerEnqueuer interface {
	EnqueueAnswer(ctx context.Context, submissionID, answerID uint, force bool) (bool, error)
}

type SubmissionService struct {
	DB          *gorm.DB
	ExamRepo    *repository.ExamRepository
	SubRepo     *repository.SubmissionRepository
	ExamService *ExamService
	Enqueuer    AnswerEnqueuer
}

func NewSubmissionService(db *gorm.DB, examRepo *repository.ExamRepository, subRepo *repository.SubmissionRepository, examService *ExamService, enqueuer AnswerEnqueuer) *SubmissionService {
	return &SubmissionService{
		DB:          db,
		ExamRepo:    examRepo,
		SubRepo:     subRepo,
		ExamService: examService,
		Enqueuer:    enqueuer,
	}
}

type AnswerSubmission struct {
	QuestionID          uint    `json:"questionId" binding:"required"`
	AnswerText          *string `json:"answerText"`
	SelectedChoiceIndex *int    `json:"selectedChoiceIndex"`
}

type SubmitRequest struct {
	Answers []AnswerSubmission `json:"answers" binding:"required"`
}

func isBlank(text *string) bool {
	return text == nil || strings.TrimSpace(*text) == ""
}

// Submit 交卷。一次事务落提交和全部答案：客观题当场判分，
// 主观题/代码题留 PENDING 待准入，空白答案直接记 0 分免走评测器。
// 每人每卷一次，唯一索引兜底并发重复交卷。
func (s *SubmissionService) Submit(ctx context.Context, examID uint, user *model.User, req SubmitRequest, now time.Time) (*model.ExamSubmission, error) {
	exam, err := s.ExamRepo.FindByIDWithQuestions(examID)
	if err != nil || exam.Status != model.ExamPublished {
		return nil, util.ErrExamNotFound
	}
	if exam.TargetTrack != "" && exam.TargetTrack != user.TrackName {
		return nil, util.ErrExamNotAccessible
	}

	if err := s.ExamService.CheckSubmitWindow(exam, examID, user.ID, now); err != nil {
		return nil, err
	}

	if _, err := s.SubRepo.FindByExamAndUser(examID, user.ID); err == nil {
		return nil, util.ErrAlreadySubmitted
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	questions := make(map[uint]*model.ExamQuestion, len(exam.Questions))
	for i := range exam.Questions {
		questions[exam.Questions[i].ID] = &exam.Questions[i]
	}

	answered := make(map[uint]AnswerSubmission, len(req.Answers))
	for _, a := range req.Answers {
		q, ok := questions[a.QuestionID]
		if !ok {
			return nil, util.ErrAnswerNotFound
		}
		if q.Type == model.QuestionObjective && a.SelectedChoiceIndex != nil {
			if *a.SelectedChoiceIndex < 0 || *a.SelectedChoiceIndex >= len(q.ChoiceList()) {
				return nil, util.ErrInvalidChoiceIndex
			}
		}
		answered[a.QuestionID] = a
	}

	for _, q := range exam.Questions {
		if !q.Required {
			continue
		}
		a, ok := answered[q.ID]
		if !ok {
			return nil, util.ErrMissingRequired
		}
		if q.Type == model.QuestionObjective {
			if a.SelectedChoiceIndex == nil {
				return nil, util.ErrMissingRequired
			}
		} else if isBlank(a.AnswerText) {
			return nil, util.ErrMissingRequired
		}
	}

	submission := &model.ExamSubmission{
		ExamID:       examID,
		UserID:       user.ID,
		SubmittedAt:  now,
		PublishScope: model.PublishNone,
	}
	// 每题一行，未作答的选答题落空行，交卷后学生不可再改
	for _, q := range exam.Questions {
		a := answered[q.ID]
		row := model.ExamAnswer{
			QuestionID:          q.ID,
			AnswerText:          a.AnswerText,
			SelectedChoiceIndex: a.SelectedChoiceIndex,
			GradingStatus:       model.GradingPending,
		}
		switch {
		case q.Type == model.QuestionObjective:
			gradeObjective(&row, &q, now)
		case isBlank(a.AnswerText):
			gradeBlank(&row, now)
		}
		submission.Answers = append(submission.Answers, row)
	}

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		return s.SubRepo.CreateInTx(tx, submission)
	})
	if err != nil {
		// 并发交卷撞唯一索引
		if _, findErr := s.SubRepo.FindByExamAndUser(examID, user.ID); findErr == nil {
			return nil, util.ErrAlreadySubmitted
		}
		return nil, err
	}

	// 交卷即入队，失败不回滚提交也不报错，后续可手动补判
	for _, a := range submission.Answers {
		if a.GradingStatus == model.GradingPending {
			if _, err := s.Enqueuer.EnqueueAnswer(ctx, submission.ID, a.ID, false); err != nil {
				logger.Log.Warn("submit auto enqueue failed",
					zap.Uint("submissionId", submission.ID),
					zap.Uint("answerId", a.ID),
					zap.Error(err))
			}
		}
	}

	return submission, nil
}

func gradeObjective(row *model.ExamAnswer, q *model.ExamQuestion, now time.Time) {
	score := 0
	correct := false
	if row.SelectedChoiceIndex != nil && q.CorrectChoiceIndex != nil &&
		*row.SelectedChoiceIndex == *q.CorrectChoiceIndex {
		score = 100
		correct = true
	}
	fb := map[string]interface{}{"is_correct": correct}
	if row.SelectedChoiceIndex == nil {
		fb["no_response"] = true
	}
	feedback, _ := json.Marshal(fb)

	maxScore := 100
	row.GradingStatus = model.GradingGraded
	row.GradingScore = &score
	row.GradingMaxScore = &maxScore
	row.GradingFeedback = feedback
	row.GradedAt = &now
}

func gradeBlank(row *model.ExamAnswer, now time.Time) {
	feedback, _ := json.Marshal(map[string]interface{}{
		"is_correct": false,
		"reason":     "答案为空",
	})

	score, maxScore := 0, 100
	row.GradingStatus = model.GradingGraded
	row.GradingScore = &score
	row.GradingMaxScore = &maxScore
	row.GradingFeedback = feedback
	row.GradedAt = &now
}

// AnswerView 答案视图。成绩未公开时学生端只见作答内容，判分字段全部隐藏。
type AnswerView struct {
	ID                  uint                 `json:"id"`
	QuestionID          uint                 `json:"questionId"`
	AnswerText          *string              `json:"answerText"`
	SelectedChoiceIndex *int                 `json:"selectedChoiceIndex"`
	GradingStatus       *model.GradingStatus `json:"gradingStatus,omitempty"`
	Score               *int                 `json:"score,omitempty"`
	MaxScore            *int                 `json:"maxScore,omitempty"`
	Feedback            json.RawMessage      `json:"feedback,omitempty"`
	GradedAt            *time.Time           `json:"gradedAt,omitempty"`
	Overridden          bool                 `json:"overridden"`
	OverrideNote        string               `json:"overrideNote,omitempty"`
	ReviewPending       bool                 `json:"reviewPending,omitempty"`
}

type SubmissionView struct {
	ID                 uint                   `json:"id"`
	ExamID             uint                   `json:"examId"`
	UserID             uint                   `json:"userId"`
	User               *model.User            `json:"user,omitempty"`
	SubmittedAt        time.Time              `json:"submittedAt"`
	Status             model.SubmissionStatus `json:"status"`
	PublishScope       model.PublishScope     `json:"publishScope"`
	ResultsPublishedAt *time.Time             `json:"resultsPublishedAt"`
	Published          bool                   `json:"published"`
	Answers            []AnswerView           `json:"answers"`
}

// GetSubmission 读提交。学生只能读自己的，且成绩字段受公开范围闸门控制；
// 管理员全量可见并附人工复核待办标记。
func (s *SubmissionService) GetSubmission(submissionID uint, viewer *util.Claims) (*SubmissionView, error) {
	submission, err := s.SubRepo.FindByID(submissionID)
	if err != nil {
		return nil, util.ErrSubmissionNotFound
	}

	isAdmin := viewer.Role == model.RoleAdmin
	if !isAdmin && submission.UserID != viewer.UserID {
		return nil, util.ErrPermissionDenied
	}

	questions, err := s.ExamRepo.ListQuestions(submission.ExamID)
	if err != nil {
		return nil, err
	}
	return s.buildView(submission, questions, isAdmin), nil
}

func (s *SubmissionService) buildView(submission *model.ExamSubmission, questions []model.ExamQuestion, isAdmin bool) *SubmissionView {
	questionByID := make(map[uint]*model.ExamQuestion, len(questions))
	for i := range questions {
		questionByID[questions[i].ID] = &questions[i]
	}

	published := submission.PublishScope != model.PublishNone
	showGrades := isAdmin || published

	view := &SubmissionView{
		ID:                 submission.ID,
		ExamID:             submission.ExamID,
		UserID:             submission.UserID,
		SubmittedAt:        submission.SubmittedAt,
		Status:             model.DeriveStatus(submission.Answers),
		PublishScope:       submission.PublishScope,
		ResultsPublishedAt: submission.ResultsPublishedAt,
		Published:          published,
	}
	if isAdmin {
		view.User = submission.User
	}

	for i := range submission.Answers {
		a := &submission.Answers[i]
		av := AnswerView{
			ID:                  a.ID,
			QuestionID:          a.QuestionID,
			AnswerText:          a.AnswerText,
			SelectedChoiceIndex: a.SelectedChoiceIndex,
		}
		if showGrades {
			status := a.GradingStatus
			av.GradingStatus = &status
			av.Score = a.EffectiveScore()
			av.MaxScore = a.GradingMaxScore
			av.Feedback = a.GradingFeedback
			av.GradedAt = a.GradedAt
			av.Overridden = a.OverrideScore != nil
			av.OverrideNote = a.OverrideNote
		}
		if isAdmin {
			if q, ok := questionByID[a.QuestionID]; ok {
				av.ReviewPending = reviewPending(q, a)
			}
		}
		view.Answers = append(view.Answers, av)
	}
	return view
}

// reviewPending 无评分参考的主观题且未人工改分，判分结果不可信，待人工复核
func reviewPending(q *model.ExamQuestion, a *model.ExamAnswer) bool {
	return q.Type.RequiresEvaluator() &&
		strings.TrimSpace(q.RubricText) == "" &&
		a.OverrideScore == nil
}

// ListByExam 管理端按试卷列提交
func (s *SubmissionService) ListByExam(examID uint) ([]SubmissionView, error) {
	if _, err := s.ExamRepo.FindByID(examID); err != nil {
		return nil, util.ErrExamNotFound
	}
	submissions, err := s.SubRepo.ListByExam(examID)
	if err != nil {
		return nil, err
	}
	questions, err := s.ExamRepo.ListQuestions(examID)
	if err != nil {
		return nil, err
	}

	views := make([]SubmissionView, 0, len(submissions))
	for i := range submissions {
		views = append(views, *s.buildView(&submissions[i], questions, true))
	}
	return views, nil
}

// ListMine 学生自己的提交历史
func (s *SubmissionService) ListMine(userID uint, limit int) ([]SubmissionView, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	submissions, err := s.SubRepo.ListByUser(userID, limit)
	if err != nil {
		return nil, err
	}

	views := make([]SubmissionView, 0, len(submissions))
	for i := range submissions {
		questions, err := s.ExamRepo.ListQuestions(submissions[i].ExamID)
		if err != nil {
			return nil, err
		}
		views = append(views, *s.buildView(&submissions[i], questions, false))
	}
	return views, nil
}
