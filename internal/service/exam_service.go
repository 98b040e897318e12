package service

import (
	"encoding/json"
	"time"

	"qa_lab_backend/internal/model"
	"qa_lab_backend/internal/repository"
	"qa_lab_backend/internal/util"

	"gorm.io/gorm"
)

type ExamService struct {
	ExamRepo *repository.ExamRepository
	SubRepo  *repository.SubmissionRepository
}

func NewExamService(examRepo *repository.ExamRepository, subRepo *repository.SubmissionRepository) *ExamService {
	return &ExamService{ExamRepo: examRepo, SubRepo: subRepo}
}

type ExamQuestionRequest struct {
	OrderIndex         int                `json:"orderIndex"`
	Type               model.QuestionType `json:"type" binding:"required"`
	PromptMD           string             `json:"promptMd" binding:"required"`
	Choices            []string           `json:"choices"`
	CorrectChoiceIndex *int               `json:"correctChoiceIndex"`
	RubricText         string             `json:"rubricText"`
	Required           *bool              `json:"required"`
}

type ExamRequest struct {
	Title           string                `json:"title" binding:"required"`
	Description     string                `json:"description"`
	Status          model.ExamStatus      `json:"status"`
	DurationMinutes *int                  `json:"durationMinutes"`
	TargetTrack     string                `json:"targetTrack"`
	StartAt         *time.Time            `json:"startAt"`
	Questions       []ExamQuestionRequest `json:"questions" binding:"required"`
}

func (s *ExamService) CreateExam(req ExamRequest) (*model.Exam, error) {
	status := req.Status
	if status == "" {
		status = model.ExamPublished
	}

	exam := &model.Exam{
		Title:           req.Title,
		Description:     req.Description,
		Status:          status,
		DurationMinutes: req.DurationMinutes,
		TargetTrack:     req.TargetTrack,
		StartAt:         req.StartAt,
	}

	for i, q := range req.Questions {
		orderIndex := q.OrderIndex
		if orderIndex == 0 {
			orderIndex = i + 1
		}
		required := true
		if q.Required != nil {
			required = *q.Required
		}

		question := model.ExamQuestion{
			OrderIndex:         orderIndex,
			Type:               q.Type,
			PromptMD:           q.PromptMD,
			CorrectChoiceIndex: q.CorrectChoiceIndex,
			RubricText:         q.RubricText,
			Required:           required,
		}
		if q.Type == model.QuestionObjective {
			if len(q.Choices) == 0 || q.CorrectChoiceIndex == nil ||
				*q.CorrectChoiceIndex < 0 || *q.CorrectChoiceIndex >= len(q.Choices) {
				return nil, util.ErrInvalidChoiceIndex
			}
			choicesJSON, err := json.Marshal(q.Choices)
			if err != nil {
				return nil, err
			}
			question.Choices = choicesJSON
		}
		exam.Questions = append(exam.Questions, question)
	}

	if err := s.ExamRepo.Create(exam); err != nil {
		return nil, err
	}
	return exam, nil
}

// Republish 复制题目生成新试卷。被提交引用过的试卷永不修改，保证已判分历史稳定。
func (s *ExamService) Republish(examID uint) (*model.Exam, error) {
	src, err := s.ExamRepo.FindByIDWithQuestions(examID)
	if err != nil {
		return nil, util.ErrExamNotFound
	}

	clone := &model.Exam{
		Title:           src.Title,
		Description:     src.Description,
		Status:          model.ExamPublished,
		DurationMinutes: src.DurationMinutes,
		TargetTrack:     src.TargetTrack,
		StartAt:         src.StartAt,
	}
	for _, q := range src.Questions {
		clone.Questions = append(clone.Questions, model.ExamQuestion{
			OrderIndex:         q.OrderIndex,
			Type:               q.Type,
			PromptMD:           q.PromptMD,
			Choices:            q.Choices,
			CorrectChoiceIndex: q.CorrectChoiceIndex,
			RubricText:         q.RubricText,
			Required:           q.Required,
		})
	}

	if err := s.ExamRepo.Create(clone); err != nil {
		return nil, err
	}
	return clone, nil
}

func (s *ExamService) ListExams(page, limit int) ([]model.Exam, int64, error) {
	return s.ExamRepo.ListAll(page, limit)
}

// ListForStudent 已发布且定向匹配的试卷
func (s *ExamService) ListForStudent(user *model.User) ([]model.Exam, error) {
	exams, err := s.ExamRepo.ListPublished()
	if err != nil {
		return nil, err
	}

	eligible := make([]model.Exam, 0, len(exams))
	for _, e := range exams {
		if e.TargetTrack == "" || e.TargetTrack == user.TrackName {
			eligible = append(eligible, e)
		}
	}
	return eligible, nil
}

// RemainingSeconds 纯函数：按服务器时间计算剩余秒数。
// limited=false 表示不限时。客户端倒计时仅供展示，不参与判定。
func RemainingSeconds(exam *model.Exam, attempt *model.ExamAttempt, now time.Time) (int64, bool) {
	if exam.DurationMinutes == nil {
		return 0, false
	}
	if attempt == nil {
		return int64(*exam.DurationMinutes) * 60, true
	}
	elapsed := int64(now.Sub(attempt.StartedAt) / time.Second)
	remaining := int64(*exam.DurationMinutes)*60 - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

type ExamDetail struct {
	Exam             *model.Exam `json:"exam"`
	RemainingSeconds *int64      `json:"remainingSeconds"` // null 表示不限时
	Submitted        bool        `json:"submitted"`
}

// GetDetailForStudent 学生打开试卷。首次打开即落考试起点，计时从此刻开始。
func (s *ExamService) GetDetailForStudent(examID uint, user *model.User, now time.Time) (*ExamDetail, error) {
	exam, err := s.ExamRepo.FindByIDWithQuestions(examID)
	if err != nil || exam.Status != model.ExamPublished {
		return nil, util.ErrExamNotFound
	}
	if exam.TargetTrack != "" && exam.TargetTrack != user.TrackName {
		return nil, util.ErrExamNotAccessible
	}
	if exam.StartAt != nil && now.Before(*exam.StartAt) {
		return nil, util.ErrExamNotYetStarted
	}

	attempt, err := s.ExamRepo.CreateAttemptIfAbsent(examID, user.ID, now)
	if err != nil {
		return nil, err
	}

	detail := &ExamDetail{Exam: exam}
	if remaining, limited := RemainingSeconds(exam, attempt, now); limited {
		detail.RemainingSeconds = &remaining
	}

	if _, err := s.SubRepo.FindByExamAndUser(examID, user.ID); err == nil {
		detail.Submitted = true
	} else if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	return detail, nil
}

// CheckSubmitWindow 交卷时间闸门。服务器时间是唯一裁决：剩余为 0 即拒收。
// 从未打开过试卷的提交按此刻起算（等同打开即交）。
func (s *ExamService) CheckSubmitWindow(exam *model.Exam, examID, userID uint, now time.Time) error {
	if exam.StartAt != nil && now.Before(*exam.StartAt) {
		return util.ErrExamNotYetStarted
	}
	if exam.DurationMinutes == nil {
		return nil
	}

	attempt, err := s.ExamRepo.FindAttempt(examID, userID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			if _, err := s.ExamRepo.CreateAttemptIfAbsent(examID, userID, now); err != nil {
				return err
			}
			return nil
		}
		return err
	}

	if remaining, limited := RemainingSeconds(exam, attempt, now); limited && remaining == 0 {
		return util.ErrExamExpired
	}
	return nil
}
