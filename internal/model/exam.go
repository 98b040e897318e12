package model

import (
	"encoding/json"
	"time"
)

// ExamStatus 试卷状态
type ExamStatus string

const (
	ExamDraft     ExamStatus = "draft"
	ExamPublished ExamStatus = "published"
)

// QuestionType 题型
type QuestionType string

const (
	QuestionObjective QuestionType = "objective"
	QuestionFreeText  QuestionType = "free_text"
	QuestionCode      QuestionType = "code"
)

// RequiresEvaluator 是否需要走外部评测器判分
func (t QuestionType) RequiresEvaluator() bool {
	return t == QuestionFreeText || t == QuestionCode
}

// swagger:model Exam
type Exam struct {
	BaseModel
	Title           string     `gorm:"size:255;not null" json:"title"`
	Description     string     `gorm:"type:text" json:"description"`
	Status          ExamStatus `gorm:"size:20;default:'draft';index" json:"status"`
	DurationMinutes *int       `json:"durationMinutes"` // nil 表示不限时
	TargetTrack     string     `gorm:"size:100" json:"targetTrack"`
	StartAt         *time.Time `json:"startAt"`

	ResultsPublished   bool       `gorm:"default:false" json:"resultsPublished"`
	ResultsPublishedAt *time.Time `json:"resultsPublishedAt"`

	Questions []ExamQuestion `gorm:"foreignKey:ExamID" json:"questions,omitempty"`
}

func (Exam) TableName() string {
	return "exams"
}

// swagger:model ExamQuestion
type ExamQuestion struct {
	BaseModel
	ExamID     uint         `gorm:"index;uniqueIndex:uq_exam_question_order" json:"examId"`
	OrderIndex int          `gorm:"uniqueIndex:uq_exam_question_order" json:"orderIndex"`
	Type       QuestionType `gorm:"size:20;not null" json:"type"`
	PromptMD   string       `gorm:"type:text;not null" json:"promptMd"`

	// 客观题字段。正确项和评分参考不下发给学生端。
	Choices            json.RawMessage `gorm:"type:json" json:"choices,omitempty"`
	CorrectChoiceIndex *int            `json:"-"`
	RubricText         string          `gorm:"type:text" json:"-"`

	Required bool `gorm:"default:true" json:"required"`
}

func (ExamQuestion) TableName() string {
	return "exam_questions"
}

// ChoiceList 解析选项列表，非客观题返回空
func (q *ExamQuestion) ChoiceList() []string {
	if len(q.Choices) == 0 {
		return nil
	}
	var choices []string
	if err := json.Unmarshal(q.Choices, &choices); err != nil {
		return nil
	}
	return choices
}

// ExamAttempt 首次打开试卷的时间锚点，限时判定以它为准
type ExamAttempt struct {
	BaseModel
	ExamID    uint      `gorm:"index;uniqueIndex:uq_exam_attempt_user" json:"examId"`
	UserID    uint      `gorm:"uniqueIndex:uq_exam_attempt_user" json:"userId"`
	StartedAt time.Time `gorm:"not null" json:"startedAt"`
}

func (ExamAttempt) TableName() string {
	return "exam_attempts"
}
