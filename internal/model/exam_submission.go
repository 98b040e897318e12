package model

import (
	"encoding/json"
	"time"
)

// GradingStatus 单题判分状态，同时充当准入队列标记
type GradingStatus string

const (
	GradingPending GradingStatus = "PENDING"
	GradingQueued  GradingStatus = "QUEUED"
	GradingRunning GradingStatus = "RUNNING"
	GradingGraded  GradingStatus = "GRADED"
	GradingFailed  GradingStatus = "FAILED"
)

// SubmissionStatus 提交的聚合状态，由各题状态推导，不落库
type SubmissionStatus string

const (
	SubmissionSubmitted SubmissionStatus = "SUBMITTED"
	SubmissionFailed    SubmissionStatus = "FAILED"
	SubmissionGraded    SubmissionStatus = "GRADED"
)

// PublishScope 成绩公开范围
type PublishScope string

const (
	PublishNone       PublishScope = "none"
	PublishSubmission PublishScope = "submission"
	PublishExam       PublishScope = "exam"
)

// swagger:model ExamSubmission
type ExamSubmission struct {
	BaseModel
	ExamID             uint         `gorm:"index;uniqueIndex:uq_exam_submission_user" json:"examId"`
	UserID             uint         `gorm:"index;uniqueIndex:uq_exam_submission_user" json:"userId"`
	User               *User        `gorm:"foreignKey:UserID" json:"user,omitempty"`
	SubmittedAt        time.Time    `gorm:"not null" json:"submittedAt"`
	PublishScope       PublishScope `gorm:"size:20;default:'none'" json:"publishScope"`
	ResultsPublishedAt *time.Time   `json:"resultsPublishedAt"`
	Answers            []ExamAnswer `gorm:"foreignKey:SubmissionID" json:"answers,omitempty"`
}

func (ExamSubmission) TableName() string {
	return "exam_submissions"
}

// DeriveStatus 聚合状态推导：有在途题为 SUBMITTED，有失败题且无在途为 FAILED，
// 全部判完（人工改分视同判完）为 GRADED。
func DeriveStatus(answers []ExamAnswer) SubmissionStatus {
	hasFailed := false
	for _, a := range answers {
		if a.OverrideScore != nil {
			continue
		}
		switch a.GradingStatus {
		case GradingPending, GradingQueued, GradingRunning:
			return SubmissionSubmitted
		case GradingFailed:
			hasFailed = true
		}
	}
	if hasFailed {
		return SubmissionFailed
	}
	return SubmissionGraded
}

// swagger:model ExamAnswer
type ExamAnswer struct {
	BaseModel
	SubmissionID        uint            `gorm:"index;uniqueIndex:uq_exam_answer_question" json:"submissionId"`
	QuestionID          uint            `gorm:"index;uniqueIndex:uq_exam_answer_question" json:"questionId"`
	AnswerText          *string         `gorm:"type:text" json:"answerText"`
	SelectedChoiceIndex *int            `json:"selectedChoiceIndex"`
	GradingStatus       GradingStatus   `gorm:"size:20;default:'PENDING';index" json:"gradingStatus"`
	GradingScore        *int            `json:"gradingScore"`
	GradingMaxScore     *int            `json:"gradingMaxScore"`
	GradingFeedback     json.RawMessage `gorm:"type:json" json:"gradingFeedback,omitempty"`
	GradingLogs         string          `gorm:"type:text" json:"-"` // 诊断摘要，供运维排查
	GradingLogKey       string          `gorm:"size:255" json:"-"`  // 完整诊断归档对象名
	GradedAt            *time.Time      `json:"gradedAt"`
	ClaimedAt           *time.Time      `json:"-"` // RUNNING 认领时间，超龄回收依据

	// 评测引擎元数据，申诉重判时沿用
	EngineModel         string `gorm:"size:100" json:"engineModel,omitempty"`
	EnginePromptVersion int    `json:"enginePromptVersion,omitempty"`
	EngineSchemaVersion int    `json:"engineSchemaVersion,omitempty"`

	// 人工改分附加记录，展示/导出时优先于自动判分，自动字段保留审计
	OverrideScore    *int       `json:"overrideScore"`
	OverrideNote     string     `gorm:"type:text" json:"overrideNote,omitempty"`
	OverrideByUserID *uint      `json:"overrideByUserId,omitempty"`
	OverrideAt       *time.Time `json:"overrideAt,omitempty"`
}

func (ExamAnswer) TableName() string {
	return "exam_answers"
}

// EffectiveScore 人工改分优先
func (a *ExamAnswer) EffectiveScore() *int {
	if a.OverrideScore != nil {
		return a.OverrideScore
	}
	return a.GradingScore
}

// ExamAnswerAppeal 申诉审计记录，本身不承载分数
type ExamAnswerAppeal struct {
	BaseModel
	SubmissionID uint   `gorm:"index" json:"submissionId"`
	QuestionID   uint   `gorm:"index" json:"questionId"`
	UserID       uint   `json:"userId"`
	Reason       string `gorm:"type:text;not null" json:"reason"`
}

func (ExamAnswerAppeal) TableName() string {
	return "exam_answer_appeals"
}
