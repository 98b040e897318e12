package repository

import (
	"encoding/json"
	"time"

	"qa_lab_backend/internal/model"

	"gorm.io/gorm"
)

type SubmissionRepository struct {
	DB *gorm.DB
}

func NewSubmissionRepository(db *gorm.DB) *SubmissionRepository {
	return &SubmissionRepository{DB: db}
}

func (r *SubmissionRepository) CreateInTx(tx *gorm.DB, submission *model.ExamSubmission) error {
	return tx.Create(submission).Error
}

func (r *SubmissionRepository) FindByID(id uint) (*model.ExamSubmission, error) {
	var s model.ExamSubmission
	err := r.DB.Preload("Answers").Preload("User").First(&s, id).Error
	return &s, err
}

func (r *SubmissionRepository) FindByExamAndUser(examID, userID uint) (*model.ExamSubmission, error) {
	var s model.ExamSubmission
	err := r.DB.Where("exam_id = ? AND user_id = ?", examID, userID).First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SubmissionRepository) ListByExam(examID uint) ([]model.ExamSubmission, error) {
	var ss []model.ExamSubmission
	err := r.DB.Preload("Answers").Preload("User").
		Where("exam_id = ?", examID).Order("id desc").Find(&ss).Error
	return ss, err
}

func (r *SubmissionRepository) ListByUser(userID uint, limit int) ([]model.ExamSubmission, error) {
	var ss []model.ExamSubmission
	err := r.DB.Preload("Answers").
		Where("user_id = ?", userID).Order("id desc").Limit(limit).Find(&ss).Error
	return ss, err
}

func (r *SubmissionRepository) ListAnswers(submissionID uint) ([]model.ExamAnswer, error) {
	var answers []model.ExamAnswer
	err := r.DB.Where("submission_id = ?", submissionID).Order("question_id asc").Find(&answers).Error
	return answers, err
}

func (r *SubmissionRepository) FindAnswer(submissionID, questionID uint) (*model.ExamAnswer, error) {
	var a model.ExamAnswer
	err := r.DB.Where("submission_id = ? AND question_id = ?", submissionID, questionID).First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *SubmissionRepository) FindAnswerByID(id uint) (*model.ExamAnswer, error) {
	var a model.ExamAnswer
	err := r.DB.First(&a, id).Error
	return &a, err
}

// TransitionStatus 判分状态的条件更新，整个系统唯一的互斥临界区。
// 只有当前状态命中 from 集合才落库，返回是否发生迁移。
// 两个并发调用对同一答案只会有一个拿到 true。
func (r *SubmissionRepository) TransitionStatus(answerID uint, from []model.GradingStatus, to model.GradingStatus, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"grading_status": to}
	for k, v := range extra {
		updates[k] = v
	}

	res := r.DB.Model(&model.ExamAnswer{}).
		Where("id = ? AND grading_status IN ?", answerID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ClaimRunning 工作协程独占认领 QUEUED -> RUNNING
func (r *SubmissionRepository) ClaimRunning(answerID uint, now time.Time) (bool, error) {
	return r.TransitionStatus(answerID,
		[]model.GradingStatus{model.GradingQueued},
		model.GradingRunning,
		map[string]interface{}{"claimed_at": now},
	)
}

// CompleteGraded RUNNING -> GRADED，写入评测结果与引擎元数据
func (r *SubmissionRepository) CompleteGraded(answerID uint, score, maxScore int, feedback json.RawMessage, logs string, logKey string, engineModel string, promptVersion, schemaVersion int, now time.Time) (bool, error) {
	return r.TransitionStatus(answerID,
		[]model.GradingStatus{model.GradingRunning},
		model.GradingGraded,
		map[string]interface{}{
			"grading_score":         score,
			"grading_max_score":     maxScore,
			"grading_feedback":      feedback,
			"grading_logs":          logs,
			"grading_log_key":       logKey,
			"engine_model":          engineModel,
			"engine_prompt_version": promptVersion,
			"engine_schema_version": schemaVersion,
			"graded_at":             now,
			"claimed_at":            nil,
		},
	)
}

// CompleteFailed RUNNING -> FAILED，保留诊断信息供重判
func (r *SubmissionRepository) CompleteFailed(answerID uint, logs string, logKey string, now time.Time) (bool, error) {
	return r.TransitionStatus(answerID,
		[]model.GradingStatus{model.GradingRunning},
		model.GradingFailed,
		map[string]interface{}{
			"grading_logs":    logs,
			"grading_log_key": logKey,
			"graded_at":       now,
			"claimed_at":      nil,
		},
	)
}

// SetOverride 人工改分：只写附加记录，绝不触碰 grading_status 及自动判分字段
func (r *SubmissionRepository) SetOverride(answerID uint, score int, note string, byUserID uint, now time.Time) error {
	return r.DB.Model(&model.ExamAnswer{}).Where("id = ?", answerID).Updates(map[string]interface{}{
		"override_score":      score,
		"override_note":       note,
		"override_by_user_id": byUserID,
		"override_at":         now,
	}).Error
}

func (r *SubmissionRepository) CreateAppeal(appeal *model.ExamAnswerAppeal) error {
	return r.DB.Create(appeal).Error
}

func (r *SubmissionRepository) ListAppeals(submissionID uint) ([]model.ExamAnswerAppeal, error) {
	var appeals []model.ExamAnswerAppeal
	err := r.DB.Where("submission_id = ?", submissionID).Order("id desc").Find(&appeals).Error
	return appeals, err
}

// ListStaleRunning RUNNING 超龄的答案，评测器卡死后的回收对象
func (r *SubmissionRepository) ListStaleRunning(olderThan time.Time) ([]model.ExamAnswer, error) {
	var answers []model.ExamAnswer
	err := r.DB.Where("grading_status = ? AND claimed_at IS NOT NULL AND claimed_at < ?",
		model.GradingRunning, olderThan).Find(&answers).Error
	return answers, err
}

// SetPublishScope 提交级公开范围更新
func (r *SubmissionRepository) SetPublishScope(tx *gorm.DB, submissionID uint, scope model.PublishScope, at *time.Time) error {
	return tx.Model(&model.ExamSubmission{}).Where("id = ?", submissionID).Updates(map[string]interface{}{
		"publish_scope":        scope,
		"results_published_at": at,
	}).Error
}

// SetPublishScopeForExam 考试级批量更新，调用方负责包在事务里
func (r *SubmissionRepository) SetPublishScopeForExam(tx *gorm.DB, examID uint, scope model.PublishScope, at *time.Time) error {
	return tx.Model(&model.ExamSubmission{}).Where("exam_id = ?", examID).Updates(map[string]interface{}{
		"publish_scope":        scope,
		"results_published_at": at,
	}).Error
}

// CountByGradingStatus 运维概览：各判分状态的题数
func (r *SubmissionRepository) CountByGradingStatus() (map[model.GradingStatus]int64, error) {
	type row struct {
		GradingStatus model.GradingStatus
		Count         int64
	}
	var rows []row
	err := r.DB.Model(&model.ExamAnswer{}).
		Select("grading_status, count(*) as count").
		Group("grading_status").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[model.GradingStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.GradingStatus] = r.Count
	}
	return counts, nil
}
