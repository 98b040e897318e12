package repository

import (
	"time"

	"qa_lab_backend/internal/model"

	"gorm.io/gorm"
)

type ExamRepository struct {
	DB *gorm.DB
}

func NewExamRepository(db *gorm.DB) *ExamRepository {
	return &ExamRepository{DB: db}
}

func (r *ExamRepository) Create(exam *model.Exam) error {
	return r.DB.Create(exam).Error
}

func (r *ExamRepository) FindByID(id uint) (*model.Exam, error) {
	var e model.Exam
	err := r.DB.First(&e, id).Error
	return &e, err
}

func (r *ExamRepository) FindByIDWithQuestions(id uint) (*model.Exam, error) {
	var e model.Exam
	err := r.DB.Preload("Questions", func(db *gorm.DB) *gorm.DB {
		return db.Order("order_index asc")
	}).First(&e, id).Error
	return &e, err
}

func (r *ExamRepository) ListPublished() ([]model.Exam, error) {
	var exams []model.Exam
	err := r.DB.Where("status = ?", model.ExamPublished).Order("id asc").Find(&exams).Error
	return exams, err
}

func (r *ExamRepository) ListAll(page, limit int) ([]model.Exam, int64, error) {
	var exams []model.Exam
	var total int64
	query := r.DB.Model(&model.Exam{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	offset := (page - 1) * limit
	err := query.Order("created_at desc").Offset(offset).Limit(limit).Find(&exams).Error
	return exams, total, err
}

func (r *ExamRepository) ListQuestions(examID uint) ([]model.ExamQuestion, error) {
	var qs []model.ExamQuestion
	err := r.DB.Where("exam_id = ?", examID).Order("order_index asc").Find(&qs).Error
	return qs, err
}

func (r *ExamRepository) CountSubmissions(examID uint) (int64, error) {
	var count int64
	err := r.DB.Model(&model.ExamSubmission{}).Where("exam_id = ?", examID).Count(&count).Error
	return count, err
}

func (r *ExamRepository) FindAttempt(examID, userID uint) (*model.ExamAttempt, error) {
	var a model.ExamAttempt
	err := r.DB.Where("exam_id = ? AND user_id = ?", examID, userID).First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAttemptIfAbsent 懒记录首次打开时间。唯一索引兜底并发下的重复创建，
// 冲突时回读既有记录。
func (r *ExamRepository) CreateAttemptIfAbsent(examID, userID uint, now time.Time) (*model.ExamAttempt, error) {
	attempt, err := r.FindAttempt(examID, userID)
	if err == nil {
		return attempt, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	created := &model.ExamAttempt{ExamID: examID, UserID: userID, StartedAt: now}
	if err := r.DB.Create(created).Error; err != nil {
		// 并发创建撞唯一索引，以先到的为准
		if existing, findErr := r.FindAttempt(examID, userID); findErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return created, nil
}

// SetResultsPublished 考试级公开标记，需与提交行更新同事务时由调用方传入 tx
func (r *ExamRepository) SetResultsPublished(tx *gorm.DB, examID uint, published bool, at *time.Time) error {
	return tx.Model(&model.Exam{}).Where("id = ?", examID).Updates(map[string]interface{}{
		"results_published":    published,
		"results_published_at": at,
	}).Error
}
