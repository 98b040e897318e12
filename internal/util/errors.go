package util

import "errors"

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrEmailRegistered      = errors.New("该邮箱已被注册")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrExamNotFound         = errors.New("exam not found")
	ErrExamNotAccessible    = errors.New("exam not accessible")
	ErrExamNotYetStarted    = errors.New("exam not yet started")
	ErrExamExpired          = errors.New("EXPIRED")
	ErrAlreadySubmitted     = errors.New("ALREADY_SUBMITTED")
	ErrSubmissionNotFound   = errors.New("submission not found")
	ErrAnswerNotFound       = errors.New("answer not found")
	ErrMissingRequired      = errors.New("required answer missing")
	ErrInvalidChoiceIndex   = errors.New("choice index out of range")
	ErrInvalidQuestionType  = errors.New("INVALID_QUESTION_TYPE")
	ErrScoreOutOfRange      = errors.New("OUT_OF_RANGE")
	ErrNotFullyGraded       = errors.New("NOT_FULLY_GRADED")
	ErrHasPendingReview     = errors.New("HAS_PENDING_REVIEW")
	ErrPublishedAtExamScope = errors.New("submission is published at exam scope")
)
