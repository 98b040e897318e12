package repository

import (
	"time"

	"qa_lab_backend/internal/model"

	"gorm.io/gorm"
)

type UserRepository struct {
	DB *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{DB: db}
}

func (r *UserRepository) Create(user *model.User) error {
	return r.DB.Create(user).Error
}

func (r *UserRepository) FindByID(id uint) (*model.User, error) {
	var u model.User
	err := r.DB.First(&u, id).Error
	return &u, err
}

func (r *UserRepository) FindByEmail(email string) (*model.User, error) {
	var u model.User
	err := r.DB.Where("email = ?", email).First(&u).Error
	return &u, err
}

func (r *UserRepository) FindByUsername(username string) (*model.User, error) {
	var u model.User
	err := r.DB.Where("username = ?", username).First(&u).Error
	return &u, err
}

func (r *UserRepository) UpdateLastLogin(id uint) error {
	return r.DB.Model(&model.User{}).Where("id = ?", id).Update("last_login", time.Now()).Error
}
