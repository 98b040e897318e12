package service

import (
	"errors"

	"qa_lab_backend/internal/config"
	"qa_lab_backend/internal/model"
	"qa_lab_backend/internal/repository"
	"qa_lab_backend/internal/util"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type AuthService struct {
	UserRepo *repository.UserRepository
	Config   *config.Config
}

func NewAuthService(userRepo *repository.UserRepository, cfg *config.Config) *AuthService {
	return &AuthService{UserRepo: userRepo, Config: cfg}
}

type RegisterRequest struct {
	Username  string `json:"username" binding:"required,min=3,max=50"`
	Name      string `json:"name"`
	Email     string `json:"email" binding:"required,email"`
	Password  string `json:"password" binding:"required,min=6"`
	TrackName string `json:"trackName"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

func (s *AuthService) Register(req RegisterRequest) (*model.User, error) {
	if _, err := s.UserRepo.FindByEmail(req.Email); err == nil {
		return nil, util.ErrEmailRegistered
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &model.User{
		Username:  req.Username,
		Name:      req.Name,
		Email:     req.Email,
		Password:  string(hashed),
		Role:      model.RoleStudent,
		TrackName: req.TrackName,
	}
	if err := s.UserRepo.Create(user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *AuthService) Login(req LoginRequest) (*LoginResponse, error) {
	user, err := s.UserRepo.FindByEmail(req.Email)
	if err != nil {
		return nil, util.ErrUserNotFound
	}
	if user.Disabled {
		return nil, util.ErrPermissionDenied
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		return nil, util.ErrUserNotFound
	}

	token, err := util.GenerateJWT(user, s.Config.JWT.Secret, s.Config.JWT.ExpireTime)
	if err != nil {
		return nil, err
	}

	if err := s.UserRepo.UpdateLastLogin(user.ID); err != nil {
		return nil, err
	}

	return &LoginResponse{Token: token, User: user}, nil
}

func (s *AuthService) GetProfile(userID uint) (*model.User, error) {
	user, err := s.UserRepo.FindByID(userID)
	if err != nil {
		return nil, util.ErrUserNotFound
	}
	return user, nil
}
