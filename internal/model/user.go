package model

import "time"

// UserRole 用户角色
type UserRole string

const (
	RoleStudent UserRole = "student"
	RoleAdmin   UserRole = "admin"
)

// swagger:model User
type User struct {
	BaseModel
	Username  string     `gorm:"size:100;uniqueIndex;not null" json:"username"`
	Name      string     `gorm:"size:100" json:"name"`
	Email     string     `gorm:"size:255;uniqueIndex;not null" json:"email"`
	Password  string     `gorm:"size:255;not null" json:"-"`
	Role      UserRole   `gorm:"size:20;default:'student'" json:"role"`
	TrackName string     `gorm:"size:100" json:"trackName"` // 试卷定向：空表示不限
	Disabled  bool       `gorm:"default:false" json:"disabled"`
	LastLogin *time.Time `json:"lastLogin"`
}

func (User) TableName() string {
	return "users"
}
