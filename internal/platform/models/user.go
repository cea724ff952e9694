package models

type User struct {
	ID            string  `json:"id"`
	Email         string  `json:"email"`
	Name          string  `json:"name"`
	AvatarURL     *string `json:"avatar"`
	PasswordHash  *string `json:"-"`
	EmailVerified bool    `json:"email_verified"`
	LastLoginAt   *int64  `json:"last_login_at,omitempty"`
	CreatedAt     int64   `json:"created_at"`
	UpdatedAt     int64   `json:"updated_at"`
}

// Profile is the public projection returned to clients.
type Profile struct {
	ID     string  `json:"id"`
	Email  string  `json:"email"`
	Name   string  `json:"name"`
	Avatar *string `json:"avatar"`
}

func (u *User) Profile() Profile {
	return Profile{ID: u.ID, Email: u.Email, Name: u.Name, Avatar: u.AvatarURL}
}
