package db

import "time"

// Person 表示 people 表，(user_id, name) 唯一
type Person struct {
	ID                     string    `json:"id"`
	UserID                 int64     `json:"user_id"`
	Name                   string    `json:"name"`
	RelationshipType       *string   `json:"relationship_type,omitempty"`
	RelationshipUserSet    bool      `json:"relationship_user_set"`
	RelationshipConfidence float64   `json:"relationship_confidence"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// PersonEmail 表示 person_emails 表，(person_id, email_address) 唯一
type PersonEmail struct {
	ID           string `json:"id"`
	PersonID     string `json:"person_id"`
	EmailAddress string `json:"email_address"`
	IsPrimary    bool   `json:"is_primary"`
}

// PersonMatch 按邮箱地址查到的联系人
type PersonMatch struct {
	Person Person      `json:"person"`
	Email  PersonEmail `json:"email"`
}
