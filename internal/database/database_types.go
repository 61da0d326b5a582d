package database

import "time"

const UserCollectionName = "users"

// UserRecord 凭据集合中的一条用户记录
type UserRecord struct {
	Username     string    `bson:"username"`
	PasswordHash string    `bson:"password_hash"` // bcrypt
	Disabled     bool      `bson:"disabled"`
	UpdatedAt    time.Time `bson:"updated_at"`
}
