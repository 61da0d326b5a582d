package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-broker/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/crypto/bcrypt"
)

var ErrUsernameEmpty = errors.New("username is empty")

// CredentialStore 基于 MongoDB 的用户名/密码校验，实现 auth.Authenticator
type CredentialStore struct {
	users   *mongo.Collection
	timeout time.Duration
}

func NewCredentialStore(users *mongo.Collection, timeout time.Duration) *CredentialStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CredentialStore{users: users, timeout: timeout}
}

// NewUserRecord 生成带 bcrypt 摘要的用户记录
func NewUserRecord(username, password string) (*UserRecord, error) {
	if username == "" {
		return nil, ErrUsernameEmpty
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return &UserRecord{
		Username:     username,
		PasswordHash: string(hash),
		UpdatedAt:    time.Now().UTC(),
	}, nil
}

// Verify 校验明文密码是否与记录匹配
func (user *UserRecord) Verify(password string) bool {
	if user == nil || user.Disabled {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
}

// Authenticate 查询失败（包括超时）一律视为拒绝
func (cs *CredentialStore) Authenticate(username, password string) bool {
	if username == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), cs.timeout)
	defer cancel()

	var user UserRecord
	startTime := time.Now()
	err := cs.users.FindOne(ctx, bson.D{{Key: "username", Value: username}}).Decode(&user)
	logger.DebugF("credential query cost: %v", time.Since(startTime))

	if err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			logger.ErrorF("Fail to query credentials for %q, details: %v", username, err)
		}
		return false
	}
	return user.Verify(password)
}

// SaveUser 新增或覆盖用户
func (cs *CredentialStore) SaveUser(ctx context.Context, username, password string) error {
	user, err := NewUserRecord(username, password)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, cs.timeout)
	defer cancel()

	filter := bson.D{{Key: "username", Value: username}}
	result, err := cs.users.ReplaceOne(ctx, filter, user, options.Replace().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("unique key conflicts: %w", err)
		}
		return fmt.Errorf("database operation failed: %w", err)
	}

	logger.InfoF("User saved: username=%s, matched=%d, modified=%d, upserted=%v",
		username,
		result.MatchedCount,
		result.ModifiedCount,
		result.UpsertedID != nil,
	)
	return nil
}

func (cs *CredentialStore) DeleteUser(ctx context.Context, username string) error {
	if username == "" {
		return ErrUsernameEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, cs.timeout)
	defer cancel()

	result, err := cs.users.DeleteOne(ctx, bson.D{{Key: "username", Value: username}})
	if err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}
	logger.InfoF("User deleted: username=%s, deleted=%d", username, result.DeletedCount)
	return nil
}
