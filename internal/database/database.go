package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	c "github.com/life-stream-dev/life-stream-broker/internal/config"
	"github.com/life-stream-dev/life-stream-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-broker/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Client 数据库连接，只承载凭据存储
type Client struct {
	client           *mongo.Client
	database         *mongo.Database
	OperationTimeout time.Duration
}

// Invoke 作为关闭回调注册到 event.Cleaner
func (dc *Client) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, dc.OperationTimeout)
	defer cancel()
	return dc.client.Disconnect(ctx)
}

// BuildURI 拼接连接串，用户名密码中的特殊字符会被编码
func BuildURI(config c.Config) string {
	if config.Database.Username == "" {
		return fmt.Sprintf("mongodb://%s:%d/", config.Database.Host, config.Database.Port)
	}
	encodedUser := url.QueryEscape(config.Database.Username)
	encodedPass := url.QueryEscape(config.Database.Password)
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		config.Database.Host,
		config.Database.Port,
	)
}

func clientOptions(config c.Config) *options.ClientOptions {
	clientOptions := options.Client().ApplyURI(BuildURI(config)).SetAppName(config.AppName)
	// 连接池配置
	clientOptions.SetMinPoolSize(config.Database.MinPoolSize)
	clientOptions.SetMaxPoolSize(config.Database.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTimeOr(config.Database.ConnectIdleTimeout, 5*time.Minute))
	// 超时限制
	clientOptions.SetConnectTimeout(utils.ParseStringTimeOr(config.Database.ConnectTimeout, 10*time.Second))
	clientOptions.SetSocketTimeout(utils.ParseStringTimeOr(config.Database.SocketTimeout, 30*time.Second))
	// 心跳包
	clientOptions.SetHeartbeatInterval(utils.ParseStringTimeOr(config.Database.Heartbeat, 10*time.Second))
	if config.Database.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s", evt.Address)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s, reason: %s", evt.Address, evt.Reason)
			}
		},
	})
	return clientOptions
}

// ConnectDatabase 连接数据库并确保凭据集合的唯一索引存在
func ConnectDatabase(ctx context.Context, config c.Config) (*Client, error) {
	logger.DebugF("Connecting to database...")

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions(config))
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	// 验证连接
	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	result := &Client{
		client:           client,
		database:         client.Database(config.Database.Database),
		OperationTimeout: utils.ParseStringTimeOr(config.Database.OperationTimeout, 5*time.Second),
	}

	_, err = result.database.Collection(userCollection(config)).Indexes().CreateOne(
		ctx,
		mongo.IndexModel{
			Keys:    bson.D{{Key: "username", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("users_username_unique"),
		},
	)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while creating database indexes: %w", err)
	}

	logger.InfoF("Database connected: %s:%d/%s", config.Database.Host, config.Database.Port, config.Database.Database)
	return result, nil
}

func userCollection(config c.Config) string {
	if config.Database.UserCollection == "" {
		return UserCollectionName
	}
	return config.Database.UserCollection
}

// Credentials 返回基于该连接的凭据存储
func (dc *Client) Credentials(config c.Config) *CredentialStore {
	return NewCredentialStore(dc.database.Collection(userCollection(config)), dc.OperationTimeout)
}
