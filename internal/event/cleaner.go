// Package event 进程退出时按注册顺序执行清理回调
package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-broker/internal/logger"
)

const DefaultTimeout = 10 * time.Second

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc 把普通函数适配为 Callable
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

type Cleaner struct {
	cleaners []Callable
	mu       sync.Mutex
	cleaning bool
	timeout  time.Duration
}

func NewCleaner(timeout time.Duration) *Cleaner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Cleaner{timeout: timeout}
}

func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

// Clean 依次执行全部回调，每个回调单独计时；只会执行一次
func (c *Cleaner) Clean(ctx context.Context) error {
	c.mu.Lock()
	if c.cleaning {
		c.mu.Unlock()
		return nil
	}
	c.cleaning = true // 标记为清理中，阻止后续Add操作
	cleanersCopy := make([]Callable, len(c.cleaners))
	copy(cleanersCopy, c.cleaners)
	c.mu.Unlock()

	logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

	var errs []error
	for i, callable := range cleanersCopy {
		func(idx int, c Callable, timeout time.Duration) { // 使用匿名函数确保defer在每次迭代执行
			logger.DebugF("Invoking cleaner #%d (%T)", idx+1, c)
			timeoutCtx, cancelFunc := context.WithTimeout(ctx, timeout)
			defer cancelFunc()
			if err := c.Invoke(timeoutCtx); err != nil {
				logger.ErrorF("Cleaner #%d (%T) failed: %v", idx+1, c, err)
				errs = append(errs, fmt.Errorf("cleaner #%d: %w", idx+1, err))
			}
		}(i, callable, c.timeout)
	}

	if len(errs) > 0 {
		logger.ErrorF("%d errors occurred during cleanup", len(errs))
		return errors.Join(errs...)
	}
	logger.Debug("All cleaners executed successfully")
	return nil
}
