package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseStringTime 解析配置中的时长字符串，支持 "10s"、"20m"、"48h"、"2d"
// 以及 time.ParseDuration 能识别的格式（如 "1m30s"、"500ms"）
func ParseStringTime(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if timeString == "" {
		return 0, nil
	}
	if cutString, found := strings.CutSuffix(timeString, "d"); found {
		number, err := strconv.Atoi(cutString)
		if err != nil {
			return 0, fmt.Errorf("invalid time format %q: %w", timeString, err)
		}
		return time.Duration(number) * time.Hour * 24, nil
	}
	duration, err := time.ParseDuration(timeString)
	if err != nil {
		return 0, fmt.Errorf("invalid time format %q: %w", timeString, err)
	}
	return duration, nil
}

// ParseStringTimeOr 解析失败或为空时返回默认值
func ParseStringTimeOr(timeString string, fallback time.Duration) time.Duration {
	duration, err := ParseStringTime(timeString)
	if err != nil || duration <= 0 {
		return fallback
	}
	return duration
}
