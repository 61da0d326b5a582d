package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

const (
	LevelFatal slog.Level = 12
)

// Options 日志初始化参数
type Options struct {
	Debug         bool
	Directory     string // 日志目录，为空时只输出到标准输出
	RetentionDays int    // 日志保留天数，<=0 表示不清理
}

// asyncWriter 由同一个 AsyncHandler 派生出的全部 handler 共享
type asyncWriter struct {
	ch          chan []byte
	writer      io.Writer
	currentDay  int      // 当前日志日期（day of year）
	currentFile *os.File // 当前日志文件
	basePath    string   // 日志文件基础路径
	retention   time.Duration
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

type AsyncHandler struct {
	out      *asyncWriter
	attrs    []slog.Attr
	group    string
	logLevel slog.Level
}

func NewAsyncHandler(options Options) *AsyncHandler {
	w := &asyncWriter{
		ch:        make(chan []byte, 1024),
		writer:    os.Stdout,
		basePath:  options.Directory,
		retention: time.Duration(options.RetentionDays) * 24 * time.Hour,
	}
	if err := w.rotateIfNeeded(); err != nil {
		fmt.Fprintf(os.Stderr, "LOGGER ROTATE ERROR: %v\n", err)
	}
	w.wg.Add(1)
	go w.startWorker()

	level := slog.LevelInfo
	if options.Debug {
		level = slog.LevelDebug
	}
	return &AsyncHandler{out: w, logLevel: level}
}

func (w *asyncWriter) cleanOldLogs() {
	if w.retention <= 0 {
		return
	}
	files, _ := filepath.Glob(w.basePath + "/*.log")
	now := time.Now()

	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) > w.retention {
			_ = os.Remove(f)
		}
	}
}

// 初始化或轮转日志文件
func (w *asyncWriter) rotateIfNeeded() error {
	if w.basePath == "" {
		return nil
	}
	now := time.Now()
	currentDay := now.YearDay()

	// 检查是否需要轮转
	if currentDay == w.currentDay && w.currentFile != nil {
		return nil
	}

	// 关闭旧文件
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
	}

	// 创建新文件
	logPath := w.getLogPath(now)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("create log file: %w", err)
	}

	w.currentFile = f
	w.currentDay = currentDay
	w.writer = io.MultiWriter(os.Stdout, w.currentFile)
	w.cleanOldLogs()
	return nil
}

func (w *asyncWriter) getLogPath(now time.Time) string {
	return fmt.Sprintf("%s/%s.log", w.basePath, now.Format("2006-01-02"))
}

func (w *asyncWriter) startWorker() {
	defer w.wg.Done()
	for data := range w.ch {
		_ = w.rotateIfNeeded()
		_, _ = w.writer.Write(data)
	}
}

func (w *asyncWriter) close() {
	w.closeOnce.Do(func() {
		close(w.ch)
		w.wg.Wait()
		if w.currentFile != nil {
			_ = w.currentFile.Sync()
			_ = w.currentFile.Close()
		}
	})
}

func (h *AsyncHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.logLevel
}

func (h *AsyncHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()

	switch r.Level {
	case slog.LevelDebug:
		level = color.MagentaString(level)
	case slog.LevelInfo:
		level = color.BlueString(level)
	case slog.LevelWarn:
		level = color.YellowString(level)
	case slog.LevelError:
		level = color.RedString(level)
	case LevelFatal:
		level = color.HiRedString("FATAL")
	}

	var line strings.Builder
	// 基础格式：时间 | 级别 | 消息
	line.WriteString(fmt.Sprintf(
		"%s | %-5s | %s",
		color.GreenString(r.Time.Format("2006-01-02T15:04:05")),
		level,
		color.CyanString(r.Message),
	))

	prefix := ""
	if h.group != "" {
		prefix = h.group + "."
	}

	// 处理固定字段
	for _, attr := range h.attrs {
		line.WriteString(color.CyanString(fmt.Sprintf(" %s%s=%v", prefix, attr.Key, attr.Value)))
	}

	// 处理动态字段
	r.Attrs(func(attr slog.Attr) bool {
		line.WriteString(color.CyanString(fmt.Sprintf(" %s%s=%v", prefix, attr.Key, attr.Value)))
		return true
	})

	line.WriteString("\n")

	h.Write([]byte(line.String()))
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	// 合并新旧字段
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	newAttrs = append(newAttrs, attrs...)

	return &AsyncHandler{
		out:      h.out,
		attrs:    newAttrs,
		group:    h.group,
		logLevel: h.logLevel,
	}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{
		out:      h.out,
		attrs:    h.attrs,
		group:    name,
		logLevel: h.logLevel,
	}
}

func (h *AsyncHandler) Write(p []byte) {
	// 拷贝数据避免竞态
	pb := make([]byte, len(p))
	copy(pb, p)
	defer func() {
		// 关闭之后的日志直接丢弃
		_ = recover()
	}()
	h.out.ch <- pb
}

func (h *AsyncHandler) Close() error {
	h.out.close()
	return nil
}

type ShutdownCallback struct {
	handler *AsyncHandler
}

func (lc *ShutdownCallback) Invoke(_ context.Context) error {
	return lc.handler.Close()
}

func Init(options Options) *ShutdownCallback {
	handler := NewAsyncHandler(options)
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Debug("Logger initialized")
	return &ShutdownCallback{handler: handler}
}

func Debug(msg string, v ...interface{}) {
	slog.Debug(msg, v...)
}

func DebugF(msg string, v ...interface{}) {
	slog.Debug(fmt.Sprintf(msg, v...))
}

func Info(msg string, v ...interface{}) {
	slog.Info(msg, v...)
}

func InfoF(msg string, v ...interface{}) {
	slog.Info(fmt.Sprintf(msg, v...))
}

func Warn(msg string, v ...interface{}) {
	slog.Warn(msg, v...)
}

func WarnF(msg string, v ...interface{}) {
	slog.Warn(fmt.Sprintf(msg, v...))
}

func Error(msg string, v ...interface{}) {
	slog.Error(msg, v...)
}

func ErrorF(msg string, v ...interface{}) {
	slog.Error(fmt.Sprintf(msg, v...))
}

func Fatal(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, msg, v...)
}

func FatalF(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, fmt.Sprintf(msg, v...))
}
