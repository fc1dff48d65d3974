package logger

import (
	"sync/atomic"
)

// Global logger instance
var defaultLogger atomic.Pointer[Logger]

func init() {
	// console only until InitFromConfig runs
	l, _ := New(DefaultConfig())
	defaultLogger.Store(l)
}

// InitFromConfig initializes the logger from configuration
func InitFromConfig(level, filePath string, maxSize, maxBackups int, console bool) error {
	logLevel, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	l, err := New(LoggerConfig{
		Level:      logLevel,
		FilePath:   filePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Console:    console,
	})
	if err != nil {
		return err
	}

	SetDefault(l)
	return nil
}

// SetDefault replaces the package level logger and closes the previous one.
func SetDefault(l *Logger) {
	if prev := defaultLogger.Swap(l); prev != nil && prev != l {
		prev.Close()
	}
}

// SetLevel changes the level of the package level logger.
func SetLevel(level string) error {
	logLevel, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	l := defaultLogger.Load()
	next := &Logger{zl: l.zl.Level(logLevel), file: l.file}
	defaultLogger.Store(next)
	return nil
}

// Debug logs debug level messages
func Debug(format string, args ...interface{}) {
	defaultLogger.Load().log(DEBUG, format, args...)
}

// Info logs info level messages
func Info(format string, args ...interface{}) {
	defaultLogger.Load().log(INFO, format, args...)
}

// Warn logs warning level messages
func Warn(format string, args ...interface{}) {
	defaultLogger.Load().log(WARN, format, args...)
}

// Error logs error level messages
func Error(format string, args ...interface{}) {
	defaultLogger.Load().log(ERROR, format, args...)
}

// Close closes the logger
func Close() error {
	return defaultLogger.Load().Close()
}
