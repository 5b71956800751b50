package orm

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const slowQuery = time.Second

// Logger sends gorm output to logrus. SQL statements log at debug unless
// the session asked for logger.Info (db.Debug()).
type Logger struct {
	logger *logrus.Entry
	level  logger.LogLevel
}

func NewLogger(driver string, entry *logrus.Entry) *Logger {
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Logger{
		logger: entry.WithField("driver", driver),
		level:  logger.Warn,
	}
}

func (l Logger) WithSourceFields() *logrus.Entry {
	return l.logger.WithField("caller", FileWithLineNum())
}

// LogMode returns a copy logging at level.
func (l *Logger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l Logger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Info {
		l.WithSourceFields().Infof(msg, data...)
	}
}

func (l Logger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Warn {
		l.WithSourceFields().Warnf(msg, data...)
	}
}

func (l Logger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Error {
		l.WithSourceFields().Errorf(msg, data...)
	}
}

// Trace print sql message
func (l Logger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	duration := float64(elapsed.Nanoseconds()) / 1e6

	entry := l.WithSourceFields().WithFields(logrus.Fields{
		"elapsed":  duration,
		"duration": fmt.Sprintf("%v", duration),
	})

	sql, rows := fc()
	if rows != -1 {
		entry = entry.WithField("rows", rows)
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		entry.Errorf("%s %s", err, sql)
	case elapsed >= slowQuery:
		entry.Warnf("SLOW SQL >= %v (%s)", slowQuery, sql)
	case l.level >= logger.Info:
		entry.Info(sql)
	default:
		entry.Debug(sql)
	}
}

// FileWithLineNum return the file name and line number of the current file
func FileWithLineNum() string {
	// the second caller usually from gorm internal, so set i start from 2
	for i := 2; i < 15; i++ {
		_, file, line, ok := runtime.Caller(i)

		if ok {
			notLibrary :=
				!strings.Contains(file, "gorm.io") &&
					!strings.Contains(file, "/orm/logger.go") &&
					!strings.HasSuffix(file, "_test.go")

			if notLibrary {
				return file + ":" + strconv.FormatInt(int64(line), 10)
			}
		}
	}
	return ""
}
