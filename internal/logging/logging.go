// Package logging sets up the per-run logger: everything at debug level
// goes to a timestamped log file next to the reports, info and above is
// mirrored to stderr.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/sbomvm/internal/naming"
)

// writerHook mirrors entries at or above a minimum level to a second
// writer. The logger's own output stays at debug level for the file.
type writerHook struct {
	writer    io.Writer
	formatter logrus.Formatter
	levels    []logrus.Level
}

func (h *writerHook) Levels() []logrus.Level {
	return h.levels
}

func (h *writerHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}

// Setup creates the per-run logger for imagePath. The log file is named
// {timestamp}_{imagestem}.log and written under dir. The returned close
// function flushes and closes the file.
func Setup(imagePath, dir string) (*logrus.Logger, func() error, error) {
	name := naming.LogFile(time.Now(), naming.ImageStem(imagePath))
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create log file %s: %w", path, err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	logger.SetOutput(f)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
		DisableColors:   true,
	})
	logger.AddHook(&writerHook{
		writer:    os.Stderr,
		formatter: &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.TimeOnly},
		levels: []logrus.Level{
			logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel,
			logrus.WarnLevel, logrus.InfoLevel,
		},
	})

	logger.Debugf("logging to %s", path)
	return logger, f.Close, nil
}

// Discard returns a logger that swallows everything. Used by tests and
// by components constructed without a run context.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
