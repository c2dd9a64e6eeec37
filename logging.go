package main

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	coreLog *logrus.Entry
	sipLog  *logrus.Entry
	confLog *logrus.Entry
	logFile *lumberjack.Logger
)

// initLogging configures the core, sip and conference loggers.
func initLogging(cfg *ini.File) error {
	sec := cfg.Section("logging")

	consoleMin := toLogrusLevel(sec.Key("console_min_level").MustInt(0))
	fileMin := toLogrusLevel(sec.Key("file_min_level").MustInt(0))

	logFile = &lumberjack.Logger{
		Filename:   sec.Key("file").MustString("featureserver.log"),
		MaxSize:    sec.Key("max_size_mb").MustInt(100),
		MaxBackups: sec.Key("max_backups").MustInt(1),
	}

	var sipFilter func(*logrus.Entry) bool
	if !sec.Key("sip_messages").MustBool(true) {
		sipFilter = isSIPMessage
	}

	coreLog = newLogger("core", toLogrusLevel(sec.Key("core").MustInt(2)), consoleMin, fileMin, logFile, nil)
	sipLog = newLogger("sip", toLogrusLevel(sec.Key("sip").MustInt(2)), consoleMin, fileMin, logFile, sipFilter)
	confLog = newLogger("conference", toLogrusLevel(sec.Key("conference").MustInt(2)), consoleMin, fileMin, logFile, nil)
	return nil
}

// closeLogging flushes and closes log files.
func closeLogging() {
	if logFile != nil {
		_ = logFile.Close()
	}
}

// writerHook writes logs to the specified writer for provided levels,
// skipping entries Drop reports.
type writerHook struct {
	Writer    io.Writer
	LogLevels []logrus.Level
	Drop      func(*logrus.Entry) bool
}

func (h *writerHook) Fire(e *logrus.Entry) error {
	if h.Drop != nil && h.Drop(e) {
		return nil
	}
	line, err := e.String()
	if err != nil {
		return err
	}
	_, err = h.Writer.Write([]byte(line))
	return err
}

func (h *writerHook) Levels() []logrus.Level {
	return h.LogLevels
}

func newLogger(name string, level, consoleMin, fileMin logrus.Level, file io.Writer, drop func(*logrus.Entry) bool) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(io.Discard)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	logger.AddHook(&writerHook{Writer: os.Stdout, LogLevels: availableLevels(consoleMin), Drop: drop})
	logger.AddHook(&writerHook{Writer: file, LogLevels: availableLevels(fileMin), Drop: drop})
	return logger.WithField("name", name)
}

func availableLevels(min logrus.Level) []logrus.Level {
	levels := []logrus.Level{}
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return levels
}

func toLogrusLevel(v int) logrus.Level {
	switch {
	case v <= 0:
		return logrus.TraceLevel
	case v == 1:
		return logrus.DebugLevel
	case v == 2:
		return logrus.InfoLevel
	case v == 3:
		return logrus.WarnLevel
	case v == 4:
		return logrus.ErrorLevel
	case v == 5:
		return logrus.FatalLevel
	default:
		return logrus.PanicLevel // off
	}
}

// isSIPMessage matches the full SIP message dumps of the SIP stack.
func isSIPMessage(e *logrus.Entry) bool {
	return strings.HasPrefix(e.Message, "received SIP message:") || strings.HasPrefix(e.Message, "sending SIP message:")
}
