package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jcoletaylor/tasker-sub003/internal/config"
	"github.com/jcoletaylor/tasker-sub003/internal/constants"
	"github.com/jcoletaylor/tasker-sub003/internal/logging"
)

// logFileWriter holds the rotating file writer for cleanup at shutdown.
var logFileWriter io.WriteCloser //nolint:gochecknoglobals // closed by CloseLogFile

// zerologGlobalMu protects assignment of the zerolog package-level logger.
var zerologGlobalMu sync.Mutex //nolint:gochecknoglobals // protects log.Logger

// InitLogger builds the process logger from configuration and flags.
//
// The level comes from --verbose (debug) or --quiet (error), falling back
// to the configured logging.level (default info). Output goes to stderr:
// zerolog's console writer when stderr is a TTY and NO_COLOR is unset,
// JSON otherwise. When a log file is configured (--log-file wins over
// logging.file) a rotating JSON copy is written there too, behind the
// credential filter so secrets never reach disk.
//
// File writer failures are not fatal; the logger continues console-only.
func InitLogger(logCfg config.LoggingConfig, flags *GlobalFlags) zerolog.Logger {
	level := selectLevel(logCfg.Level, flags.Verbose, flags.Quiet)
	console := selectConsole()

	writer := console
	logPath := logCfg.File
	if flags.LogFile != "" {
		logPath = flags.LogFile
	}
	if logPath != "" {
		if fw, err := createLogFileWriter(logPath); err == nil {
			logFileWriter = fw
			writer = zerolog.MultiLevelWriter(console, fw)
		} else {
			fmt.Fprintf(os.Stderr, "tasker: log file disabled: %v\n", err)
		}
	}

	logger := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	setGlobalLogger(logger)
	return logger
}

// InitLoggerWithWriter builds a logger against a caller-supplied writer.
// Intended for tests.
func InitLoggerWithWriter(verbose, quiet bool, w io.Writer) zerolog.Logger {
	level := selectLevel("", verbose, quiet)
	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	setGlobalLogger(logger)
	return logger
}

// setGlobalLogger points the zerolog package-level logger at the CLI
// logger so stray log.Info() calls share formatting and level.
func setGlobalLogger(cliLogger zerolog.Logger) {
	zerologGlobalMu.Lock()
	defer zerologGlobalMu.Unlock()
	log.Logger = cliLogger

	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	globalLogger = cliLogger
}

// CloseLogFile closes the rotating file writer if one was opened.
func CloseLogFile() {
	if logFileWriter != nil {
		_ = logFileWriter.Close()
		logFileWriter = nil
	}
}

// selectLevel resolves the log level: flags first, then the configured
// level, then info.
func selectLevel(cfgLevel string, verbose, quiet bool) zerolog.Level {
	switch {
	case verbose:
		return zerolog.DebugLevel
	case quiet:
		return zerolog.ErrorLevel
	}

	if cfgLevel != "" {
		if level, err := zerolog.ParseLevel(cfgLevel); err == nil {
			return level
		}
	}
	return zerolog.InfoLevel
}

// selectConsole picks the stderr format: human-readable console output on
// a TTY unless NO_COLOR is set, JSON otherwise.
func selectConsole() io.Writer {
	if term.IsTerminal(int(os.Stderr.Fd())) && os.Getenv("NO_COLOR") == "" {
		return zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.Kitchen,
		}
	}
	return os.Stderr
}

// filteringWriteCloser is a lumberjack writer behind the credential
// filter; Close must reach the lumberjack logger itself.
type filteringWriteCloser struct {
	filter *logging.FilteringWriter
	closer io.Closer
}

func (fwc *filteringWriteCloser) Write(p []byte) (n int, err error) {
	return fwc.filter.Write(p)
}

func (fwc *filteringWriteCloser) Close() error {
	return fwc.closer.Close()
}

// createLogFileWriter opens a rotating, credential-filtered log file.
func createLogFileWriter(path string) (io.WriteCloser, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    constants.LogMaxSizeMB,
		MaxBackups: constants.LogMaxBackups,
		MaxAge:     constants.LogMaxAgeDays,
		Compress:   constants.LogCompress,
	}

	return &filteringWriteCloser{
		filter: logging.NewFilteringWriter(lj),
		closer: lj,
	}, nil
}
