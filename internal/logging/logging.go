// Package logging wires up github.com/ledgerwatch/log/v3: a console
// handler plus an optional rotating file handler behind
// gopkg.in/natefinch/lumberjack.v2, muxed together. It takes a plain
// options struct instead of binding to a CLI flag set, since the indexer
// library has no CLI surface of its own (that lives in cmd/indexer).
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ledgerwatch/log/v3"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures one component's logger.
type Options struct {
	// Prefix names the component and instance, e.g. "environment:a1b2c3".
	Prefix string
	// ConsoleLevel filters what reaches stderr. Defaults to log.LvlInfo.
	ConsoleLevel log.Lvl
	// DirPath, if non-empty, enables rotating file output under this
	// directory. Empty means console-only.
	DirPath string
	// DirLevel filters what reaches the file handler. Defaults to
	// ConsoleLevel.
	DirLevel log.Lvl
}

// New builds a log.Logger bound to a "[Prefix]" context value, console
// output always enabled and file output enabled when DirPath is set.
func New(opts Options) log.Logger {
	logger := log.New("component", opts.Prefix)

	consoleLevel := opts.ConsoleLevel
	if consoleLevel == 0 {
		consoleLevel = log.LvlInfo
	}
	dirLevel := opts.DirLevel
	if dirLevel == 0 {
		dirLevel = consoleLevel
	}

	consoleHandler := log.LvlFilterHandler(consoleLevel, log.StreamHandler(os.Stderr, log.TerminalFormatNoColor()))

	if opts.DirPath == "" {
		logger.SetHandler(consoleHandler)
		return logger
	}

	if err := os.MkdirAll(opts.DirPath, 0764); err != nil {
		logger.SetHandler(consoleHandler)
		logger.Warn("failed to create log dir, console logging only", "err", err)
		return logger
	}

	sink := &lumberjack.Logger{
		Filename:   filepath.Join(opts.DirPath, fileName(opts.Prefix)),
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     28,
	}
	fileHandler := log.LvlFilterHandler(dirLevel, log.StreamHandler(sink, log.TerminalFormatNoColor()))

	logger.SetHandler(log.MultiHandler(consoleHandler, fileHandler))
	logger.Info("logging to file system", "log dir", opts.DirPath, "component", opts.Prefix)
	return logger
}

func fileName(prefix string) string {
	return fmt.Sprintf("%s.log", sanitize(prefix))
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == ':' || r == '/' || r == ' ' {
			out = append(out, '-')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
