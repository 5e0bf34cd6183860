// Package logging wires logrus as the process-wide structured logger.
// It configures the log level from configuration and optionally redirects
// output to rotated files via lumberjack.
package logging

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures the global logrus logger. When toFile is true, log lines are
// written to a size-rotated file under logDir instead of stderr.
func Setup(debug, toFile bool, logDir string) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	if !toFile {
		log.SetOutput(os.Stderr)
		return
	}
	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.Warnf("logging: create log dir %s failed, keeping stderr: %v", logDir, err)
		return
	}
	rotated := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "gemini-relay.log"),
		MaxSize:    20, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(rotated))
}
