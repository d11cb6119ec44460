// Package logging configures the shared logrus logger for the proxy.
// Console output is always enabled; file output rotates through lumberjack
// when a log directory is configured.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupBaseLogger installs the base formatter and log level before the
// configuration file has been loaded. The level can be forced early through
// the BOTSWITCH_LOG_LEVEL environment variable.
func SetupBaseLogger() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetLevel(parseLevel(os.Getenv("BOTSWITCH_LOG_LEVEL")))
	log.SetOutput(os.Stdout)
	hookOnce.Do(func() { log.AddHook(globalBuffer) })
}

var hookOnce sync.Once

// ConfigureFileOutput tees log output to a rotating file under dir. An empty
// dir leaves console-only logging in place.
func ConfigureFileOutput(dir string, debug bool) {
	if debug {
		log.SetLevel(log.DebugLevel)
	}
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warnf("cannot create log directory %s: %v", dir, err)
		return
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "botswitch.log"),
		MaxSize:    20, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
}

func parseLevel(s string) log.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
