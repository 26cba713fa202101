// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package logger

import (
	"fmt"
	"io/ioutil"
	"sync"

	prefixed "github.com/chappjc/logrus-prefix"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	getLoggerMutex sync.Mutex
	globalLogger   *logrus.Logger
)

// FileConfig describes the rotated log file written next to the console output.
type FileConfig struct {
	Filename   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// GetLogger returns a configured logger instance
func GetLogger(prefix string) *logrus.Entry {
	if prefix == "" {
		prefix = "<no prefix>"
	}
	getLoggerMutex.Lock()
	defer getLoggerMutex.Unlock()
	if globalLogger == nil {
		logger := logrus.New()
		logger.SetFormatter(&prefixed.TextFormatter{
			FullTimestamp: true,
		})
		globalLogger = logger
	}
	return globalLogger.WithField("prefix", prefix)
}

// WithFile logs to the specified file in addition to the existing output.
// The file is rotated according to cfg.
func WithFile(log *logrus.Entry, cfg FileConfig) *lumberjack.Logger {
	w := &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	log.Logger.AddHook(lfshook.NewHook(w, &logrus.TextFormatter{}))
	return w
}

// WithNoStdOutErr disables logging to stdout/stderr.
func WithNoStdOutErr(log *logrus.Entry) {
	log.Logger.SetOutput(ioutil.Discard)
}

// SetLevel changes the level of every logger handed out by GetLogger.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	GetLogger("logger").Logger.SetLevel(lvl)
	return nil
}
