// Package cmn provides ambient runtime plumbing shared by every other
// package: logging, global configuration, and debug assertions.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Module tags used with FastV to gate expensive log formatting on hot paths.
const (
	SmoduleCopy      = "copy"
	SmoduleTask      = "task"
	SmoduleTTG       = "ttg"
	SmoduleTransport = "transport"
	SmoduleWorld     = "world"
	SmoduleDevice    = "device"
)

var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts the process-wide log level (e.g. for -v flags).
func SetLevel(lvl logrus.Level) { log.SetLevel(lvl) }

// FastV reports whether verbose logging at the given level is enabled for
// module m. Call sites are expected to skip formatting work when it's false:
//
//	if cmn.FastV(5, cmn.SmoduleTTG) { cmn.Infof(...) }
func FastV(level int, module string) bool {
	if level <= 1 {
		return log.IsLevelEnabled(logrus.InfoLevel)
	}
	return log.IsLevelEnabled(logrus.DebugLevel) && GCO.Get().Verbose(module, level)
}

// thin leveled-logging facade mirroring the teacher's nlog package.
func Infof(format string, args ...any)  { log.Infof(format, args...) }
func Infoln(args ...any)                { log.Infoln(args...) }
func Errorf(format string, args ...any) { log.Errorf(format, args...) }
func Errorln(args ...any)               { log.Errorln(args...) }
func Warnf(format string, args ...any)  { log.Warnf(format, args...) }
func Debugf(format string, args ...any) { log.Debugf(format, args...) }
