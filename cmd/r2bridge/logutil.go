package main

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLoggers writes to stderr, or to a rotated file, since stdout may carry the channel.
func setupLoggers(debug bool, logFile string) (closeLog func()) {
	var w io.Writer = os.Stderr
	closeLog = func() {}
	if logFile != "" {
		lj := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		}
		w = lj
		closeLog = func() {
			if err := lj.Close(); err != nil {
				logger.Println("failed to close log file:", err)
			}
		}
	}
	logger.SetOutput(w)
	if debug {
		logger.Println("debug enabled")
		loggerInfo = log.New(w, "[INFO] ", log.Ldate|log.Ltime|log.Lshortfile|log.Lmsgprefix)
		loggerDebug = log.New(w, "[DEBUG] ", log.Ldate|log.Ltime|log.Lshortfile|log.Lmsgprefix)
	} else {
		loggerInfo = log.New(w, "", log.Ldate|log.Ltime|log.Lmsgprefix)
		loggerDebug = log.New(io.Discard, "", 0)
	}
	return closeLog
}
