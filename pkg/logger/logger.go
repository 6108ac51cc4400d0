package logger

import (
	"io"
	"log"
	"os"
	"sync"
)

var (
	infoLog  *log.Logger
	warnLog  *log.Logger
	errorLog *log.Logger
	debugLog *log.Logger
	logFile  *os.File
	debugOn  bool
	initOnce sync.Once
)

// InitFile routes log output to both stdout and the given file.
func InitFile(filename string, debug bool) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return err
	}
	logFile = f
	setup(io.MultiWriter(os.Stdout, f), debug)
	return nil
}

// Init configures console-only logging.
func Init(debug bool) {
	setup(os.Stdout, debug)
}

func setup(w io.Writer, debug bool) {
	flags := log.Ldate | log.Ltime | log.Lshortfile
	infoLog = log.New(w, "INFO: ", flags)
	warnLog = log.New(w, "WARN: ", flags)
	errorLog = log.New(w, "ERROR: ", flags)
	debugLog = log.New(w, "DEBUG: ", flags)
	debugOn = debug
}

func ensure() {
	initOnce.Do(func() {
		if infoLog == nil {
			Init(false)
		}
	})
}

func Close() {
	if logFile != nil {
		logFile.Close()
	}
}

func Infof(format string, v ...interface{}) {
	ensure()
	infoLog.Printf(format, v...)
}

func Warnf(format string, v ...interface{}) {
	ensure()
	warnLog.Printf(format, v...)
}

func Errorf(format string, v ...interface{}) {
	ensure()
	errorLog.Printf(format, v...)
}

func Debugf(format string, v ...interface{}) {
	ensure()
	if debugOn {
		debugLog.Printf(format, v...)
	}
}
