package logging

import (
	"fmt"
	"io"
	"log"
	"os"
)

// standardLogger is the underlying *log.Logger, writing to stderr and,
// when configured, a rotating file simultaneously.
type standardLogger struct {
	*log.Logger
}

func newStandardLogger(fileWriter io.Writer) *standardLogger {
	var out io.Writer = os.Stderr
	if fileWriter != nil {
		out = io.MultiWriter(os.Stderr, fileWriter)
	}
	return &standardLogger{Logger: log.New(out, "", log.LstdFlags|log.Lshortfile)}
}

func (s *standardLogger) printf(format string, v ...interface{}) {
	s.Output(3, fmt.Sprintf(format, v...))
}
