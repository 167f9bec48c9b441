// Package common provides the shared ambient infrastructure for the fabric:
// structured logging with stream separation and correlation-id propagation.
//
// The logging system is built on logrus. Error-level records are routed to
// stderr while everything else goes to stdout, so containerized deployments
// can treat the two streams differently.
package common

import (
	"bytes"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the global logger instance. All services use it (or entries
// derived from it) so output handling stays uniform.
var Logger = logrus.New()

// OutputSplitter routes formatted log records to stderr when they carry an
// error level marker and to stdout otherwise.
type OutputSplitter struct{}

// Write implements io.Writer, selecting the output stream per record.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// InitLogging configures the global logger. Level is one of debug, info,
// warn, error; format is json or text. Unknown values fall back to info/text.
func InitLogging(level, format string) {
	Logger.SetOutput(&OutputSplitter{})

	if parsed, err := logrus.ParseLevel(level); err == nil {
		Logger.SetLevel(parsed)
	} else {
		Logger.SetLevel(logrus.InfoLevel)
	}

	if strings.EqualFold(format, "json") {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
