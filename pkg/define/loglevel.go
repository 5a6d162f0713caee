package define

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

type Loglevel int32

const (
	OFF Loglevel = iota
	ERROR
	WARN
	INFO
	DEBUG
	TRACE
)

var loglevelNames = [...]string{
	OFF:   "OFF",
	ERROR: "ERROR",
	WARN:  "WARN",
	INFO:  "INFO",
	DEBUG: "DEBUG",
	TRACE: "TRACE",
}

func (l Loglevel) String() string {
	if l < OFF || l > TRACE {
		return loglevelNames[OFF]
	}
	return loglevelNames[l]
}

// ParseLoglevel accepts the level names in any case.
func ParseLoglevel(str string) (Loglevel, error) {
	for l, name := range loglevelNames {
		if strings.EqualFold(str, name) {
			return Loglevel(l), nil
		}
	}
	return OFF, fmt.Errorf("unknown log level %q", str)
}

// Logrus maps the level onto logrus. OFF only lets panics through.
func (l Loglevel) Logrus() logrus.Level {
	switch l {
	case ERROR:
		return logrus.ErrorLevel
	case WARN:
		return logrus.WarnLevel
	case INFO:
		return logrus.InfoLevel
	case DEBUG:
		return logrus.DebugLevel
	case TRACE:
		return logrus.TraceLevel
	default:
		return logrus.PanicLevel
	}
}
