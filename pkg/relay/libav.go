package relay

import (
	"strings"
	"sync"

	"github.com/asticode/go-astiav"
	"github.com/sirupsen/logrus"
)

var initOnce sync.Once

// initialise registers the capture devices and routes libav logging into
// logrus. It runs once per process.
func initialise(log *logrus.Logger) {
	initOnce.Do(func() {
		astiav.RegisterAllDevices()

		astiav.SetLogLevel(libavLevel(log.GetLevel()))
		astiav.SetLogCallback(func(c astiav.Classer, l astiav.LogLevel, _, msg string) {
			entry := log.WithField("component", "libav")
			if c != nil {
				if cl := c.Class(); cl != nil {
					entry = entry.WithField("class", cl.Name())
				}
			}

			msg = strings.TrimSpace(msg)
			if msg == "" {
				return
			}

			switch {
			case l <= astiav.LogLevelError:
				entry.Error(msg)
			case l <= astiav.LogLevelWarning:
				entry.Warn(msg)
			case l <= astiav.LogLevelInfo:
				entry.Info(msg)
			default:
				entry.Debug(msg)
			}
		})
	})
}

func libavLevel(l logrus.Level) astiav.LogLevel {
	switch l {
	case logrus.PanicLevel:
		return astiav.LogLevelPanic
	case logrus.FatalLevel:
		return astiav.LogLevelFatal
	case logrus.ErrorLevel:
		return astiav.LogLevelError
	case logrus.WarnLevel, logrus.InfoLevel:
		// libav is chatty at info
		return astiav.LogLevelWarning
	case logrus.DebugLevel:
		return astiav.LogLevelVerbose
	default:
		return astiav.LogLevelDebug
	}
}
