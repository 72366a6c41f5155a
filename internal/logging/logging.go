// Package logging centralizes statspipe's logrus setup: verbose output
// is gated behind a single -debug flag, generalized to logrus's
// leveled, field-based API.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the process-wide logger. debug raises the level to Debug;
// otherwise it logs at Info and above, without scattering level checks
// through call sites.
func New(debug bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if debug {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}
