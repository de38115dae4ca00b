package crossdomain

import "github.com/sirupsen/logrus"

// log is the package's structured logger, matching the subsystem-scoped
// logrus.Entry convention used across virtcontainers/device.
var log = logrus.WithField("subsystem", "crossdomain")

// SetLogger lets the embedding process route cross-domain logging into its
// own logrus hierarchy, preserving any fields already attached to log.
func SetLogger(logger *logrus.Entry) {
	fields := log.Data
	log = logger.WithFields(fields)
}
