package log

import (
	"os"
	"path/filepath"

	"github.com/haramkhor2011-ship-it/claims-app-sub010/conf"
	"github.com/sirupsen/logrus"
)

var (
	Fetcher logrus.FieldLogger
	DHPO    logrus.FieldLogger
	Worker  logrus.FieldLogger
	Audit   logrus.FieldLogger
)

func init() {
	Fetcher = Logger(logrus.New(), conf.GetEnv("CLAIMS_FETCHER_LOG"),
		"fetcher", conf.GetEnv("ENVIRONMENT"))
	DHPO = Logger(logrus.New(), conf.GetEnv("CLAIMS_DHPO_LOG"),
		"dhpo", conf.GetEnv("ENVIRONMENT"))
	Worker = Logger(logrus.New(), conf.GetEnv("CLAIMS_WORKER_LOG"),
		"worker", conf.GetEnv("ENVIRONMENT"))
	Audit = Logger(logrus.New(), conf.GetEnv("CLAIMS_AUDIT_LOG"),
		"audit", conf.GetEnv("ENVIRONMENT"))
}

func Logger(logger *logrus.Logger, outputFile string,
	application, environment string) logrus.FieldLogger {

	logger.SetFormatter(&logrus.JSONFormatter{})

	if outputFile != "" {
		if file, err := os.OpenFile(filepath.Clean(outputFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640); err == nil {
			logger.SetOutput(file)
		} else {
			logger.Infof("Failed to open output file %s. Will use stderr. %s",
				outputFile, err.Error())
		}
	}

	return logger.WithFields(logrus.Fields{
		"application": application,
		"environment": environment})
}
