package logging

import (
	"fmt"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
)

const ApiEvent = "api event"
const DriverEvent = "driver event"
const BackendEvent = "backend event"
const VerifierEvent = "verifier event"
const TimingEvent = "timing event"
const IoEvent = "io event"
const HzEvent = "hazelcast event"
const ConfigurationEvent = "configuration event"

type LogProvider struct {
	ClientID uuid.UUID
}

var (
	instance *LogProvider
	once     sync.Once
)

func init() {

	log.SetFormatter(&log.JSONFormatter{})

	logLevel, out := levelAndOutput(os.Getenv("LOG_LEVEL"))

	log.SetLevel(logLevel)
	log.SetOutput(out)
	log.SetReportCaller(false)

}

// GetLogProviderInstance hands out the process-wide provider. The client ID given on
// first invocation sticks.
func GetLogProviderInstance(clientID uuid.UUID) *LogProvider {

	once.Do(func() {
		instance = &LogProvider{ClientID: clientID}
	})

	return instance

}

func levelAndOutput(definedLogLevel string) (log.Level, io.Writer) {

	switch strings.ToLower(definedLogLevel) {
	case "trace":
		return log.TraceLevel, os.Stdout
	case "debug":
		return log.DebugLevel, os.Stdout
	case "info":
		return log.InfoLevel, os.Stdout
	case "warn":
		return log.WarnLevel, os.Stderr
	case "error":
		return log.ErrorLevel, os.Stderr
	default:
		return log.InfoLevel, os.Stdout
	}

}

func (lp *LogProvider) LogIoEvent(msg string, level log.Level) {

	fields := log.Fields{
		"kind": IoEvent,
	}

	lp.doLog(msg, fields, level)

}

func (lp *LogProvider) LogApiEvent(msg string, level log.Level) {

	fields := log.Fields{
		"kind": ApiEvent,
	}

	lp.doLog(msg, fields, level)

}

func (lp *LogProvider) LogTimingEvent(operation string, target string, tookMs int, level log.Level) {

	fields := log.Fields{
		"kind":      TimingEvent,
		"operation": operation,
		"target":    target,
		"tookMs":    tookMs,
	}

	lp.doLog(fmt.Sprintf("'%s' took %d ms", operation, tookMs), fields, level)

}

func (lp *LogProvider) LogDriverEvent(msg string, level log.Level) {

	fields := log.Fields{
		"kind": DriverEvent,
	}

	lp.doLog(msg, fields, level)

}

func (lp *LogProvider) LogBackendEvent(msg string, level log.Level) {

	fields := log.Fields{
		"kind": BackendEvent,
	}

	lp.doLog(msg, fields, level)

}

func (lp *LogProvider) LogVerifierEvent(msg string, level log.Level) {

	fields := log.Fields{
		"kind": VerifierEvent,
	}

	lp.doLog(msg, fields, level)

}

func (lp *LogProvider) LogHzEvent(msg string, level log.Level) {

	fields := log.Fields{
		"kind": HzEvent,
	}

	lp.doLog(msg, fields, level)
}

func (lp *LogProvider) LogErrUponConfigRetrieval(keyPath string, err error, level log.Level) {

	lp.LogConfigEvent(keyPath, "config file", fmt.Sprintf("encountered error upon attempt to extract config value: %v", err), level)

}

func (lp *LogProvider) LogConfigEvent(configValue string, source string, msg string, level log.Level) {

	fields := log.Fields{
		"kind":   ConfigurationEvent,
		"value":  configValue,
		"source": source,
	}

	lp.doLog(msg, fields, level)

}

func (lp *LogProvider) doLog(msg string, fields log.Fields, level log.Level) {

	fields["caller"] = getCaller()
	fields["client"] = lp.ClientID

	switch level {
	case log.FatalLevel:
		log.WithFields(fields).Fatal(msg)
	case log.ErrorLevel:
		log.WithFields(fields).Error(msg)
	case log.WarnLevel:
		log.WithFields(fields).Warn(msg)
	case log.InfoLevel:
		log.WithFields(fields).Info(msg)
	case log.DebugLevel:
		log.WithFields(fields).Debug(msg)
	default:
		log.WithFields(fields).Trace(msg)
	}

}

func getCaller() string {

	// Skipping three stacks will bring us to the method or function that originally invoked the logging method
	pc, _, _, ok := runtime.Caller(3)

	if !ok {
		return "unknown"
	}

	file, line := runtime.FuncForPC(pc).FileLine(pc)
	return fmt.Sprintf("%s:%d", file, line)

}
