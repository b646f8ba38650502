package logging

const (
	infoLogLevel    = "INFO"
	warningLogLevel = "WARNING"
	errorLogLevel   = "ERROR"

	// module and pipeline statuses as recorded in the run log
	NotStarted = "not-started"
	Running    = "running"
	Failed     = "failed"
	Completed  = "completed"
	Skipped    = "skipped"

	metricsSamplingPeriod = 30

	// records kept in memory for the fatal error file
	bufferCapacity = 5000

	fatalErrorPrefix = "bosun_FATAL_ERROR_"
	logExt           = ".log"
)
