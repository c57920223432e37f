package config

import (
	"os"

	"github.com/go-kit/log"
)

var Version string

// Used so that we can generate fixed timestamps in tests
var Clock TimestampGenerator = RealTimestampGenerator{}

// Maximum number of ad jobs allowed to run concurrently in one process.
// Each job is strictly sequential internally, so this bounds the number of
// in-flight video model operations.
var MaxInFlightAdJobs = 8

// Maximum accepted size of the inline character image upload. The job
// document must never carry these bytes; they go straight to the artifact
// store.
const MaxCharacterImageBytes = 8 << 20

// Global variable, but easier than passing a logger around throughout the system
var Logger log.Logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

func init() {
	Logger = log.With(Logger, "ts", log.DefaultTimestampUTC)
}
