package gokit

import (
	"os"
	"testing"

	gklog "github.com/go-kit/kit/log"

	"github.com/clockwork-project/cogwheelftp/log"
)

func getLogger() log.Logger {
	return New(gklog.NewLogfmtLogger(gklog.NewSyncWriter(os.Stdout))).With(
		"ts", DefaultTimestampUTC,
		"caller", DefaultCaller,
	)
}

func TestLogSimple(t *testing.T) {
	logger := getLogger()
	logger.Info("Hello !")
}

func TestLogError(t *testing.T) {
	logger := getLogger()
	logger.Error("something broke", os.ErrClosed, "component", "test")
}
