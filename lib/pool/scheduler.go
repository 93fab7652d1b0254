package pool

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type clockScheduler struct {
	clock clock.Clock
}

func (T clockScheduler) Schedule(task func(), delay time.Duration) Cancelable {
	return T.clock.AfterFunc(delay, task)
}

var _ Scheduler = clockScheduler{}

type logSink struct {
	log *zap.Logger
}

func (T logSink) Capture(err error, fields ...zap.Field) {
	T.log.Warn("swallowed pool error", append(fields, zap.Error(err))...)
}

var _ DiagnosticSink = logSink{}
