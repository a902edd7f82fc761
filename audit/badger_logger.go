package audit

import (
	"github.com/plan-systems/plan-keyagent/ctx"
)

// badgerLogger routes badger's internal logging onto a ctx.Logger, keeping badger's chatter at verbose levels.
type badgerLogger struct {
	log ctx.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Errorf("badger: "+format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warnf("badger: "+format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Infof(2, "badger: "+format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Infof(3, "badger: "+format, args...)
}
