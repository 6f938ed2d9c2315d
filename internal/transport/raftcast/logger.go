package raftcast

import "go.uber.org/zap"

// raftLogger adapts a zap logger to raft.Logger.
type raftLogger struct {
	*zap.SugaredLogger
}

func (l raftLogger) Warning(v ...interface{}) { l.Warn(v...) }

func (l raftLogger) Warningf(format string, v ...interface{}) { l.Warnf(format, v...) }
