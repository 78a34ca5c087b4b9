package logging

import "go.uber.org/zap"

// Zap adapts a *zap.SugaredLogger to the Logger interface. Constructed once
// in cmd/reverseproxy from a production zap config, mirroring the teacher's
// own pattern of building one concrete logger at startup and threading the
// interface down through constructors.
type Zap struct {
	s *zap.SugaredLogger
}

// NewZap wraps an existing sugared logger.
func NewZap(s *zap.SugaredLogger) *Zap {
	return &Zap{s: s}
}

func (z *Zap) Debugf(format string, args ...interface{}) { z.s.Debugf(format, args...) }
func (z *Zap) Infof(format string, args ...interface{})  { z.s.Infof(format, args...) }
func (z *Zap) Warnf(format string, args ...interface{})  { z.s.Warnf(format, args...) }
func (z *Zap) Errorf(format string, args ...interface{}) { z.s.Errorf(format, args...) }
