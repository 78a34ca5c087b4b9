// Package logging defines the small severity-levelled Logger interface the
// rest of the module depends on, keeping every internal package free of a
// direct zap import. Only cmd/reverseproxy constructs the concrete
// zap-backed sink; everything else takes the interface.
package logging

// Logger is the sink every internal package logs through. Methods mirror
// the four severities the proxy actually emits: connection-volume noise at
// Debug, expected peer-originated failures at Warn, startup/fatal
// conditions at Error, nothing at Info beyond lifecycle milestones.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Nop is a Logger that discards everything, useful for tests that don't
// care about log output.
type Nop struct{}

func (Nop) Debugf(string, ...interface{}) {}
func (Nop) Infof(string, ...interface{})  {}
func (Nop) Warnf(string, ...interface{})  {}
func (Nop) Errorf(string, ...interface{}) {}
