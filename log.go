package corenet

import "github.com/sirupsen/logrus"

// newLoopLogger builds the structured logger SPEC_FULL.md's AMBIENT STACK
// describes: a logrus.Entry carrying loop_id for the lifetime of one
// EventLoop, with per-call fields (such as fd or addr) added at each log
// site. Loop-fatal errors (spec.md §7e) log at Error; per-connection
// errors (§7d) log at Debug, since they're expected background noise on
// a busy loop rather than operator-actionable events.
func newLoopLogger(base *logrus.Logger, loopID string) *logrus.Entry {
	if base == nil {
		base = logrus.StandardLogger()
	}
	return base.WithField("loop_id", loopID)
}
