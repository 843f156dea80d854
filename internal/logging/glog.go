// Package logging adapts glog to the Printf-style Logger interfaces used
// throughout the module.
package logging

import (
	"strings"

	"github.com/golang/glog"
)

// Glog routes Printf calls to glog. Lines whose format begins with "debug:"
// are only emitted at verbosity 2 and above.
type Glog struct {
	Tag string
}

func (g Glog) Printf(format string, args ...any) {
	if rest, ok := strings.CutPrefix(format, "debug: "); ok {
		if glog.V(2) {
			glog.InfoDepthf(1, g.tagged(rest), args...)
		}
		return
	}
	glog.InfoDepthf(1, g.tagged(format), args...)
}

// Warnf logs at warning severity.
func (g Glog) Warnf(format string, args ...any) {
	glog.WarningDepthf(1, g.tagged(format), args...)
}

func (g Glog) tagged(format string) string {
	if g.Tag == "" {
		return format
	}
	return "[" + g.Tag + "]" + format
}

// Flush writes any buffered log lines.
func Flush() {
	glog.Flush()
}
