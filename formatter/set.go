package formatter

import "github.com/sirupsen/logrus"

// SetTextFormatter switches logger to the text layout with source locations. Calling it again replaces the hooks it
// installed instead of stacking them.
func SetTextFormatter(logger *logrus.Logger) {
	logger.SetFormatter(NewTextFormatter())
	logger.SetReportCaller(true)
	logger.ReplaceHooks(logrus.LevelHooks{})
	logger.AddHook(NewSourceHook())
}
