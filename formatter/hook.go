package formatter

import (
	"fmt"
	"path"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	// SourceField holds the file:line that emitted the entry
	SourceField = "source"

	fallbackModule = "meetrelay"
)

// SourceHook adds the emitting file and line to every entry that carries caller information. Files of this module
// are shown relative to the module root, anything else as package/file.
type SourceHook struct {
	prefixes []string
}

func NewSourceHook() *SourceHook {
	prefixes := []string{fallbackModule + "/"}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Path != "" {
		prefixes = append([]string{info.Main.Path + "/"}, prefixes...)
	}
	return &SourceHook{prefixes: prefixes}
}

func (hook *SourceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook *SourceHook) Fire(entry *logrus.Entry) error {
	if entry.Caller == nil {
		return nil
	}
	entry.Data[SourceField] = fmt.Sprintf("%s:%d", hook.relativePath(entry.Caller.File), entry.Caller.Line)
	return nil
}

func (hook *SourceHook) relativePath(file string) string {
	for _, prefix := range hook.prefixes {
		// the last occurrence wins when the checkout directory repeats the module name
		if i := strings.LastIndex(file, prefix); i >= 0 {
			return file[i+len(prefix):]
		}
	}

	dir, name := path.Split(file)
	return path.Join(path.Base(dir), name)
}
