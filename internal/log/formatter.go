package log

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

type formatter struct {
	pattern string
	time    string
}

// Format renders an entry through the pattern. Supported verbs are %time,
// %level, %field, %msg, %caller, %func and %goroutine.
func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	output := f.pattern
	output = strings.Replace(output, "%time", entry.Time.Format(f.time), 1)
	output = strings.Replace(output, "%level", entry.Level.String(), 1)
	output = strings.Replace(output, "%field", buildFields(entry), 1)
	output = strings.Replace(output, "%msg", entry.Message, 1)
	if strings.Contains(output, "%caller") {
		output = strings.Replace(output, "%caller", getCaller(entry), 1)
	}
	if strings.Contains(output, "%func") {
		output = strings.Replace(output, "%func", getFunc(entry), 1)
	}
	if strings.Contains(output, "%goroutine") {
		output = strings.Replace(output, "%goroutine", getGoroutineID(), 1)
	}
	return []byte(output), nil
}

// getCaller returns pkg/file.go:line.
func getCaller(entry *logrus.Entry) string {
	if !entry.HasCaller() {
		return "-"
	}
	file := entry.Caller.File
	if idx := strings.LastIndex(file, "/"); idx != -1 && idx+1 < len(file) {
		file = file[idx+1:]
	}
	pkg := ""
	if fn := entry.Caller.Function; fn != "" {
		if idx := strings.LastIndex(fn, "/"); idx != -1 {
			fn = fn[idx+1:]
		}
		pkg, _, _ = strings.Cut(fn, ".")
	}
	return fmt.Sprintf("%s/%s:%d", pkg, file, entry.Caller.Line)
}

func getFunc(entry *logrus.Entry) string {
	if !entry.HasCaller() {
		return "-"
	}
	name := entry.Caller.Function
	if idx := strings.LastIndex(name, "."); idx != -1 && idx+1 < len(name) {
		return name[idx+1:]
	}
	return name
}

func getGoroutineID() string {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	stack := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if fields := strings.Fields(stack); len(fields) > 0 {
		return fields[0]
	}
	return "unknown"
}

// buildFields renders entry data as sorted key=value pairs.
func buildFields(entry *logrus.Entry) string {
	if len(entry.Data) == 0 {
		return ""
	}
	fields := make([]string, 0, len(entry.Data))
	for key, val := range entry.Data {
		stringVal, ok := val.(string)
		if !ok {
			stringVal = fmt.Sprint(val)
		}
		fields = append(fields, key+"="+stringVal)
	}
	sort.Strings(fields)
	return strings.Join(fields, ",")
}
