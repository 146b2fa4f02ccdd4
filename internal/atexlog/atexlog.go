// Package atexlog provides the shared logrus formatting and per-test
// duplicate-to-standard-logger hook used across atex (ambient concern,
// SPEC_FULL §A).
//
// Grounded on vmshed/cmd/log.go's VmshedStandardLogFormatter/
// BiasedStringSlice/StandardLoggerHook, renamed for atex's own domain
// (test names instead of vmshed's VM/test-run IDs).
package atexlog

import (
	"io"
	"sort"

	log "github.com/sirupsen/logrus"
)

// StandardFormatter returns a TextFormatter with atex's own key ordering.
func StandardFormatter() *log.TextFormatter {
	return &log.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05.000",
		SortingFunc:     keySort,
	}
}

func keySort(keys []string) {
	sort.Sort(biasedStringSlice(keys))
}

// biasedStringSlice sorts a fixed, preferred set of keys first (in a
// stable preferred order), falling back to lexical order for the rest.
type biasedStringSlice []string

func (s biasedStringSlice) Len() int { return len(s) }

func (s biasedStringSlice) Less(i, j int) bool {
	iStr, jStr := s[i], s[j]
	iPref, iFixed := fixedKeys[iStr]
	jPref, jFixed := fixedKeys[jStr]

	switch {
	case iFixed && jFixed:
		return iPref < jPref
	case iFixed:
		return true
	case jFixed:
		return false
	default:
		return sort.StringSlice(s).Less(i, j)
	}
}

func (s biasedStringSlice) Swap(i, j int) { sort.StringSlice(s).Swap(i, j) }

var fixedKeys = map[string]int{
	log.FieldKeyTime:  1,
	log.FieldKeyLevel: 2,
	log.FieldKeyFile:  3,
	log.FieldKeyFunc:  4,
	fieldKeyTest:       5,
	fieldKeyPlatform:   6,
}

const (
	fieldKeyTest     = "test"
	fieldKeyPlatform = "platform"
)

// TestLogger returns a Logger for one test run: messages go to out (a live
// testout capture) without the test/platform fields, and are duplicated to
// the standard logger with them attached, so a single global log stream
// still carries enough context to tell tests apart.
func TestLogger(testName, platform string, out io.Writer) *log.Logger {
	logger := log.New()
	logger.Out = out
	logger.Level = log.DebugLevel
	logger.Formatter = &log.TextFormatter{
		DisableQuote:    true,
		TimestampFormat: "15:04:05.000",
	}
	logger.AddHook(&StandardLoggerHook{testName: testName, platform: platform})
	return logger
}

// StandardLoggerHook duplicates a TestLogger's entries onto the process's
// standard logger, tagging them with the test name and platform so
// concurrent tests remain distinguishable in the combined stream.
type StandardLoggerHook struct {
	testName string
	platform string
}

func (h *StandardLoggerHook) Fire(entry *log.Entry) error {
	logEntry := *entry
	logEntry.Logger = log.StandardLogger()
	logEntry.Data[fieldKeyTest] = h.testName
	logEntry.Data[fieldKeyPlatform] = h.platform
	logEntry.Log(logEntry.Level, logEntry.Message)
	delete(entry.Data, fieldKeyTest)
	delete(entry.Data, fieldKeyPlatform)
	return nil
}

func (h *StandardLoggerHook) Levels() []log.Level {
	return log.AllLevels
}
