package atexlog

import (
	"bytes"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestKeySortPrefersFixedKeys(t *testing.T) {
	keys := []string{"zzz", log.FieldKeyLevel, "aaa", log.FieldKeyTime}
	keySort(keys)
	require.Equal(t, []string{log.FieldKeyTime, log.FieldKeyLevel, "aaa", "zzz"}, keys)
}

func TestTestLoggerDuplicatesToStandardLogger(t *testing.T) {
	var stdOut bytes.Buffer
	orig := log.StandardLogger().Out
	log.SetOutput(&stdOut)
	defer log.SetOutput(orig)

	var testOut bytes.Buffer
	logger := TestLogger("/tests/one", "fedora-40/x86_64", &testOut)
	logger.Info("hello")

	require.Contains(t, testOut.String(), "hello")
	require.NotContains(t, testOut.String(), "test=")

	require.Contains(t, stdOut.String(), "hello")
	require.Contains(t, stdOut.String(), `test=/tests/one`)
	require.Contains(t, stdOut.String(), `platform=fedora-40/x86_64`)
}
