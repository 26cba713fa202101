package logger

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLoggerPrefix(t *testing.T) {
	log := GetLogger("plugins/range")
	assert.Equal(t, "plugins/range", log.Data["prefix"])

	log = GetLogger("")
	assert.Equal(t, "<no prefix>", log.Data["prefix"])
}

func TestGetLoggerShared(t *testing.T) {
	a := GetLogger("a")
	b := GetLogger("b")
	assert.Same(t, a.Logger, b.Logger)
}

func TestSetLevel(t *testing.T) {
	log := GetLogger("test")
	defer log.Logger.SetLevel(logrus.InfoLevel)

	require.NoError(t, SetLevel("debug"))
	assert.Equal(t, logrus.DebugLevel, log.Logger.GetLevel())

	assert.Error(t, SetLevel("loud"))
	assert.Equal(t, logrus.DebugLevel, log.Logger.GetLevel())
}

func TestWithFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "logger")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	log := GetLogger("file")
	filename := filepath.Join(dir, "dhcpd.log")
	w := WithFile(log, FileConfig{Filename: filename, MaxSize: 1})
	defer w.Close()
	defer log.Logger.ReplaceHooks(make(logrus.LevelHooks))

	log.Warn("lease pool running low")

	data, err := ioutil.ReadFile(filename)
	require.NoError(t, err)
	assert.Contains(t, string(data), "lease pool running low")
}
