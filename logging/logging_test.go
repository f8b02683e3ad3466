package logging_test

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/gvnic/logging"
)

func TestDefaults(t *testing.T) {
	l := logrus.New()
	require.NoError(t, logging.Config{}.Apply(l))
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, l.Formatter)
}

func TestJSON(t *testing.T) {
	l := logrus.New()
	var b bytes.Buffer
	l.SetOutput(&b)
	require.NoError(t, logging.Config{Level: "DEBUG", Format: "json", DisableTimestamp: true}.Apply(l))
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())

	l.WithField("queue", 3).Debug("hello")
	assert.JSONEq(t, `{"level":"debug","msg":"hello","queue":3}`, b.String())
}

func TestInvalid(t *testing.T) {
	l := logrus.New()
	assert.Error(t, logging.Config{Level: "loud"}.Apply(l))
	assert.Error(t, logging.Config{Format: "xml"}.Apply(l))
}
