package logger

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestAddContextCarriesFields(t *testing.T) {
	buf := &bytes.Buffer{}
	target := logrus.New()
	target.SetOutput(buf)
	target.Formatter = &logrus.TextFormatter{DisableTimestamp: true}

	l := newWrapper(target).AddContext(Ctx{"handle": "abc"})
	l.Info("Connected", Ctx{"command": 5001})

	out := buf.String()
	assert.Contains(t, out, "handle=abc")
	assert.Contains(t, out, "command=5001")
	assert.Contains(t, out, `msg=Connected`)
}

func TestPretty(t *testing.T) {
	out := Pretty(map[string]int{"chunks": 3})
	assert.Equal(t, "\nchunks: 3\n", out)
}
