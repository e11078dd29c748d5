package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	assert.True(t, called, "custom logger was not called")

	// nil installs a no-op
	called = false
	SetLogger(nil)
	Logf("test message")
	assert.False(t, called)
}

func TestPrefixedFollowsCurrentLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	logf := Prefixed("bundle")

	rec := &Recorder{}
	SetLogger(rec.Logf)
	logf("round %d: error %.2f px", 2, 3.25)

	other := &Recorder{}
	SetLogger(other.Logf)
	logf("done")

	assert.Equal(t, []string{"[bundle] round 2: error 3.25 px"}, rec.Lines())
	assert.Equal(t, []string{"[bundle] done"}, other.Lines())
}

func TestRecorderLinesIsACopy(t *testing.T) {
	rec := &Recorder{}
	rec.Logf("a")
	lines := rec.Lines()
	lines[0] = "mutated"
	assert.Equal(t, []string{"a"}, rec.Lines())
}
