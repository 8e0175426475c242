package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	Logf("[replay] pairs=%d", 3)
	if got != "[replay] pairs=3" {
		t.Errorf("Logf wrote %q", got)
	}

	// nil installs a no-op and must not panic
	SetLogger(nil)
	Logf("dropped")
}

func TestSetVerbose(t *testing.T) {
	originalLog, originalDebug := Logf, Debugf
	defer func() { Logf, Debugf = originalLog, originalDebug }()

	calls := 0
	SetLogger(func(string, ...interface{}) { calls++ })

	Debugf("muted")
	if calls != 0 {
		t.Fatalf("Debugf should be muted by default, got %d calls", calls)
	}

	SetVerbose(true)
	Debugf("visible %d", 1)
	if calls != 1 {
		t.Fatalf("Debugf should route through Logf when verbose, got %d calls", calls)
	}

	SetVerbose(false)
	Debugf("muted again")
	if calls != 1 {
		t.Fatalf("Debugf should be muted after SetVerbose(false), got %d calls", calls)
	}
}
