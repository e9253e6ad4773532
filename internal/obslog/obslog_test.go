package obslog

import "testing"

func TestNewBuildsLogger(t *testing.T) {
	logger, err := New(true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer logger.Sync()

	child := Component(logger, "datapoint")
	if child == nil {
		t.Fatal("expected a non-nil component logger")
	}
}
