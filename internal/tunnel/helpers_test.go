package tunnel

import (
	mrand "math/rand"
	"testing"

	"github.com/hopveil/hopveil/internal/config"
	"github.com/hopveil/hopveil/internal/observer"
	"github.com/hopveil/hopveil/internal/protofam"
	"github.com/hopveil/hopveil/internal/runctx"
	"github.com/hopveil/hopveil/internal/strategy"
)

func testRuntimeConfig(numPaths int) *config.RuntimeConfig {
	cfg := config.Default()
	cfg.PathCount = numPaths
	cfg.SizeBins = []int{8, 16, 32}
	return cfg
}

func newTestController(registry *protofam.Registry) *strategy.Controller {
	cfg := strategyConfig(testRuntimeConfig(2), registry)
	return strategy.New(cfg, mrand.New(mrand.NewSource(1)))
}

func newTestRecorder(t *testing.T) *observer.Recorder {
	t.Helper()
	rc, err := runctx.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return observer.NewRecorder(rc)
}
