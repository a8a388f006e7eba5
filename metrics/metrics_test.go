package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStageAndWriteFile(t *testing.T) {
	done := Stage("test")
	done()

	if n := testutil.CollectAndCount(StageDuration, "asrexport_stage_duration_seconds"); n < 1 {
		t.Errorf("Got %d Serien, erwartet mindestens 1", n)
	}

	BytesUpcast.Add(8)
	if v := testutil.ToFloat64(BytesUpcast); v < 8 {
		t.Errorf("Got %v, want >= 8", v)
	}

	path := filepath.Join(t.TempDir(), "export.prom")
	if err := WriteFile(path); err != nil {
		t.Fatal(err)
	}

	bts, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(bts), `asrexport_stage_duration_seconds_count{stage="test"}`) {
		t.Errorf("Textfile enthaelt keine Stage-Serie:\n%s", bts)
	}
}
