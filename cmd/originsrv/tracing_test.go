package main

import (
	"bytes"
	"context"
	"log"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"voxelcraft.ai/blockorigin/internal/cell"
	"voxelcraft.ai/blockorigin/internal/persistence/auditdb"
	"voxelcraft.ai/blockorigin/internal/resolver"
)

func TestTracerProvider_LogsOracleLookups(t *testing.T) {
	idx, err := auditdb.OpenSQLite(filepath.Join(t.TempDir(), "audit.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer idx.Close()

	var buf bytes.Buffer
	tp := newTracerProvider(log.New(&buf, "", 0))
	defer tp.Shutdown(context.Background())

	res := resolver.New(resolver.Options{Oracle: idx, TracerProvider: tp})
	c := cell.New(uuid.MustParse(overworld), 4, 65, -9)
	if !res.IsNatural(context.Background(), c) {
		t.Fatalf("empty history should be natural")
	}

	out := buf.String()
	for _, want := range []string{"trace oracle.lookup ", "cell.x=4", "cell.z=-9", "records=0"} {
		if !strings.Contains(out, want) {
			t.Fatalf("trace log missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "status=") {
		t.Fatalf("successful lookup logged a status: %s", out)
	}
}
