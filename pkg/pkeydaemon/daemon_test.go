package pkeydaemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/clusterkit/netprov/pkg/kv/memstore"
)

func TestRenderOnceSkipsInvalidEntriesAndWritesValidOnes(t *testing.T) {
	dir := t.TempDir()
	templatePath := filepath.Join(dir, "partitions.tpl")
	targetPath := filepath.Join(dir, "partitions.conf")
	require.NoError(t, os.WriteFile(templatePath, []byte("Default=0x7fff, ipoib : ALL=full ;\n"), 0644))

	store := memstore.New()
	ctx := context.Background()

	good, err := yaml.Marshal(pkeyEntry{HostGUIDs: []string{"0x1"}, VFGUIDs: []string{"0x2", "0x3"}})
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "global/opensm", "0x0001", good))

	bad := []byte("not: [valid, yaml, :::")
	require.NoError(t, store.Put(ctx, "global/opensm", "0x0002", bad))

	d, err := New(Config{
		Store:             store,
		TemplatePath:      templatePath,
		TargetPath:        targetPath,
		SubnetManagerName: "nonexistent-test-process-xyz",
	})
	require.NoError(t, err)

	n, err := d.renderOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n, "both keys counted even though one failed validation")

	out, err := os.ReadFile(targetPath)
	require.NoError(t, err)
	require.Contains(t, string(out), "Default=0x7fff")
	require.Contains(t, string(out), "PK_0x0001=0x0001")
	require.NotContains(t, string(out), "0x0002")
}

func TestRenderIsAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	templatePath := filepath.Join(dir, "partitions.tpl")
	targetPath := filepath.Join(dir, "partitions.conf")
	require.NoError(t, os.WriteFile(templatePath, []byte("# header\n"), 0644))
	require.NoError(t, os.WriteFile(targetPath, []byte("stale contents"), 0644))

	store := memstore.New()
	d, err := New(Config{
		Store:             store,
		TemplatePath:      templatePath,
		TargetPath:        targetPath,
		SubnetManagerName: "nonexistent-test-process-xyz",
		PollTimeout:       time.Second,
	})
	require.NoError(t, err)

	require.NoError(t, d.render(nil))

	out, err := os.ReadFile(targetPath)
	require.NoError(t, err)
	require.Equal(t, "# header\n", string(out))
}

func TestChunkGUIDsSplitsAtSize(t *testing.T) {
	guids := make([]string, 5)
	for i := range guids {
		guids[i] = "0xabc"
	}
	chunks := chunkGUIDs(guids, 2)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0], 2)
	require.Len(t, chunks[2], 1)
}
