package traverse

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, root string, opts Options) ([]string, error) {
	t.Helper()
	var paths []string
	for item := range Walk(context.Background(), root, opts) {
		if item.Err != nil {
			return paths, item.Err
		}
		rel, err := filepath.Rel(root, item.Entry.Path)
		require.NoError(t, err)
		paths = append(paths, rel)
	}
	sort.Strings(paths)
	return paths, nil
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestWalkRecursive(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"))
	writeFile(t, filepath.Join(root, "sub", "b.txt"))
	writeFile(t, filepath.Join(root, "sub", "deep", "c.txt"))

	paths, err := collect(t, root, Options{Recursive: true})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"a.txt",
		filepath.Join("sub", "b.txt"),
		filepath.Join("sub", "deep", "c.txt"),
	}, paths)
}

func TestWalkNonRecursive(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"))
	writeFile(t, filepath.Join(root, "sub", "b.txt"))

	paths, err := collect(t, root, Options{Recursive: false})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, paths)
}

func TestWalkSkipsSymlinksByDefault(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "real.txt"))
	require.NoError(t, os.Symlink(filepath.Join(root, "real.txt"), filepath.Join(root, "link.txt")))

	paths, err := collect(t, root, Options{Recursive: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"real.txt"}, paths)
}

func TestWalkFollowsSymlinkedDirectories(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "c.txt"))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "linked")))

	paths, err := collect(t, root, Options{Recursive: true, FollowSymlinks: true})
	require.NoError(t, err)

	// the observed path preserves the symlink name, not the target
	assert.Equal(t, []string{filepath.Join("linked", "c.txt")}, paths)
}

func TestWalkYieldsEachRealFileOnce(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "real.txt"))
	require.NoError(t, os.Symlink(filepath.Join(root, "real.txt"), filepath.Join(root, "link1.txt")))
	require.NoError(t, os.Symlink(filepath.Join(root, "real.txt"), filepath.Join(root, "link2.txt")))

	paths, err := collect(t, root, Options{Recursive: true, FollowSymlinks: true})
	require.NoError(t, err)
	assert.Len(t, paths, 1)
}

func TestWalkSuppressesSymlinkCycles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "sub", "a.txt"))
	// sub/loop points back at the root
	require.NoError(t, os.Symlink(root, filepath.Join(root, "sub", "loop")))

	done := make(chan struct{})
	var paths []string
	var walkErr error
	go func() {
		defer close(done)
		paths, walkErr = collect(t, root, Options{Recursive: true, FollowSymlinks: true})
	}()
	<-done

	require.NoError(t, walkErr)
	assert.Equal(t, []string{filepath.Join("sub", "a.txt")}, paths)
}

func TestWalkErrorTerminatesStream(t *testing.T) {
	_, err := collect(t, filepath.Join(t.TempDir(), "missing"), Options{Recursive: true})
	require.Error(t, err)
}

func TestWalkHonorsCancellation(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 10; i++ {
		writeFile(t, filepath.Join(root, "f"+string(rune('a'+i))+".txt"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	items := Walk(ctx, root, Options{Recursive: true})

	// consume one item, then abandon the stream
	<-items
	cancel()

	// the stream must close rather than leak the producer
	for range items {
	}
}
