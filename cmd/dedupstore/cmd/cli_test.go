package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oneconcern/dedupstore/internal/rand"
	"github.com/oneconcern/dedupstore/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSnapshotTime = "2021-01-01T00:00:00+00:00"
	testSnapshot     = "vm/100/" + testSnapshotTime
)

func writeSource(t *testing.T, env testEnv, name string, data []byte) string {
	pth := filepath.Join(env.root, name)
	require.NoError(t, os.WriteFile(pth, data, 0600))
	return pth
}

func countChunks(t *testing.T, env testEnv) int {
	var count int
	err := filepath.Walk(filepath.Join(env.store, ".chunks"), func(pth string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() && len(info.Name()) == 64 {
			count++
		}
		return nil
	})
	require.NoError(t, err)
	return count
}

func TestConfigSet(t *testing.T) {
	env := setupTests(t)

	conf, err := config.Load(env.config)
	require.NoError(t, err)

	ds, err := conf.Lookup(testDatastore)
	require.NoError(t, err)
	assert.Equal(t, env.store, ds.Path)
	assert.Equal(t, "badger", ds.MarkSet)

	runCmd(t, env, []string{"config", "set", "--gc-grace-window", "1h"}, "update grace window", false)

	conf, err = config.Load(env.config)
	require.NoError(t, err)
	ds, err = conf.Lookup(testDatastore)
	require.NoError(t, err)
	require.NotNil(t, ds.GCGraceWindow)
	assert.Equal(t, time.Hour, *ds.GCGraceWindow)
	assert.Equal(t, env.store, ds.Path, "settings not on the command line are preserved")

	runCmd(t, env, []string{"config", "set", "--path", "relative/path"}, "reject relative path", true)
	runCmd(t, env, []string{"config", "set", "--markset", "bolt"}, "reject unknown mark set", true)
	runCmd(t, env, []string{"config", "show"}, "show config", false)
}

func TestSnapshot(t *testing.T) {
	env := setupTests(t)

	runCmd(t, env, []string{"snapshot", "create", "--type", "vm", "--id", "100", "--time", testSnapshotTime},
		"create snapshot", false)
	runCmd(t, env, []string{"snapshot", "create", "--type", "vm", "--id", "100", "--time", testSnapshotTime},
		"create existing snapshot", false)

	info, err := os.Stat(filepath.Join(env.store, filepath.FromSlash(testSnapshot)))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	runCmd(t, env, []string{"snapshot", "create", "--type", "disk", "--id", "100"}, "invalid backup type", true)
	runCmd(t, env, []string{"snapshot", "create", "--type", "vm", "--id", "100", "--time", "yesterday"},
		"invalid time", true)
	runCmd(t, env, []string{"snapshot", "list"}, "list snapshots", false)

	runCmd(t, env, []string{"snapshot", "remove", "--snapshot", testSnapshot}, "remove snapshot", false)
	_, err = os.Stat(filepath.Join(env.store, filepath.FromSlash(testSnapshot)))
	assert.True(t, os.IsNotExist(err))

	runCmd(t, env, []string{"snapshot", "remove", "--snapshot", testSnapshot}, "remove missing snapshot", true)
	runCmd(t, env, []string{"snapshot", "remove", "--snapshot", "vm/100"}, "remove invalid snapshot", true)
}

func TestBackupRestore(t *testing.T) {
	for _, dynamic := range []bool{false, true} {
		dynamic := dynamic
		name := "fixed"
		if dynamic {
			name = "dynamic"
		}

		t.Run(name, func(t *testing.T) {
			env := setupTests(t)

			// 3 chunks and a half, the first 2 being identical
			block := rand.Bytes(1024)
			data := bytes.Join([][]byte{block, block, rand.Bytes(1024), rand.Bytes(512)}, nil)
			src := writeSource(t, env, "disk.img", data)

			cmd := []string{"backup",
				"--type", "vm", "--id", "100", "--time", testSnapshotTime,
				"--file", src, "--chunk-size", "1KiB",
			}
			ext := ".fidx"
			if dynamic {
				cmd = append(cmd, "--dynamic")
				ext = ".didx"
			}
			runCmd(t, env, cmd, "backup file", false)
			assert.Equal(t, 3, countChunks(t, env))

			idx := testSnapshot + "/disk.img" + ext
			runCmd(t, env, []string{"index", "info", "--index", idx, "--verify"}, "index info", false)

			out := filepath.Join(env.root, "restored.img")
			runCmd(t, env, []string{"index", "restore", "--index", idx, "-o", out}, "restore", false)

			restored, err := os.ReadFile(out)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, restored), "restored data differs from the original")

			runCmd(t, env, []string{"chunks", "--verify"}, "verify chunks", false)
			runCmd(t, env, []string{"index", "info", "--index", testSnapshot + "/missing" + ext}, "missing index", true)
		})
	}
}

func TestBackup_Invalid(t *testing.T) {
	env := setupTests(t)
	src := writeSource(t, env, "disk.img", rand.Bytes(100))

	runCmd(t, env, []string{"backup", "--type", "vm", "--id", "100", "--file", src, "--chunk-size", "lots"},
		"invalid chunk size", true)
	runCmd(t, env, []string{"backup", "--type", "vm", "--id", "100", "--file", filepath.Join(env.root, "nope")},
		"missing file", true)
}

func TestGC(t *testing.T) {
	env := setupTests(t)
	runCmd(t, env, []string{"config", "set", "--gc-grace-window", "0s"}, "disable grace window", false)

	shared := rand.Bytes(2048)
	first := writeSource(t, env, "first.img", shared)
	second := writeSource(t, env, "second.img", append(append([]byte{}, shared...), rand.Bytes(2048)...))

	runCmd(t, env, []string{"backup", "--type", "ct", "--id", "1", "--time", testSnapshotTime,
		"--file", first, "--chunk-size", "1KiB"}, "first backup", false)
	runCmd(t, env, []string{"backup", "--type", "ct", "--id", "2", "--time", testSnapshotTime,
		"--file", second, "--chunk-size", "1KiB"}, "second backup", false)
	require.Equal(t, 4, countChunks(t, env))

	time.Sleep(20 * time.Millisecond)
	runCmd(t, env, []string{"gc"}, "gc with all chunks in use", false)
	assert.Equal(t, 4, countChunks(t, env))

	runCmd(t, env, []string{"snapshot", "remove", "--snapshot", "ct/2/" + testSnapshotTime}, "remove second", false)

	metrics := filepath.Join(env.root, "metrics.prom")
	runCmd(t, env, []string{"--metrics-file", metrics, "gc"}, "gc after removal", false)
	assert.Equal(t, 2, countChunks(t, env))

	content, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(content), "gc_runs"), "metrics file should contain gc counters")

	runCmd(t, env, []string{"index", "restore", "--index", "ct/1/" + testSnapshotTime + "/first.img.fidx",
		"-o", filepath.Join(env.root, "first.out")}, "restore remaining snapshot", false)
	restored, err := os.ReadFile(filepath.Join(env.root, "first.out"))
	require.NoError(t, err)
	assert.Equal(t, shared, restored)
}

func TestUnknownDatastore(t *testing.T) {
	env := setupTests(t)

	fatalCallsBefore := exitMocks.fatalCalls()
	resetFlags(rootCmd)
	rootCmd.SetArgs([]string{"--config", env.config, "--datastore", "nope", "--loglevel", "none", "gc"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, fatalCallsBefore+1, exitMocks.fatalCalls())
	assert.Equal(t, 1, exitMocks.lastStatus())
}
