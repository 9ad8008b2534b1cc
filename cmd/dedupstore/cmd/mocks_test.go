package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testDatastore = "backup"

type ExitMocks struct {
	mock.Mock
	exitStatuses []int
}

func (m *ExitMocks) Fatalf(format string, v ...interface{}) {
	fmt.Printf(format+"\n", v...)
	m.exitStatuses = append(m.exitStatuses, 1)
}

func (m *ExitMocks) Fatalln(v ...interface{}) {
	fmt.Println(v...)
	m.exitStatuses = append(m.exitStatuses, 1)
}

func (m *ExitMocks) Exit(code int) {
	m.exitStatuses = append(m.exitStatuses, code)
}

func (m *ExitMocks) fatalCalls() int {
	return len(m.exitStatuses)
}

func (m *ExitMocks) lastStatus() int {
	if len(m.exitStatuses) == 0 {
		return 0
	}
	return m.exitStatuses[len(m.exitStatuses)-1]
}

func NewExitMocks() *ExitMocks {
	return &ExitMocks{
		exitStatuses: make([]int, 0),
	}
}

var exitMocks *ExitMocks

type testEnv struct {
	root   string
	store  string
	config string
}

// setupTests patches exits and registers a datastore in a temporary config file
func setupTests(t *testing.T) testEnv {
	exitMocks = NewExitMocks()
	logFatalln = exitMocks.Fatalln
	logFatalf = exitMocks.Fatalf
	osExit = exitMocks.Exit

	root := t.TempDir()
	env := testEnv{
		root:   root,
		store:  filepath.Join(root, "store"),
		config: filepath.Join(root, "conf", "dedupstore.yaml"),
	}

	runCmd(t, env, []string{
		"config", "set",
		"--path", env.store,
		"--markset", "badger",
		"--markset-path", filepath.Join(root, "markset"),
	}, "register test datastore", false)

	_, err := os.Stat(env.config)
	require.NoError(t, err)

	return env
}

// resetFlags restores the default value of all flags between runs
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func runCmd(t *testing.T, env testEnv, cmd []string, intentMsg string, expectError bool) {
	fatalCallsBefore := exitMocks.fatalCalls()

	resetFlags(rootCmd)
	args := append([]string{"--config", env.config, "--datastore", testDatastore, "--loglevel", "error"}, cmd...)
	rootCmd.SetArgs(args)

	require.NoError(t, rootCmd.Execute(), "error executing '"+strings.Join(cmd, " ")+"' : "+intentMsg)
	if expectError {
		require.Equal(t, fatalCallsBefore+1, exitMocks.fatalCalls(),
			"ran '"+strings.Join(cmd, " ")+"' expecting error and didn't see one in mocks : "+intentMsg)
	} else {
		require.Equal(t, fatalCallsBefore, exitMocks.fatalCalls(),
			"unexpected error in mocks on '"+strings.Join(cmd, " ")+"' : "+intentMsg)
	}
}
