package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valua-ai/cockpit/internal/buildinfo"
)

// resetRootCmd resets all global flag values and Cobra's internal "Changed"
// tracking to pristine state. Call at the start of every test that invokes
// Execute() or manipulates rootCmd.
func resetRootCmd(t *testing.T) {
	t.Helper()
	flagVerbose = false
	flagQuiet = false
	flagConfig = ""
	flagBusRoot = ""
	flagRoster = ""
	flagStatusPeek = false
	flagVersionJSON = false
	rootCmd.SetArgs(nil)
	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		f.Changed = false
	})
	for _, child := range rootCmd.Commands() {
		child.Flags().VisitAll(func(f *pflag.Flag) {
			if sv, ok := f.Value.(pflag.SliceValue); ok {
				_ = sv.Replace(nil)
			} else {
				_ = f.Value.Set(f.DefValue)
			}
			f.Changed = false
		})
	}
}

// captureStdout redirects stdout for the duration of fn and returns what was
// written.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	defer func() { os.Stdout = oldStdout }()

	fn()

	w.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	return buf.String()
}

// writeRoster places a minimal valid ROSTER.json in dir and returns its path.
func writeRoster(t *testing.T, dir string) string {
	t.Helper()
	doc := `{
		"schemaVersion": 2,
		"agents": [
			{"name": "orchestrator", "role": "orchestrator", "workdir": "/tmp"},
			{"name": "chat", "role": "chat", "workdir": "/tmp"},
			{"name": "autopilot", "role": "autopilot", "workdir": "/tmp"},
			{"name": "navigator", "role": "worker", "workdir": "/tmp"}
		]
	}`
	path := filepath.Join(dir, "ROSTER.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestRootCmd_Metadata(t *testing.T) {
	assert.Equal(t, "cockpit", rootCmd.Use)
	assert.True(t, rootCmd.SilenceUsage)
	assert.True(t, rootCmd.SilenceErrors)
}

func TestRootCmd_RegistersSubcommands(t *testing.T) {
	want := map[string]bool{
		"worker": false, "orchestrator": false, "deliver": false,
		"status": false, "version": false,
	}
	for _, cmd := range rootCmd.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		assert.True(t, found, "subcommand %s must be registered", name)
	}
}

func TestVersionCmd_HumanReadable(t *testing.T) {
	resetRootCmd(t)

	rootCmd.SetArgs([]string{"version"})
	var code int
	output := captureStdout(t, func() { code = Execute() })

	assert.Equal(t, 0, code)
	assert.Contains(t, output, "cockpit v")
	assert.Contains(t, output, buildinfo.Version)
}

func TestVersionCmd_JSONOutput(t *testing.T) {
	resetRootCmd(t)

	rootCmd.SetArgs([]string{"version", "--json"})
	var code int
	output := captureStdout(t, func() { code = Execute() })

	assert.Equal(t, 0, code)
	assert.Contains(t, output, `"version"`)
	assert.Contains(t, output, `"commit"`)
	assert.Contains(t, output, `"date"`)
}

func TestWorkerCmd_RequiresAgentFlag(t *testing.T) {
	resetRootCmd(t)

	rootCmd.SetArgs([]string{"worker"})
	code := Execute()
	assert.Equal(t, 1, code, "missing --agent must be a fatal startup error")
}

func TestDeliverCmd_DryRunPrintsPacket(t *testing.T) {
	resetRootCmd(t)

	rootCmd.SetArgs([]string{
		"deliver", "--dry-run",
		"--to", "navigator",
		"--from", "operator",
		"--kind", "EXECUTE",
		"--id", "task-dry",
		"--title", "try it",
		"--body", "hello world",
	})
	var code int
	output := captureStdout(t, func() { code = Execute() })

	require.Equal(t, 0, code)
	assert.Contains(t, output, "---\n")
	assert.Contains(t, output, `"id":"task-dry"`)
	assert.Contains(t, output, `"kind":"EXECUTE"`)
	assert.Contains(t, output, "hello world")
}

func TestDeliverCmd_DeliversToInbox(t *testing.T) {
	resetRootCmd(t)

	dir := t.TempDir()
	rosterPath := writeRoster(t, dir)
	busRoot := filepath.Join(dir, "bus")

	rootCmd.SetArgs([]string{
		"deliver",
		"--roster", rosterPath,
		"--bus-root", busRoot,
		"--to", "navigator",
		"--kind", "EXECUTE",
		"--id", "task-cli",
		"--title", "from the cli",
		"--body", "do it",
	})
	var code int
	output := captureStdout(t, func() { code = Execute() })

	require.Equal(t, 0, code, "deliver failed: %s", output)
	packet := filepath.Join(busRoot, "inbox", "navigator", "new", "task-cli.md")
	assert.FileExists(t, packet)
	assert.Contains(t, output, packet)
}

func TestStatusCmd_ListsAgents(t *testing.T) {
	resetRootCmd(t)

	dir := t.TempDir()
	rosterPath := writeRoster(t, dir)
	busRoot := filepath.Join(dir, "bus")

	rootCmd.SetArgs([]string{
		"deliver",
		"--roster", rosterPath,
		"--bus-root", busRoot,
		"--to", "navigator",
		"--kind", "EXECUTE",
		"--id", "task-cli",
		"--title", "seed",
		"--body", "x",
	})
	_ = captureStdout(t, func() { require.Equal(t, 0, Execute()) })

	resetRootCmd(t)
	rootCmd.SetArgs([]string{"status", "--roster", rosterPath, "--bus-root", busRoot})
	var code int
	output := captureStdout(t, func() { code = Execute() })

	require.Equal(t, 0, code)
	assert.Contains(t, output, "AGENT")
	assert.Contains(t, output, "navigator")
	assert.Contains(t, output, "orchestrator")
}
