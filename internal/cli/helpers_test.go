package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

const testConfig = `
daemon: {listen: "127.0.0.1:0", metrics: true}
sinks: {
	order: ["audio"]
	audio: {duration: 10}
}
context: {profile: "general", "volume.ring": 60}
transform: {"audio.volume": "volume.ring"}
events: beep: [
	{properties: {"audio.file": "beep.wav", "audio.volume": 50}},
	{rules: {"context@profile": "meeting"}, properties: {"audio.file": "quiet.wav"}},
]
`

func writeConfigFile(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feedbackd.cue")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

// execute runs cmd with args and returns its combined output.
func execute(cmd *cobra.Command, args ...string) (string, error) {
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}
