// SPDX-License-Identifier: MPL-2.0

package k8sadapter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xec-sh/xec-core/internal/adapter"
)

func TestExecCommand_ArgvPassesThrough(t *testing.T) {
	got := execCommand(adapter.Spec{Argv: []string{"ls", "-l", "/tmp"}})
	require.Equal(t, []string{"ls", "-l", "/tmp"}, got)
}

func TestExecCommand_ShellMode(t *testing.T) {
	got := execCommand(adapter.Spec{Shell: "sh", ShellString: "echo hi | wc -l"})
	require.Equal(t, []string{"sh", "-c", "echo hi | wc -l"}, got)
}

func TestExecCommand_CwdFoldsIntoScript(t *testing.T) {
	got := execCommand(adapter.Spec{
		Argv: []string{"ls"},
		Cwd:  "/var/log",
	})
	require.Equal(t, "sh", got[0])
	require.Equal(t, "-c", got[1])
	require.Contains(t, got[2], "cd /var/log")
	require.Contains(t, got[2], "ls")
}

func TestExecCommand_EnvExportsQuoted(t *testing.T) {
	got := execCommand(adapter.Spec{
		Argv: []string{"env"},
		Env:  []string{"TOKEN=se cret"},
	})
	require.Len(t, got, 3)
	require.Contains(t, got[2], "export TOKEN='se cret'")
}

func TestExecCommand_CwdWithSpacesIsQuoted(t *testing.T) {
	got := execCommand(adapter.Spec{
		Argv: []string{"pwd"},
		Cwd:  "/tmp/my dir",
	})
	require.Contains(t, got[2], "cd '/tmp/my dir'")
}
