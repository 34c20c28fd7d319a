// SPDX-License-Identifier: MPL-2.0

package xec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// cacheKey derives a stable hash of the semantic fields of cmd: command
// string/argv, cwd, the whole env map (every variable takes part; there is
// no allow-list), shell, adapter kind, and
// adapter-specific identity. Transient fields like timeout are deliberately
// excluded.
func cacheKey(cmd Command) string {
	var b strings.Builder
	fmt.Fprintf(&b, "argv=%v\x00shell=%s\x00cwd=%s\x00", cmd.Argv, cmd.Shell, cmd.Cwd)
	if cmd.ShellString != "" {
		fmt.Fprintf(&b, "shellstr=%s\x00", cmd.ShellString)
	}
	writeSortedEnv(&b, cmd.Env)
	fmt.Fprintf(&b, "adapter=%s\x00", cmd.Target.Kind)

	switch cmd.Target.Kind {
	case AdapterSSH:
		t := cmd.Target.SSH
		fmt.Fprintf(&b, "ssh=%s:%d:%s:%d\x00", t.Host, t.Port, t.User, t.Auth)
	case AdapterDocker:
		t := cmd.Target.Docker
		fmt.Fprintf(&b, "docker=%s:%s:%s\x00", t.Container, t.Image, t.Workdir)
	case AdapterKubernetes:
		t := cmd.Target.Kubernetes
		fmt.Fprintf(&b, "k8s=%s:%s:%s\x00", t.Namespace, t.Pod, t.Container)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeSortedEnv(b *strings.Builder, env map[string]string) {
	if len(env) == 0 {
		return
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString("env=")
	for _, k := range keys {
		fmt.Fprintf(b, "%s=%s;", k, env[k])
	}
	b.WriteString("\x00")
}
