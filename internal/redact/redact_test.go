// SPDX-License-Identifier: MPL-2.0

package redact

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedactor_Apply(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		in       string
		want     string
	}{
		{"no patterns passes through", nil, "password=hunter2", "password=hunter2"},
		{"literal match", []string{"hunter2"}, "password=hunter2", "password=" + Token},
		{"regex match", []string{`tok_[a-z0-9]+`}, "auth tok_abc123 sent", "auth " + Token + " sent"},
		{
			"multiple patterns combine",
			[]string{"alpha", "beta"},
			"alpha and beta and gamma",
			Token + " and " + Token + " and gamma",
		},
		{"repeated matches", []string{"key"}, "key key key", Token + " " + Token + " " + Token},
		{"empty input", []string{"x"}, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.patterns)
			require.Equal(t, tt.want, r.Apply(tt.in))
		})
	}
}

func TestRedactor_InvalidPatternIsSkipped(t *testing.T) {
	r := New([]string{"(unclosed", "good"})
	require.Equal(t, Token+" and (unclosed", r.Apply("good and (unclosed"))
}

func TestRedactor_ZeroValueIsSafe(t *testing.T) {
	var r *Redactor
	require.Equal(t, "anything", r.Apply("anything"))
	require.Equal(t, []byte("anything"), r.ApplyBytes([]byte("anything")))
}

func TestStreamRedactor_SecretWithinOneChunk(t *testing.T) {
	s := NewStream(New([]string{"secret"}), 8)

	var out []byte
	out = append(out, s.Write([]byte("before secret after padding to exceed holdback"))...)
	out = append(out, s.Flush()...)

	require.Equal(t, "before "+Token+" after padding to exceed holdback", string(out))
}

func TestStreamRedactor_SecretSplitAcrossChunks(t *testing.T) {
	s := NewStream(New([]string{"secret"}), 8)

	var out []byte
	out = append(out, s.Write([]byte("XXsec"))...)
	out = append(out, s.Write([]byte("ret123 trailing bytes"))...)
	out = append(out, s.Flush()...)

	require.Equal(t, "XX"+Token+"123 trailing bytes", string(out))
}

func TestStreamRedactor_SecretStraddlingCutIsNotSplit(t *testing.T) {
	// A match fully visible in the buffer but straddling the would-be cut
	// point must be held back whole, not emitted half-redacted.
	s := NewStream(New([]string{"secret"}), 4)

	var out []byte
	out = append(out, s.Write([]byte("AAAAsecret"))...)
	out = append(out, s.Flush()...)

	require.Equal(t, "AAAA"+Token, string(out))
}

func TestStreamRedactor_NoPatternsPassesThrough(t *testing.T) {
	s := NewStream(New(nil), 8)
	require.Equal(t, []byte("chunk"), s.Write([]byte("chunk")))
	require.Nil(t, s.Flush())
}
