// SPDX-License-Identifier: MPL-2.0

package redact

// StreamRedactor applies a Redactor across a sequence of chunks without
// letting a secret split across a chunk boundary leak unredacted. It holds
// back the last holdback bytes of its buffered input (more when a match
// straddles that cut) until the
// next chunk arrives or Flush is called, so a partial secret is never
// emitted ahead of its redacted whole.
type StreamRedactor struct {
	r        *Redactor
	pending  []byte
	holdback int
}

// NewStream wraps r for chunked use. holdback should be at least as long as
// the longest secret pattern the Redactor knows about; 64 bytes is a
// reasonable default for typical tokens/keys.
func NewStream(r *Redactor, holdback int) *StreamRedactor {
	if holdback <= 0 {
		holdback = 64
	}
	return &StreamRedactor{r: r, holdback: holdback}
}

// Write redacts as much of chunk as is safe to emit now, returning the
// redacted bytes ready for delivery. The remaining holdback bytes are kept
// for the next call. A match already visible in the buffered bytes is never
// split across the cut point: the cut moves back to the match start so the
// whole secret is either emitted redacted or held for the next call.
func (s *StreamRedactor) Write(chunk []byte) []byte {
	if s.r == nil || s.r.combined == nil {
		return chunk
	}
	buf := append(s.pending, chunk...)
	if len(buf) <= s.holdback {
		s.pending = buf
		return nil
	}
	cut := len(buf) - s.holdback
	for _, m := range s.r.combined.FindAllIndex(buf, -1) {
		if m[0] < cut && cut < m[1] {
			cut = m[0]
			break
		}
	}
	if cut <= 0 {
		s.pending = buf
		return nil
	}
	ready := s.r.ApplyBytes(buf[:cut])
	s.pending = append([]byte(nil), buf[cut:]...)
	return ready
}

// Flush redacts and returns any remaining held-back bytes; call once at stream end.
func (s *StreamRedactor) Flush() []byte {
	if len(s.pending) == 0 {
		return nil
	}
	out := s.r.ApplyBytes(s.pending)
	s.pending = nil
	return out
}
