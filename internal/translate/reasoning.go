package translate

import "strings"

// reasoningDelimiterPairs mirrors the tag styles the non-streaming
// reasoning_extractor transformer strips, but streamingReasoningExtractor
// must cope with a delimiter split across two Feed calls.
var reasoningDelimiterPairs = []struct{ open, close string }{
	{"<think>", "</think>"},
	{"◁think▷", "◁/think▷"},
}

// streamingReasoningExtractor incrementally separates visible text from
// inline reasoning tags across a sequence of text deltas. Bytes that might
// be the prefix of a delimiter are held back until either the delimiter
// completes or enough further input proves they aren't one.
type streamingReasoningExtractor struct {
	pending string
	inTag   bool
	openTag string
}

// Feed consumes the next raw text delta and returns the portion that should
// be emitted as visible text and the portion that should be emitted as
// reasoning text. Either may be empty.
func (e *streamingReasoningExtractor) Feed(delta string) (visible, reasoning string) {
	buf := e.pending + delta
	e.pending = ""

	for {
		if !e.inTag {
			openIdx, openDelim := -1, ""
			for _, pair := range reasoningDelimiterPairs {
				if idx := strings.Index(buf, pair.open); idx >= 0 && (openIdx < 0 || idx < openIdx) {
					openIdx, openDelim = idx, pair.open
				}
			}
			if openIdx >= 0 {
				visible += buf[:openIdx]
				buf = buf[openIdx+len(openDelim):]
				e.inTag = true
				e.openTag = openDelim
				continue
			}
			keep := longestDelimiterPrefixSuffix(buf, openDelims())
			visible += buf[:len(buf)-keep]
			e.pending = buf[len(buf)-keep:]
			return visible, reasoning
		}

		closeDelim := closeFor(e.openTag)
		closeIdx := strings.Index(buf, closeDelim)
		if closeIdx >= 0 {
			reasoning += buf[:closeIdx]
			buf = buf[closeIdx+len(closeDelim):]
			e.inTag = false
			e.openTag = ""
			continue
		}
		keep := longestDelimiterPrefixSuffix(buf, []string{closeDelim})
		reasoning += buf[:len(buf)-keep]
		e.pending = buf[len(buf)-keep:]
		return visible, reasoning
	}
}

func openDelims() []string {
	out := make([]string, len(reasoningDelimiterPairs))
	for i, p := range reasoningDelimiterPairs {
		out[i] = p.open
	}
	return out
}

func closeFor(open string) string {
	for _, p := range reasoningDelimiterPairs {
		if p.open == open {
			return p.close
		}
	}
	return ""
}

// longestDelimiterPrefixSuffix returns the length of the longest suffix of
// s that is a proper prefix of some delim, so a delimiter split across
// Feed calls is never emitted as ordinary text.
func longestDelimiterPrefixSuffix(s string, delims []string) int {
	best := 0
	for _, d := range delims {
		maxLen := len(d) - 1
		if maxLen > len(s) {
			maxLen = len(s)
		}
		for l := maxLen; l > 0; l-- {
			if strings.HasSuffix(s, d[:l]) {
				if l > best {
					best = l
				}
				break
			}
		}
	}
	return best
}
