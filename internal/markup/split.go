package markup

import "strings"

// Split partitions text into segments of at most limit runes, breaking at
// a newline, then at other whitespace, then hard at the limit. The single
// separator character at each break is dropped. The result is
// deterministic and every segment is non-empty.
func Split(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 {
		return []string{text}
	}
	var segs []string
	for text != "" {
		head, tail := Cut(text, limit)
		segs = append(segs, head)
		text = tail
	}
	return segs
}

// Cut returns the first segment Split would produce for text and the
// remainder after it. When text already fits, tail is empty.
func Cut(text string, limit int) (head, tail string) {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return text, ""
	}

	half := limit / 2
	if half < 1 {
		half = 1
	}
	for _, pass := range []struct {
		from int
		sep  func(rune) bool
	}{
		{half, isNewline},
		{half, isBlank},
		{1, isNewline},
		{1, isBlank},
	} {
		// A break at index k keeps runes[:k] and drops runes[k].
		for k := limit; k >= pass.from; k-- {
			if pass.sep(runes[k]) {
				return string(runes[:k]), string(runes[k+1:])
			}
		}
	}
	return string(runes[:limit]), string(runes[limit:])
}

func isNewline(r rune) bool { return r == '\n' }

func isBlank(r rune) bool { return r == ' ' || r == '\t' || r == '\r' }

// BalanceFences keeps a fenced code block that straddles a cut intact on
// both sides: when head leaves a fence open, it is closed at the end of
// head and reopened, with the same language, at the start of tail.
func BalanceFences(head, tail string) (string, string) {
	open, lang := false, ""
	for _, line := range strings.Split(head, "\n") {
		if open {
			if isFenceClose(line) {
				open = false
			}
			continue
		}
		if l, ok := fenceOpen(line); ok {
			open, lang = true, l
		}
	}
	if !open {
		return head, tail
	}
	return head + "\n```", "```" + lang + "\n" + tail
}
