// Package markup renders model output into the Telegram HTML subset and
// splits long text into message-sized segments.
//
// Render is a single-pass tokenizer whose output is balanced by
// construction. Validate and Fix are kept as a second line of defense and
// are what Sanitize falls back on before giving up.
package markup

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrUnbalanced is returned by Sanitize when neither rendering nor repair
// produced markup the platform would accept.
var ErrUnbalanced = errors.New("markup: unbalanced output")

// allowedTags is the Telegram HTML subset we emit and accept.
var allowedTags = map[string]bool{
	"b":          true,
	"i":          true,
	"u":          true,
	"s":          true,
	"code":       true,
	"pre":        true,
	"tg-spoiler": true,
	"a":          true,
}

var (
	tagRe      = regexp.MustCompile(`^<(/?)([a-zA-Z][a-zA-Z0-9-]*)([^<>]*)>`)
	entityRe   = regexp.MustCompile(`^&(lt|gt|amp|quot|#[0-9]{1,7}|#x[0-9a-fA-F]{1,6});`)
	hrefAttrRe = regexp.MustCompile(`^\s+href="[^"<>]*"\s*$`)
	langAttrRe = regexp.MustCompile(`^\s+class="language-[A-Za-z0-9_+#.-]+"\s*$`)
	knownTagRe = regexp.MustCompile(`</?(?:` + inlineTags + `|pre)(?:\s+(?:href|class)="[^"<>]*")?\s*>`)
)

// Len reports the length of s in runes, the unit used for every message
// size limit.
func Len(s string) int {
	return utf8.RuneCountInString(s)
}

// Escape replaces the characters Telegram HTML treats as markup.
func Escape(s string) string {
	if !strings.ContainsAny(s, "&<>") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 16)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '&':
			b.WriteString("&amp;")
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func escapeAttr(s string) string {
	return strings.ReplaceAll(Escape(s), `"`, "&quot;")
}

// Sanitize renders src and verifies the result. If the rendered output
// fails validation it is repaired with Fix; if that also fails,
// ErrUnbalanced is returned and the caller should send plain text.
func Sanitize(src string) (string, error) {
	out := Render(src)
	if Validate(out) {
		return out, nil
	}
	if fixed, ok := Fix(out); ok {
		return fixed, nil
	}
	return "", ErrUnbalanced
}

// StripKnownTags removes only the lowercase formatting tags Render
// understands from raw model text. Other angle-bracket text such as
// generics or include paths is left alone, and entities are not decoded.
func StripKnownTags(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	return knownTagRe.ReplaceAllString(s, "")
}

// validAttrs reports whether attrs is acceptable on an opening tag.
func validAttrs(name, attrs string) bool {
	switch name {
	case "a":
		return hrefAttrRe.MatchString(attrs)
	case "code":
		return strings.TrimSpace(attrs) == "" || langAttrRe.MatchString(attrs)
	default:
		return strings.TrimSpace(attrs) == ""
	}
}

// Validate reports whether s is well-formed Telegram HTML: every angle
// bracket belongs to an allowed tag, open and close tags pair up and nest
// properly, and every ampersand starts an entity Telegram understands.
func Validate(s string) bool {
	if strings.Count(s, "<") != strings.Count(s, ">") {
		return false
	}
	var stack []string
	for i := 0; i < len(s); {
		switch s[i] {
		case '<':
			m := tagRe.FindStringSubmatch(s[i:])
			if m == nil {
				return false
			}
			closing, name, attrs := m[1] == "/", m[2], m[3]
			if !allowedTags[name] {
				return false
			}
			if closing {
				if strings.TrimSpace(attrs) != "" || len(stack) == 0 || stack[len(stack)-1] != name {
					return false
				}
				stack = stack[:len(stack)-1]
			} else {
				if !validAttrs(name, attrs) {
					return false
				}
				stack = append(stack, name)
			}
			i += len(m[0])
			continue
		case '>':
			return false
		case '&':
			if !entityRe.MatchString(s[i:]) {
				return false
			}
		}
		i++
	}
	return len(stack) == 0
}

// Fix makes a best-effort repair of s: unknown tags and stray brackets are
// escaped, bare ampersands become entities, excess closers are dropped,
// and missing closers are appended. The repaired string is re-validated
// and the result reported alongside it.
func Fix(s string) (string, bool) {
	var b strings.Builder
	var stack []string
	closeTo := func(idx int) {
		for len(stack) > idx {
			b.WriteString("</" + stack[len(stack)-1] + ">")
			stack = stack[:len(stack)-1]
		}
	}

	for i := 0; i < len(s); {
		switch s[i] {
		case '<':
			if m := tagRe.FindStringSubmatch(s[i:]); m != nil {
				closing, name, attrs := m[1] == "/", strings.ToLower(m[2]), m[3]
				if allowedTags[name] {
					if closing {
						for j := len(stack) - 1; j >= 0; j-- {
							if stack[j] == name {
								closeTo(j)
								break
							}
						}
						i += len(m[0])
						continue
					}
					if validAttrs(name, attrs) {
						b.WriteString("<" + name + attrs + ">")
						stack = append(stack, name)
						i += len(m[0])
						continue
					}
				}
			}
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			if e := entityRe.FindString(s[i:]); e != "" {
				b.WriteString(e)
				i += len(e)
				continue
			}
			b.WriteString("&amp;")
		default:
			b.WriteByte(s[i])
		}
		i++
	}
	closeTo(0)

	out := b.String()
	return out, Validate(out)
}
