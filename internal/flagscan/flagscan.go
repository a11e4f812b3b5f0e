// Package flagscan tokenizes a flags string the way a POSIX shell
// would, so the jobserver auth option can ride an environment variable
// through arbitrary intermediate processes and still be recovered
// intact even when quoted or escaped.
package flagscan

import (
	"errors"
	"strings"
)

const (
	// AuthFlag carries the token pool's identity between cooperating
	// processes.
	AuthFlag = "--jobserver-auth"

	// EnvVar is the environment variable the flags string travels in.
	EnvVar = "SLOTFLAGS"
)

// ErrUnterminatedQuote is returned when a token opens a quote that
// never closes.
var ErrUnterminatedQuote = errors.New("unterminated quote in flags string")

// NextToken finds, dequotes and returns the first token in s, along
// with the remainder of the string.
//
// An unescaped, unquoted space, tab or newline separates tokens. A
// backslash escapes the next character; a backslash-newline pair acts
// as a separator. Single quotes protect everything up to the closing
// quote; inside double quotes a backslash escapes only backslash,
// double quote and newline (the last collapsing to a space). Adjacent
// quoted runs with no separator between them form one token.
//
// An empty token with empty rest means s held only separators.
func NextToken(s string) (tok, rest string, err error) {
	i := skipSeparators(s)
	if i == len(s) {
		return "", "", nil
	}

	var b strings.Builder

scan:
	for i < len(s) {
		switch c := s[i]; c {
		case ' ', '\t', '\n':
			break scan

		case '\'':
			j := strings.IndexByte(s[i+1:], '\'')
			if j < 0 {
				return "", "", ErrUnterminatedQuote
			}
			b.WriteString(s[i+1 : i+1+j])
			i += j + 2

		case '"':
			i++
			for {
				if i >= len(s) {
					return "", "", ErrUnterminatedQuote
				}
				c := s[i]
				if c == '"' {
					i++
					break
				}
				if c == '\\' && i+1 < len(s) {
					switch s[i+1] {
					case '\\', '"':
						b.WriteByte(s[i+1])
						i += 2
						continue
					case '\n':
						b.WriteByte(' ')
						i += 2
						continue
					}
				}
				b.WriteByte(c)
				i++
			}

		case '\\':
			if i+1 >= len(s) {
				// A lone trailing backslash escapes nothing and is
				// dropped.
				i++
				break
			}
			if s[i+1] == '\n' {
				break scan
			}
			b.WriteByte(s[i+1])
			i += 2

		default:
			b.WriteByte(c)
			i++
		}
	}

	return b.String(), s[skipSeparators(s[i:])+i :], nil
}

// FindAuth scans flags for the auth option and returns its dequoted
// value. When the option appears more than once the last occurrence
// wins, matching how later flags override earlier ones.
func FindAuth(flags string) (string, bool) {
	var auth string
	var found bool

	rest := flags
	for {
		tok, r, err := NextToken(rest)
		if err != nil || (tok == "" && r == "") {
			break
		}
		rest = r

		if v, ok := strings.CutPrefix(tok, AuthFlag+"="); ok {
			auth = v
			found = true
		}
	}

	return auth, found
}

// AppendAuth returns flags with any existing auth options removed and
// a single option for auth appended, quoted as needed. Passing an
// empty auth just strips the option.
func AppendAuth(flags, auth string) string {
	var out []string

	rest := flags
	for {
		tok, r, err := NextToken(rest)
		if err != nil || (tok == "" && r == "") {
			break
		}
		rest = r

		if strings.HasPrefix(tok, AuthFlag+"=") {
			continue
		}
		out = append(out, quoteToken(tok))
	}

	if auth != "" {
		out = append(out, AuthFlag+"="+quoteToken(auth))
	}

	return strings.Join(out, " ")
}

// quoteToken single-quotes s when it contains anything NextToken would
// treat specially.
func quoteToken(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\") {
		return s
	}

	// 'a'\''b' is the shell idiom for embedding a single quote.
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func skipSeparators(s string) int {
	i := 0
	for i < len(s) {
		switch {
		case s[i] == ' ' || s[i] == '\t' || s[i] == '\n':
			i++
		case s[i] == '\\' && i+1 < len(s) && s[i+1] == '\n':
			i += 2
		default:
			return i
		}
	}

	return i
}
