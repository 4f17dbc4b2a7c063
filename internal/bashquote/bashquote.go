// Package bashquote quotes strings for safe interpolation into a
// `bash -c "..."` command line, the way the job runner builds its
// pre_exec_bash_code wrapper.
package bashquote

import "strings"

// Single wraps s in single quotes, escaping any embedded single quote as
// '\'' (close quote, escaped quote, reopen quote) — the standard POSIX
// shell idiom, since single-quoted strings admit no escape sequences of
// their own.
func Single(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// JoinArgs single-quotes each argument and joins them with spaces, for
// building a command line to pass to `bash -c`.
func JoinArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Single(a)
	}
	return strings.Join(quoted, " ")
}
