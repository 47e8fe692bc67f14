// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package table

import (
	"strings"
	"unicode"
)

// Splits target parameters into arguments. Arguments are separated by white
// space and backslash makes the following character part of the argument,
// white space and backslash included.
func splitArgs(params string) []string {
	var args []string
	var b strings.Builder

	inArg, escaped := false, false

	for _, c := range params {
		switch {
		case escaped:
			b.WriteRune(c)
			escaped = false

		case c == '\\':
			escaped = true
			inArg = true

		case unicode.IsSpace(c):
			if inArg {
				args = append(args, b.String())
				b.Reset()
				inArg = false
			}

		default:
			b.WriteRune(c)
			inArg = true
		}
	}

	if inArg {
		args = append(args, b.String())
	}

	return args
}
