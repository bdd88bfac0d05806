package dispatcher

import "regexp"

// statusLinePattern matches a conduit status line's three-digit prefix
// followed by either '-' (continuation) or ' ' (final line of this
// status), SMTP-reply style (spec §4.8 "Status stream").
var statusLinePattern = regexp.MustCompile(`^(\d{3})[- ](.*)$`)

// ParseStatusLine decodes one line of conduit stdout. A line that does
// not match the `^\d{3}[- ].*$` shape is treated as an implicit 501
// (spec §4.8).
func ParseStatusLine(line string) StatusLine {
	m := statusLinePattern.FindStringSubmatch(line)
	if m == nil {
		return StatusLine{Code: CodeImplicitConduitError, Text: line}
	}
	code := 0
	for _, r := range m[1] {
		code = code*10 + int(r-'0')
	}
	return StatusLine{Code: ResultCode(code), Text: m[2]}
}
