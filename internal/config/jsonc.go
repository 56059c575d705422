package config

// scanner states for StripJSONComments
const (
	scanValue = iota
	scanString
	scanStringEscape
	scanLineComment
	scanBlockComment
)

// StripJSONComments removes // and /* */ comments from JSONC content.
// Newlines inside comments are kept so parse errors still point at the
// right line of the original file.
func StripJSONComments(data []byte) []byte {
	out := make([]byte, 0, len(data))
	state := scanValue

	for i := 0; i < len(data); i++ {
		c := data[i]

		switch state {
		case scanValue:
			switch {
			case c == '"':
				state = scanString
				out = append(out, c)
			case c == '/' && i+1 < len(data) && data[i+1] == '/':
				state = scanLineComment
				i++
			case c == '/' && i+1 < len(data) && data[i+1] == '*':
				state = scanBlockComment
				i++
			default:
				out = append(out, c)
			}

		case scanString:
			out = append(out, c)
			switch c {
			case '\\':
				state = scanStringEscape
			case '"':
				state = scanValue
			}

		case scanStringEscape:
			out = append(out, c)
			state = scanString

		case scanLineComment:
			if c == '\n' {
				state = scanValue
				out = append(out, c)
			}

		case scanBlockComment:
			if c == '\n' {
				out = append(out, c)
			} else if c == '*' && i+1 < len(data) && data[i+1] == '/' {
				state = scanValue
				i++
			}
		}
	}

	return out
}
