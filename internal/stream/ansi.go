package stream

const (
	esc = 0x1b
	bel = 0x07
)

// StripANSI removes ANSI CSI sequences (ESC [ … final-byte), OSC sequences
// (ESC ] … BEL, or ESC ] … ESC \), and bare carriage returns from a line.
// Children running under a PTY interleave these with their JSON output.
func StripANSI(line []byte) []byte {
	out := make([]byte, 0, len(line))

	for i := 0; i < len(line); {
		c := line[i]

		if c == '\r' {
			i++
			continue
		}

		if c != esc || i+1 >= len(line) {
			out = append(out, c)
			i++
			continue
		}

		switch line[i+1] {
		case '[':
			// CSI: parameter and intermediate bytes 0x20-0x3f, terminated
			// by a final byte 0x40-0x7e
			j := i + 2
			for j < len(line) && line[j] >= 0x20 && line[j] <= 0x3f {
				j++
			}
			if j < len(line) && line[j] >= 0x40 && line[j] <= 0x7e {
				j++
			}
			i = j
		case ']':
			// OSC: runs until BEL or ST (ESC \)
			j := i + 2
			for j < len(line) {
				if line[j] == bel {
					j++
					break
				}
				if line[j] == esc && j+1 < len(line) && line[j+1] == '\\' {
					j += 2
					break
				}
				j++
			}
			i = j
		default:
			// Two-byte escape (ESC c, ESC 7, …)
			i += 2
		}
	}

	return out
}
