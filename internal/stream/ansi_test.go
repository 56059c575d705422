package stream

import "testing"

func TestStripANSI(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", `{"type":"result"}`, `{"type":"result"}`},
		{"csi color", "\x1b[32mgreen\x1b[0m", "green"},
		{"csi private mode", "\x1b[?25l{\"a\":1}\x1b[?25h", `{"a":1}`},
		{"csi cursor move", "\x1b[2K\x1b[1Gtext", "text"},
		{"osc bel", "\x1b]0;window title\x07after", "after"},
		{"osc st", "\x1b]8;;http://x\x1b\\link", "link"},
		{"carriage return", "line\rmore", "linemore"},
		{"two byte escape", "\x1bc reset", " reset"},
		{"truncated escape at end", "text\x1b", "text\x1b"},
		{"unterminated csi", "text\x1b[12", "text"},
		{"empty", "", ""},
		{"mixed", "\x1b[?25l\x1b[2K{\"type\":\"text\"}\x1b[0m\r", `{"type":"text"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(StripANSI([]byte(tt.input)))
			if got != tt.want {
				t.Errorf("StripANSI(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
