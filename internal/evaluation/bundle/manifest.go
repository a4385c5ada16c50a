package bundle

import (
	"strconv"
	"strings"
)

// Manifest is a metadata-only bundle: ordered "key: value" lines joined by newlines.
type Manifest struct {
	lines []string
}

// Add appends key: value.
func (m *Manifest) Add(key, value string) {
	m.lines = append(m.lines, key+": "+value)
}

// AddLine appends a raw line.
func (m *Manifest) AddLine(line string) {
	m.lines = append(m.lines, line)
}

// Bytes renders the manifest. There is no trailing newline.
func (m *Manifest) Bytes() []byte {
	return []byte(strings.Join(m.lines, "\n"))
}

func (m *Manifest) String() string {
	return string(m.Bytes())
}

// placeholder is the initial content of a stdout or stderr artifact.
func placeholder(stream string, number int, username string) []byte {
	return []byte("Standard " + stream + " for submission #" + strconv.Itoa(number) + " by " + username + ".\n")
}
