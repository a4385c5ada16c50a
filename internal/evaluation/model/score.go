package model

import (
	"fmt"
	"strconv"
	"strings"
)

// ScoresFileName is the score artifact a scoring program leaves in its output archive.
const ScoresFileName = "scores.txt"

// ScoreDef names a metric a competition tracks.
type ScoreDef struct {
	ID            int64
	CompetitionID int64
	Key           string
	OnLeaderboard bool
}

// Score is one metric value of a submission. Immutable once stored.
type Score struct {
	SubmissionID int64
	ScoreDefID   int64
	Value        float64
}

// ScoreLine is one "label: value" line of a scores file.
type ScoreLine struct {
	Line  int
	Label string
	Raw   string
}

// Value parses the line's value as a decimal float.
func (l ScoreLine) Value() (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(l.Raw), 64)
	if err != nil {
		return 0, fmt.Errorf("line %d: invalid value for %q: %w", l.Line, l.Label, err)
	}
	return v, nil
}

// SplitScoreLines splits a scores file into labelled lines. Blank lines are
// skipped; line numbers of non-blank lines without a separator are returned
// in malformed.
func SplitScoreLines(content string) (lines []ScoreLine, malformed []int) {
	for i, raw := range strings.Split(content, "\n") {
		raw = strings.TrimRight(raw, "\r")
		if strings.TrimSpace(raw) == "" {
			continue
		}
		label, value, found := strings.Cut(raw, ":")
		if !found {
			malformed = append(malformed, i+1)
			continue
		}
		lines = append(lines, ScoreLine{Line: i + 1, Label: strings.TrimSpace(label), Raw: value})
	}
	return lines, malformed
}
