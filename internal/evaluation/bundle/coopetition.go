package bundle

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"codalab/internal/evaluation/model"

	"github.com/klauspost/compress/zip"
)

var coopetitionHeader = []string{
	"participant__user__username",
	"pk",
	"when_made_public",
	"when_unmade_public",
	"started_at",
	"completed_at",
	"download_count",
	"submission_number",
	"like_count",
	"dislike_count",
}

var downloadsHeader = []string{"submission_pk", "submission_owner", "downloaded_by", "time_of_download"}

const timestampLayout = "2006-01-02 15:04:05"

// coopetitionArchive builds the zip of collaborative metadata for a competition.
func (a *Assembler) coopetitionArchive(ctx context.Context, sub *model.Submission) ([]byte, error) {
	phases, err := a.aggregates.CompetitionPhases(ctx, sub.Competition.ID)
	if err != nil {
		return nil, fmt.Errorf("list phases: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, phase := range phases {
		rows, err := a.aggregates.CoopetitionRows(ctx, phase.ID)
		if err != nil {
			return nil, fmt.Errorf("coopetition rows of phase %d: %w", phase.Number, err)
		}
		records := make([][]string, 0, len(rows))
		for _, row := range rows {
			records = append(records, []string{
				row.Username,
				strconv.FormatInt(row.SubmissionID, 10),
				formatTime(row.WhenMadePublic),
				formatTime(row.WhenUnmadePublic),
				formatTime(row.StartedAt),
				formatTime(row.CompletedAt),
				strconv.Itoa(row.DownloadCount),
				strconv.Itoa(row.SubmissionNumber),
				strconv.Itoa(row.LikeCount),
				strconv.Itoa(row.DislikeCount),
			})
		}
		if err := writeZipCSV(zw, fmt.Sprintf("coopetition_phase_%d.txt", phase.Number), coopetitionHeader, records); err != nil {
			return nil, err
		}
	}

	for _, phase := range phases {
		table, err := a.aggregates.ResultsTable(ctx, phase.ID, true)
		if err != nil {
			return nil, fmt.Errorf("results of phase %d: %w", phase.Number, err)
		}
		if err := writeZipCSV(zw, fmt.Sprintf("coopetition_scores_phase_%d.txt", phase.Number), table.Header, table.Rows); err != nil {
			return nil, err
		}
	}

	downloads, err := a.aggregates.Downloads(ctx, sub.Competition.ID)
	if err != nil {
		return nil, fmt.Errorf("list downloads: %w", err)
	}
	records := make([][]string, 0, len(downloads))
	for _, d := range downloads {
		records = append(records, []string{
			strconv.FormatInt(d.SubmissionID, 10),
			d.Owner,
			d.DownloadedBy,
			d.Timestamp.UTC().Format(timestampLayout),
		})
	}
	if err := writeZipCSV(zw, "coopetition_downloads.txt", downloadsHeader, records); err != nil {
		return nil, err
	}

	w, err := zw.Create("current_user.txt")
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte(sub.Participant.Username)); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close coopetition archive: %w", err)
	}
	return buf.Bytes(), nil
}

func writeZipCSV(zw *zip.Writer, name string, header []string, records [][]string) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	content, err := encodeCSV(header, records)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	_, err = w.Write(content)
	return err
}

// encodeCSV writes CRLF terminated records with a header row.
func encodeCSV(header []string, records [][]string) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	cw.UseCRLF = true
	if len(header) > 0 {
		if err := cw.Write(header); err != nil {
			return nil, err
		}
	}
	if err := cw.WriteAll(records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(timestampLayout)
}
