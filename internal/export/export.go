// Package export writes the attempt and scan history as an xlsx workbook.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/example/teetime-scheduler/internal/attempts"
)

const (
	attemptsSheet = "Attempts"
	scansSheet    = "Scans"
	stampLayout   = "2006-01-02 15:04:05.000"
)

var attemptColumns = []string{
	"ID", "Run", "Source", "Date", "Tier", "Outcome", "Step", "Resource", "Slot",
	"Triggered", "Challenge cleared", "Finished", "Needs verification", "Verified", "Evidence", "Reason",
}

var scanColumns = []string{"Run", "Started", "Finished", "Days", "Window", "Satisfied", "Gaps", "Target", "Booked tier", "Outcome", "Error"}

type sheet struct {
	file *excelize.File
	name string
	row  int
}

func (s *sheet) header(columns []string) error {
	if err := s.write(toAny(columns)); err != nil {
		return err
	}
	style, err := s.file.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err == nil {
		end, _ := excelize.CoordinatesToCellName(len(columns), 1)
		_ = s.file.SetCellStyle(s.name, "A1", end, style)
		_ = s.file.SetPanes(s.name, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
	}
	return nil
}

func (s *sheet) write(values []any) error {
	s.row++
	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(i+1, s.row)
		if err != nil {
			return err
		}
		if err := s.file.SetCellValue(s.name, cell, v); err != nil {
			return fmt.Errorf("%s!%s: %w", s.name, cell, err)
		}
	}
	return nil
}

// WriteAttempts renders attempts, and scans when given, to w.
func WriteAttempts(w io.Writer, as []attempts.Attempt, scans []attempts.Scan) error {
	f := excelize.NewFile()
	defer f.Close()

	f.SetSheetName("Sheet1", attemptsSheet)
	sh := &sheet{file: f, name: attemptsSheet}
	if err := sh.header(attemptColumns); err != nil {
		return err
	}
	for _, a := range as {
		if err := sh.write(attemptRow(a)); err != nil {
			return err
		}
	}

	if len(scans) > 0 {
		if _, err := f.NewSheet(scansSheet); err != nil {
			return fmt.Errorf("create sheet %s: %w", scansSheet, err)
		}
		ss := &sheet{file: f, name: scansSheet}
		if err := ss.header(scanColumns); err != nil {
			return err
		}
		for _, s := range scans {
			if err := ss.write(scanRow(s)); err != nil {
				return err
			}
		}
	}

	return f.Write(w)
}

func attemptRow(a attempts.Attempt) []any {
	return []any{
		a.ID, a.RunID, a.Source, a.TargetDate.Format("2006-01-02"), a.Tier, string(a.Kind), string(a.Step), a.Resource,
		stamp(a.SlotStart, "15:04"), stamp(a.TriggeredAt, stampLayout), stamp(a.ChallengeResolvedAt, stampLayout),
		a.FinishedAt.Format(stampLayout), yesNo(a.NeedsVerification), stamp(a.VerifiedAt, stampLayout), a.Evidence, a.Reason,
	}
}

func scanRow(s attempts.Scan) []any {
	return []any{
		s.RunID, s.StartedAt.Format(stampLayout), s.FinishedAt.Format(stampLayout), s.WindowDays, s.Qualifying,
		s.Satisfied, s.Gaps, stamp(s.TargetDate, "2006-01-02"), s.BookedTier, s.Outcome, s.Error,
	}
}

func stamp(t *time.Time, layout string) string {
	if t == nil {
		return ""
	}
	return t.Format(layout)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return ""
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
