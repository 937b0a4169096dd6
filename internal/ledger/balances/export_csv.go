package balances

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

const (
	csvFlushEvery = 200
	csvBufferSize = 32 * 1024
)

type csvStreamer struct {
	buf          *bufio.Writer
	csv          *csv.Writer
	flushEvery   int
	pendingLines int
}

func newCSVStreamer(w io.Writer) *csvStreamer {
	buf := bufio.NewWriterSize(w, csvBufferSize)
	writer := csv.NewWriter(buf)
	writer.UseCRLF = true
	return &csvStreamer{buf: buf, csv: writer, flushEvery: csvFlushEvery}
}

func (s *csvStreamer) writeComment(line string) error {
	if s == nil || s.buf == nil {
		return fmt.Errorf("csv streamer not initialised")
	}
	if !strings.HasSuffix(line, "\r\n") {
		line = strings.TrimSuffix(line, "\n")
		line += "\r\n"
	}
	_, err := s.buf.WriteString(line)
	return err
}

func (s *csvStreamer) writeRow(row []string) error {
	if s == nil || s.csv == nil {
		return fmt.Errorf("csv streamer not initialised")
	}
	if err := s.csv.Write(row); err != nil {
		return err
	}
	s.pendingLines++
	if s.flushEvery > 0 && s.pendingLines >= s.flushEvery {
		return s.Flush()
	}
	return nil
}

func (s *csvStreamer) Flush() error {
	if s == nil || s.csv == nil || s.buf == nil {
		return fmt.Errorf("csv streamer not initialised")
	}
	s.csv.Flush()
	if err := s.csv.Error(); err != nil {
		return err
	}
	if err := s.buf.Flush(); err != nil {
		return err
	}
	s.pendingLines = 0
	return nil
}

func (s *csvStreamer) Close() error {
	return s.Flush()
}

// WriteTrialBalanceCSV streams a trial balance as CSV with metadata comments.
func WriteTrialBalanceCSV(w io.Writer, tb TrialBalance) error {
	streamer := newCSVStreamer(w)
	if err := streamer.writeComment(fmt.Sprintf("# Report: Trial Balance | Period: %s", tb.PeriodCode)); err != nil {
		return err
	}
	balanced := "yes"
	if !tb.Balanced() {
		balanced = "NO"
	}
	if err := streamer.writeComment(fmt.Sprintf("# Balanced: %s", balanced)); err != nil {
		return err
	}
	if err := streamer.writeRow([]string{"Group", "Account Code", "Account Name", "Opening", "Debit", "Credit", "Closing"}); err != nil {
		return err
	}
	for _, grp := range tb.Groups {
		for _, row := range grp.Rows {
			if err := streamer.writeRow([]string{
				grp.Key,
				row.Code,
				row.Name,
				row.Opening.StringFixed(2),
				row.Debit.StringFixed(2),
				row.Credit.StringFixed(2),
				row.Closing.StringFixed(2),
			}); err != nil {
				return err
			}
		}
		if err := streamer.writeRow([]string{
			grp.Key, "", "Subtotal",
			grp.Opening.StringFixed(2),
			grp.Debit.StringFixed(2),
			grp.Credit.StringFixed(2),
			grp.Closing.StringFixed(2),
		}); err != nil {
			return err
		}
	}
	if err := streamer.writeRow([]string{"", "", "Totals", "", tb.TotalDebit.StringFixed(2), tb.TotalCredit.StringFixed(2), ""}); err != nil {
		return err
	}
	return streamer.Close()
}
