package history

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/console"
)

// ExportFormat selects the output encoding for history exports.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatText ExportFormat = "txt"
	FormatCSV  ExportFormat = "csv"
)

// ParseExportFormat validates a caller-supplied format string.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatText, FormatCSV:
		return f, nil
	case "":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: unknown export format %q", console.ErrInvalidInput, s)
	}
}

// ContentType returns the MIME type for the format.
func (f ExportFormat) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatText:
		return "text/plain; charset=utf-8"
	default:
		return "application/json"
	}
}

// exportBatchSize bounds memory while streaming a large history.
const exportBatchSize = 500

// Export writes the session's full command history to w, oldest-first.
func (l *Log) Export(ctx context.Context, ownerID string, sessionID uuid.UUID, format ExportFormat, w io.Writer) error {
	if err := l.checkOwner(ctx, ownerID, sessionID); err != nil {
		return err
	}

	var enc exportEncoder
	switch format {
	case FormatJSON:
		enc = newJSONEncoder(w)
	case FormatText:
		enc = &textEncoder{w: w}
	case FormatCSV:
		enc = newCSVEncoder(w)
	default:
		return fmt.Errorf("%w: unknown export format %q", console.ErrInvalidInput, format)
	}

	if err := enc.begin(); err != nil {
		return err
	}
	for offset := 0; ; offset += exportBatchSize {
		batch, _, err := l.commands.ListBySession(ctx, sessionID, exportBatchSize, offset)
		if err != nil {
			return err
		}
		for i := range batch {
			if err := enc.write(&batch[i]); err != nil {
				return err
			}
		}
		if len(batch) < exportBatchSize {
			break
		}
	}
	return enc.end()
}

type exportEncoder interface {
	begin() error
	write(cmd *console.Command) error
	end() error
}

type jsonEncoder struct {
	w     io.Writer
	first bool
}

func newJSONEncoder(w io.Writer) *jsonEncoder { return &jsonEncoder{w: w, first: true} }

func (e *jsonEncoder) begin() error {
	_, err := io.WriteString(e.w, "[")
	return err
}

func (e *jsonEncoder) write(cmd *console.Command) error {
	if !e.first {
		if _, err := io.WriteString(e.w, ","); err != nil {
			return err
		}
	}
	e.first = false
	if _, err := io.WriteString(e.w, "\n  "); err != nil {
		return err
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	_, err = e.w.Write(b)
	return err
}

func (e *jsonEncoder) end() error {
	if e.first {
		_, err := io.WriteString(e.w, "]\n")
		return err
	}
	_, err := io.WriteString(e.w, "\n]\n")
	return err
}

// textEncoder renders a transcript-style plain text dump.
type textEncoder struct {
	w io.Writer
}

func (e *textEncoder) begin() error { return nil }

func (e *textEncoder) write(cmd *console.Command) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] $ %s", cmd.StartedAt.Format(time.RFC3339), cmd.Text)
	if len(cmd.Args) > 0 {
		fmt.Fprintf(&b, " %s", strings.Join(cmd.Args, " "))
	}
	fmt.Fprintf(&b, "\n# status=%s", cmd.Status)
	if cmd.Output != nil && cmd.Output.ExitCode != nil {
		fmt.Fprintf(&b, " exit=%d", *cmd.Output.ExitCode)
	}
	if cmd.DurationMs != nil {
		fmt.Fprintf(&b, " duration=%dms", *cmd.DurationMs)
	}
	b.WriteString("\n")
	if cmd.Output != nil {
		if cmd.Output.Stdout != "" {
			b.WriteString(cmd.Output.Stdout)
			if !strings.HasSuffix(cmd.Output.Stdout, "\n") {
				b.WriteString("\n")
			}
		}
		if cmd.Output.Stderr != "" {
			for _, line := range strings.Split(strings.TrimRight(cmd.Output.Stderr, "\n"), "\n") {
				fmt.Fprintf(&b, "! %s\n", line)
			}
		}
	}
	b.WriteString("\n")
	_, err := io.WriteString(e.w, b.String())
	return err
}

func (e *textEncoder) end() error { return nil }

type csvEncoder struct {
	w *csv.Writer
}

var csvHeader = []string{
	"id", "session_id", "type", "status", "text", "args",
	"started_at", "duration_ms", "exit_code", "stdout", "stderr",
}

func newCSVEncoder(w io.Writer) *csvEncoder { return &csvEncoder{w: csv.NewWriter(w)} }

func (e *csvEncoder) begin() error {
	return e.w.Write(csvHeader)
}

func (e *csvEncoder) write(cmd *console.Command) error {
	var duration, exitCode, stdout, stderr string
	if cmd.DurationMs != nil {
		duration = strconv.FormatInt(*cmd.DurationMs, 10)
	}
	if cmd.Output != nil {
		if cmd.Output.ExitCode != nil {
			exitCode = strconv.Itoa(*cmd.Output.ExitCode)
		}
		stdout = cmd.Output.Stdout
		stderr = cmd.Output.Stderr
	}
	return e.w.Write([]string{
		cmd.ID.String(),
		cmd.SessionID.String(),
		string(cmd.Type),
		string(cmd.Status),
		cmd.Text,
		strings.Join(cmd.Args, " "),
		cmd.StartedAt.Format(time.RFC3339Nano),
		duration,
		exitCode,
		stdout,
		stderr,
	})
}

func (e *csvEncoder) end() error {
	e.w.Flush()
	return e.w.Error()
}
