package summary

import (
	"context"
	"log/slog"

	"github.com/antoniostano/voxtail/internal/policy"
)

// Redacting masks personal data in every line before Next sees the transcript.
// Speaker names are left intact.
type Redacting struct {
	Next   Summarizer
	Logger *slog.Logger
}

func (r Redacting) Summarize(ctx context.Context, lines []Line, language string) (Summary, error) {
	masked := make([]Line, len(lines))
	total := 0
	for i, l := range lines {
		text, found := policy.RedactPII(l.Text)
		masked[i] = Line{Speaker: l.Speaker, Text: text}
		total += found.Total()
	}
	if total > 0 && r.Logger != nil {
		r.Logger.Info("transcript redacted for summary", "replacements", total)
	}
	return r.Next.Summarize(ctx, masked, language)
}
