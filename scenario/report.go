package scenario

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
)

// Step is one line of a scenario transcript
type Step struct {
	Session   string `json:"session"`
	Statement string `json:"statement"`
	Outcome   string `json:"outcome,omitempty"`
}

// Report is the transcript and verdict of one scenario run
type Report struct {
	Name     string        `json:"name"`
	Title    string        `json:"title"`
	Lesson   string        `json:"lesson"`
	Steps    []Step        `json:"steps"`
	Passed   bool          `json:"passed"`
	Failure  string        `json:"failure,omitempty"`
	Duration time.Duration `json:"duration"`

	mu sync.Mutex
}

func (r *Report) add(step Step) {
	r.mu.Lock()
	r.Steps = append(r.Steps, step)
	r.mu.Unlock()
}

// Render writes the transcript as a table followed by the verdict
func (r *Report) Render(w io.Writer) {
	fmt.Fprintf(w, "== %s: %s\n", r.Name, r.Title)

	r.mu.Lock()
	values := make([][]string, len(r.Steps))
	for i, s := range r.Steps {
		values[i] = []string{strconv.Itoa(i + 1), s.Session, s.Statement, s.Outcome}
	}
	r.mu.Unlock()

	tb := tablewriter.NewWriter(w)
	tb.SetHeader([]string{"#", "Session", "Statement", "Result"})
	tb.SetAutoWrapText(false)
	tb.AppendBulk(values)
	tb.Render()

	verdict := "PASS"
	if !r.Passed {
		verdict = "FAIL: " + r.Failure
	}
	fmt.Fprintf(w, "%s (%s)\n%s\n\n", verdict, r.Duration.Round(time.Millisecond), r.Lesson)
}

// RenderSummary writes one row per report
func RenderSummary(w io.Writer, reports []*Report) {
	if len(reports) == 0 {
		return
	}
	values := make([][]string, 0, len(reports))
	for _, r := range reports {
		verdict := "PASS"
		if !r.Passed {
			verdict = "FAIL"
		}
		values = append(values, []string{r.Name, r.Title, strconv.Itoa(len(r.Steps)), verdict})
	}

	tb := tablewriter.NewWriter(w)
	tb.SetHeader([]string{"Scenario", "Title", "Steps", "Result"})
	tb.AppendBulk(values)
	tb.Render()
}
