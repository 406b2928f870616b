package scenario

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/txsandbox/db"
	"github.com/rs/zerolog/log"
)

// Scenario is a runnable multi-session tutorial demo
type Scenario struct {
	Name   string
	Title  string
	Lesson string
	run    func(ctx context.Context, env *Env) error
}

// All returns every scenario in tutorial order
func All() []Scenario {
	return append([]Scenario(nil), scenarios...)
}

// Names returns the scenario names in tutorial order
func Names() []string {
	names := make([]string, len(scenarios))
	for i, sc := range scenarios {
		names[i] = sc.Name
	}
	return names
}

// Lookup finds a scenario by name
func Lookup(name string) (Scenario, bool) {
	for _, sc := range scenarios {
		if sc.Name == name {
			return sc, true
		}
	}
	return Scenario{}, false
}

// Run executes sc against a fresh engine loaded with the sample data.
// Deadlock detection is always on. The error is only for setup failures;
// an unexpected outcome is reported through Report.Passed.
func Run(ctx context.Context, sc Scenario, opts db.EngineOptions) (*Report, error) {
	report := &Report{Name: sc.Name, Title: sc.Title, Lesson: sc.Lesson}
	env, err := newEnv(ctx, opts, report)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
	}
	defer env.close()

	start := time.Now()
	err = sc.run(ctx, env)
	report.Duration = time.Since(start)
	report.Passed = err == nil
	if err != nil {
		report.Failure = err.Error()
	}

	log.Debug().
		Str("scenario", sc.Name).
		Bool("passed", report.Passed).
		Int("steps", len(report.Steps)).
		Dur("duration", report.Duration).
		Msg("Scenario finished")
	return report, nil
}

// RunAll runs every scenario in order
func RunAll(ctx context.Context, opts db.EngineOptions) ([]*Report, error) {
	reports := make([]*Report, 0, len(scenarios))
	for _, sc := range scenarios {
		report, err := Run(ctx, sc, opts)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func expect(ok bool, format string, args ...any) error {
	if ok {
		return nil
	}
	return fmt.Errorf(format, args...)
}
