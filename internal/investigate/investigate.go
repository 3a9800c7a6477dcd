// Package investigate runs a playbook's investigation steps against the query
// connector and accumulates the extracted fields.
//
// Steps are grouped into batches by data dependency. A step joins a later
// batch than an earlier step when it reads a field that step extracts, or
// extracts a field that step reads. Steps in one batch run on a bounded
// worker pool; their fields merge in declaration order so a later step's
// extract overwrites an earlier one exactly as sequential execution would.
package investigate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/playwatch/internal/condition"
	"github.com/ppiankov/playwatch/internal/connector"
	"github.com/ppiankov/playwatch/internal/playbook"
	"github.com/ppiankov/playwatch/internal/render"
)

// DefaultStepTimeout applies to steps that do not set timeout_seconds.
const DefaultStepTimeout = 30 * time.Second

// StepError is returned when a required step fails.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("investigation step %q: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// StepResult describes one executed step.
type StepResult struct {
	Name     string
	Query    string
	Fields   map[string]any
	Err      error
	Skipped  bool // optional step that failed; execution continued
	Duration time.Duration
}

// Executor runs investigations. It is safe for concurrent use.
type Executor struct {
	Querier     connector.Querier
	Workers     int
	StepTimeout time.Duration
	Log         logrus.FieldLogger

	// OnStep is called once per finished step, in declaration order, after
	// the step's fields are merged.
	OnStep func(StepResult)
	// Observe receives each step's query latency.
	Observe func(step playbook.Step, d time.Duration, err error)
}

// Run executes def's steps against seed. It returns only the extracted
// fields; seed is read but never modified.
func (x *Executor) Run(ctx context.Context, def *playbook.Definition, seed map[string]any) (map[string]any, error) {
	view := make(map[string]any, len(seed))
	for k, v := range seed {
		view[k] = v
	}
	extracted := make(map[string]any)

	for _, batch := range Batches(def.Steps) {
		results := make([]StepResult, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(x.workers())
		snapshot := view
		for i, idx := range batch {
			step := def.Steps[idx]
			g.Go(func() error {
				res := x.runStep(gctx, step, snapshot)
				results[i] = res
				if res.Err != nil && !step.Optional {
					return &StepError{Step: step.Name, Err: res.Err}
				}
				return nil
			})
		}
		waitErr := g.Wait()

		next := make(map[string]any, len(view))
		for k, v := range view {
			next[k] = v
		}
		for i, idx := range batch {
			res := results[i]
			step := def.Steps[idx]
			if res.Err != nil && step.Optional {
				res.Skipped = true
				x.log().WithFields(logrus.Fields{"step": step.Name, "error": res.Err}).Warn("optional investigation step failed")
			}
			for k, v := range res.Fields {
				next[k] = v
				extracted[k] = v
			}
			if x.OnStep != nil {
				x.OnStep(res)
			}
		}
		view = next

		if waitErr != nil {
			var se *StepError
			if errors.As(waitErr, &se) {
				return extracted, se
			}
			return extracted, waitErr
		}
	}
	return extracted, nil
}

func (x *Executor) runStep(ctx context.Context, step playbook.Step, view map[string]any) StepResult {
	res := StepResult{Name: step.Name}
	query, err := render.String(step.Query, view)
	res.Query = query
	if err != nil {
		res.Err = err
		return res
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = x.StepTimeout
	}
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := x.Querier.Query(qctx, step.QueryType, query)
	res.Duration = time.Since(start)
	if x.Observe != nil {
		x.Observe(step, res.Duration, err)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || qctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		res.Err = err
		return res
	}
	res.Fields = Extract(out, step.Extract)
	return res
}

func (x *Executor) workers() int {
	if x.Workers < 1 {
		return 4
	}
	return x.Workers
}

func (x *Executor) log() logrus.FieldLogger {
	if x.Log == nil {
		return logrus.StandardLogger()
	}
	return x.Log
}

// Extract pulls the named fields out of a query result. A map result is
// searched by dotted path; a scalar result fills a single extract field.
func Extract(result any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	if m, ok := result.(map[string]any); ok {
		for _, f := range fields {
			if v, ok := condition.Lookup(m, f); ok {
				out[f] = v
			}
		}
		return out
	}
	if result != nil && len(fields) == 1 {
		out[fields[0]] = result
	}
	return out
}

// Batches groups step indexes into dependency levels. Every batch only
// depends on earlier batches.
func Batches(steps []playbook.Step) [][]int {
	levels := make([]int, len(steps))
	reads := make([][]string, len(steps))
	maxLevel := 0
	for j, s := range steps {
		reads[j] = render.Fields(s.Query)
		level := 0
		for i := 0; i < j; i++ {
			switch {
			case overlaps(steps[i].Extract, reads[j]), overlaps(s.Extract, reads[i]):
				level = max(level, levels[i]+1)
			case overlaps(steps[i].Extract, s.Extract):
				level = max(level, levels[i])
			}
		}
		levels[j] = level
		maxLevel = max(maxLevel, level)
	}
	if len(steps) == 0 {
		return nil
	}
	out := make([][]int, maxLevel+1)
	for i, l := range levels {
		out[l] = append(out[l], i)
	}
	return out
}

// overlaps reports whether any extracted field feeds any referenced path.
func overlaps(extract, refs []string) bool {
	for _, e := range extract {
		for _, r := range refs {
			if r == e || strings.HasPrefix(r, e+".") {
				return true
			}
		}
	}
	return false
}

// PlannedStep is a dry-run view of a step.
type PlannedStep struct {
	Name      string   `json:"name"`
	QueryType string   `json:"query_type"`
	Query     string   `json:"query"`
	Batch     int      `json:"batch"`
	Extract   []string `json:"extract"`
	Optional  bool     `json:"optional,omitempty"`
	Missing   []string `json:"missing,omitempty"`
}

// Plan renders every step against ctx without querying anything. Fields an
// earlier step would extract count as available when ctx lacks them.
func Plan(def *playbook.Definition, ctx map[string]any) []PlannedStep {
	batchOf := make(map[int]int)
	for b, batch := range Batches(def.Steps) {
		for _, idx := range batch {
			batchOf[idx] = b
		}
	}
	produced := make(map[string]bool)
	out := make([]PlannedStep, 0, len(def.Steps))
	for i, s := range def.Steps {
		query, err := render.String(s.Query, ctx)
		var missing []string
		var me *render.MissingError
		if errors.As(err, &me) {
			for _, f := range me.Fields {
				if !overlaps(keys(produced), []string{f}) {
					missing = append(missing, f)
				}
			}
		}
		out = append(out, PlannedStep{
			Name:      s.Name,
			QueryType: string(s.QueryType),
			Query:     query,
			Batch:     batchOf[i],
			Extract:   append([]string(nil), s.Extract...),
			Optional:  s.Optional,
			Missing:   missing,
		})
		for _, f := range s.Extract {
			produced[f] = true
		}
	}
	return out
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
