package classify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/payee-cli/internal/model"
	"github.com/sells-group/payee-cli/internal/normalize"
	"github.com/sells-group/payee-cli/internal/resilience"
)

// ClassifyBatch classifies rows concurrently with at most concurrency rows in
// flight, then annotates duplicate groups found within the chunk. Results are
// returned in input order. Cancellation is checked before each row starts.
func (c *Classifier) ClassifyBatch(ctx context.Context, rows []model.Row, concurrency int) ([]Result, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	results := make([]Result, len(rows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range rows {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r, err := c.Classify(gctx, rows[i])
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "classify: batch cancelled")
	}

	c.markDuplicates(ctx, results)
	return results, nil
}

// markDuplicates groups rows whose collapsed names are equal and, when the
// leftover singletons are few enough, asks the AI service to group those
// too. Groups are recorded only in each member's reasoning.
func (c *Classifier) markDuplicates(ctx context.Context, results []Result) {
	groups := make(map[string][]int)
	var keys []string
	for i := range results {
		key := normalize.CollapseForGrouping(results[i].Row.Name)
		if key == "" {
			continue
		}
		if _, seen := groups[key]; !seen {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], i)
	}

	var residual []int
	for _, key := range keys {
		members := groups[key]
		if len(members) > 1 {
			annotate(results, members, fmt.Sprintf("duplicate group %q", key))
			continue
		}
		residual = append(residual, members[0])
	}

	if c.provider == nil || len(residual) < 2 || len(residual) > c.cfg.DuplicateAILimit {
		return
	}

	names := make([]string, len(residual))
	for i, idx := range residual {
		names[i] = results[idx].Row.Name
	}
	sets, err := c.groupAI(ctx, names)
	if err != nil {
		c.metrics.Fallback(string(resilience.CallAI))
		c.log.Warn("classify: duplicate grouping failed", zap.Int("names", len(names)), zap.Error(err))
		return
	}
	for _, set := range sets {
		members := make([]int, 0, len(set))
		for _, j := range set {
			if j >= 0 && j < len(residual) {
				members = append(members, residual[j])
			}
		}
		if len(members) > 1 {
			annotate(results, members, "ai duplicate group")
		}
	}
}

func (c *Classifier) groupAI(ctx context.Context, names []string) ([][]int, error) {
	release, err := c.limits.AI(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	c.counts.apiCalls.Add(1)
	return resilience.Do(ctx, c.policy, func(ctx context.Context) ([][]int, error) {
		return c.provider.Group(ctx, names)
	})
}

func annotate(results []Result, members []int, label string) {
	idx := make([]string, len(members))
	for i, m := range members {
		idx[i] = strconv.Itoa(results[m].Row.Index)
	}
	note := fmt.Sprintf("%s: rows %s", label, strings.Join(idx, ", "))
	for _, m := range members {
		if results[m].Reasoning == "" {
			results[m].Reasoning = note
		} else {
			results[m].Reasoning += "; " + note
		}
	}
}
