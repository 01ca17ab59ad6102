// Package harness runs a fixed library of scripted scenarios against the
// fully composed kernel with in-memory stores. Used for regression testing;
// not in the request path.
package harness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rndrntwrk/milaidy/pkg/config"
	"github.com/rndrntwrk/milaidy/pkg/kernel"
	"github.com/rndrntwrk/milaidy/pkg/models"
	"github.com/rndrntwrk/milaidy/pkg/queue"
)

// Scenario is one scripted regression case. Setup (optional) registers
// scenario tools before the kernel starts; Run drives and asserts.
type Scenario struct {
	Name      string
	Configure func(cfg *config.Config)
	Setup     func(k *kernel.Kernel) error
	Run       func(ctx context.Context, k *kernel.Kernel) error
}

// Detail reports one scenario outcome.
type Detail struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Report is the harness result.
type Report struct {
	Passed  int      `json:"passed"`
	Failed  int      `json:"failed"`
	Details []Detail `json:"details"`
}

// Run executes every library scenario against a fresh kernel each.
func Run(ctx context.Context) Report {
	return RunScenarios(ctx, Library())
}

// RunScenarios executes the given scenarios.
func RunScenarios(ctx context.Context, scenarios []Scenario) Report {
	var report Report
	for _, sc := range scenarios {
		err := runOne(ctx, sc)
		detail := Detail{Name: sc.Name, OK: err == nil}
		if err != nil {
			detail.Error = err.Error()
			report.Failed++
			slog.Warn("Harness scenario failed", "scenario", sc.Name, "error", err)
		} else {
			report.Passed++
		}
		report.Details = append(report.Details, detail)
	}
	return report
}

func runOne(ctx context.Context, sc Scenario) error {
	cfg := config.Defaults()
	if sc.Configure != nil {
		sc.Configure(cfg)
	}

	k, err := kernel.New(ctx, cfg, kernel.Stores{}, nil)
	if err != nil {
		return fmt.Errorf("kernel wiring failed: %w", err)
	}
	if sc.Setup != nil {
		if err := sc.Setup(k); err != nil {
			return fmt.Errorf("scenario setup failed: %w", err)
		}
	}
	if err := k.Start(ctx); err != nil {
		return fmt.Errorf("kernel start failed: %w", err)
	}
	defer k.Stop(ctx)

	return sc.Run(ctx, k)
}

// awaitEpisode polls until the episode finishes or the deadline passes.
func awaitEpisode(ctx context.Context, k *kernel.Kernel, episodeID string, timeout time.Duration) (*queue.Episode, error) {
	deadline := time.Now().Add(timeout)
	for {
		ep, err := k.Pool().Episode(episodeID)
		if err != nil {
			return nil, err
		}
		if ep.Status == queue.EpisodeFinished {
			return ep, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("episode %s still %s after %s", episodeID, ep.Status, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// episodeEvents returns the episode's event slice in seq order.
func episodeEvents(ctx context.Context, k *kernel.Kernel, episodeID string) ([]models.Event, error) {
	_, evts, err := k.GetEpisode(ctx, episodeID)
	return evts, err
}

// hasKind reports whether any event has the kind, optionally matching a
// payload predicate.
func hasKind(evts []models.Event, kind models.EventKind, match func(models.Event) bool) bool {
	for _, evt := range evts {
		if evt.Kind != kind {
			continue
		}
		if match == nil || match(evt) {
			return true
		}
	}
	return false
}

// firstSeq returns the seq of the first event with the kind, or -1.
func firstSeq(evts []models.Event, kind models.EventKind) int64 {
	for _, evt := range evts {
		if evt.Kind == kind {
			return evt.Seq
		}
	}
	return -1
}
