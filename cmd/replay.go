package cmd

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/remailer/classify"
	"github.com/dhcgn/remailer/entity"
	"github.com/dhcgn/remailer/filter"
	"github.com/dhcgn/remailer/mbox"
	"github.com/dhcgn/remailer/model"
	"github.com/dhcgn/remailer/progress"
	"github.com/dhcgn/remailer/stats"
)

// Counters tracked during a replay, in report order.
var replayCounters = []string{"Sender", "Recipient", "Outcome"}

func newReplayCmd() *cobra.Command {
	var (
		filterOpts filter.Options
		outPath    string
		reportDir  string
		topN       int
	)

	c := &cobra.Command{
		Use:   "replay [mbox file]",
		Short: "Classify the messages of an mbox archive without touching any server",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cfg, logger, cleanup, err := setup(c)
			if err != nil {
				return err
			}
			defer cleanup()

			classifier, err := newClassifier(cfg, logger)
			if err != nil {
				return err
			}

			reader, err := mbox.NewReader(mbox.Options{Path: args[0], Filter: filterOpts}, logger)
			if err != nil {
				return err
			}

			total, err := mbox.CountMessages(args[0])
			if err != nil {
				return err
			}

			r := newReplayer(classifier, logger)
			if outPath != "" {
				w, err := mbox.Create(outPath, cfg.From)
				if err != nil {
					return err
				}
				defer func() {
					if err := w.Close(); err != nil {
						logger.Error("closing output archive", "path", outPath, "err", err)
					}
				}()
				r.writer = w
			}

			started := time.Now()
			bar := progress.New(total, cfg.LogLevel == "info")
			err = r.run(c.Context(), reader.Stream, bar.Update)
			bar.Stop()
			if err != nil {
				return err
			}

			var hits []filter.Hit
			if filterOpts.Active() {
				hits = reader.Filter().Hits()
			}
			if err := progress.PrintSummary(r.summary, time.Since(started), hits); err != nil {
				return err
			}
			for _, name := range replayCounters {
				pterm.DefaultSection.WithLevel(2).Printf("Top %d %s\n", topN, name)
				stats.PrettyPrintTop(r.counters[name], topN)
			}

			if reportDir != "" {
				if err := saveCSVReports(r.counters, replayCounters, reportDir, 1000); err != nil {
					return fmt.Errorf("saving CSV reports: %w", err)
				}
				pterm.Info.Printf("Reports saved to directory: %s\n", reportDir)
			}
			return nil
		},
	}

	flags := c.Flags()
	flags.StringArrayVar(&filterOpts.IncludeHeader, "include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArrayVar(&filterOpts.IncludeBody, "include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArrayVar(&filterOpts.ExcludeHeader, "exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArrayVar(&filterOpts.ExcludeBody, "exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
	flags.StringVar(&outPath, "out", "", "Write rewritten tagged messages to this mbox file")
	flags.StringVar(&reportDir, "report-dir", "", "Write CSV reports of the counters to this directory")
	flags.IntVarP(&topN, "top", "t", 10, "Number of top items to display")
	return c
}

type replayer struct {
	classifier *classify.Classifier
	writer     *mbox.Writer
	logger     *slog.Logger
	summary    stats.Summary
	counters   map[string]map[string]int
}

func newReplayer(classifier *classify.Classifier, logger *slog.Logger) *replayer {
	counters := make(map[string]map[string]int, len(replayCounters))
	for _, name := range replayCounters {
		counters[name] = make(map[string]int)
	}
	return &replayer{classifier: classifier, logger: logger, counters: counters}
}

// run classifies every message produced by stream and reports each result
// to onResult.
func (r *replayer) run(ctx context.Context, stream func(context.Context, chan<- model.Envelope) error, onResult func(model.Result)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	envelopes := make(chan model.Envelope, 16)
	done := make(chan error, 1)
	go func() {
		defer close(envelopes)
		done <- stream(ctx, envelopes)
	}()

	for env := range envelopes {
		res := r.handle(ctx, env)
		r.summary.Add(res)
		r.counters["Outcome"][string(res.Outcome)]++
		if onResult != nil {
			onResult(res)
		}
	}
	return <-done
}

func (r *replayer) handle(ctx context.Context, env model.Envelope) model.Result {
	res := model.Result{Ref: model.MessageRef(env.Message.Index), Outcome: model.OutcomeFailed}
	if env.Err != nil {
		res.Err = env.Err
		return res
	}

	msg, err := entity.Parse(env.Message.Raw)
	if err != nil {
		res.Err = err
		r.logger.Warn("message not parsable", "index", env.Message.Index, "err", err)
		return res
	}
	res.Subject, _ = msg.Header.Text("Subject")
	if from := msg.Header.Get("From"); from != "" {
		r.counters["Sender"][from]++
	}

	out, err := r.classifier.Classify(ctx, msg)
	if err != nil {
		res.Err = fmt.Errorf("classify: %w", err)
		r.logger.Warn("message not classifiable", "index", env.Message.Index, "subject", res.Subject, "err", err)
		return res
	}

	res.Recipients = out.Recipients.List()
	for _, to := range res.Recipients {
		r.counters["Recipient"][to]++
	}
	if out.Kind != classify.Tagged {
		res.Outcome = model.OutcomeUntagged
		return res
	}
	res.Outcome = model.OutcomeTagged

	if r.writer != nil {
		raw, err := out.Message.Bytes()
		if err == nil {
			err = r.writer.Write(raw, env.Message.ReceivedAt)
		}
		if err != nil {
			res.Err = err
			r.logger.Error("writing rewritten message", "index", env.Message.Index, "err", err)
		}
	}
	r.logger.Debug("message classified", "index", env.Message.Index, "kind", out.Kind, "recipients", len(res.Recipients))
	return res
}

func saveCSVReports(counters map[string]map[string]int, names []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, name := range names {
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeName(name)))
		if err := writeCSV(filePath, stats.Top(counters[name], limit)); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(path string, pairs []stats.Pair) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, p := range pairs {
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "-", "_")
	return strings.ReplaceAll(name, " ", "_")
}
