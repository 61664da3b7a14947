// procrun validates and executes process model definitions from the
// command line, driving activity tasks through an in-process worker.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-process"
	"github.com/goliatone/go-process/engine"
	"github.com/goliatone/go-process/model"
	"github.com/goliatone/go-process/store"
	"github.com/goliatone/go-process/taskq"
)

type rootCLI struct {
	Verbose bool `help:"Enable debug logging." short:"v"`

	Validate validateCmd `cmd:"" help:"Compile a model definition and report diagnostics."`
	Run      runCmd      `cmd:"" help:"Execute a model to completion with a local worker."`
}

func main() {
	cli := &rootCLI{}
	ctx := kong.Parse(cli,
		kong.Name("procrun"),
		kong.Description("Workflow process engine runner."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(cli))
}

type validateCmd struct {
	Model string `arg:"" help:"Path to a YAML model definition." type:"existingfile"`
}

func (c *validateCmd) Run(root *rootCLI) error {
	m, err := loadModel(c.Model)
	if err != nil {
		return err
	}
	nodes := 0
	for range m.Nodes() {
		nodes++
	}
	fmt.Printf("%s: ok (%d nodes)\n", m.Name(), nodes)
	return nil
}

type runCmd struct {
	Model  string   `arg:"" help:"Path to a YAML model definition." type:"existingfile"`
	Input  []string `help:"Initial data as name=value pairs; values may be JSON." short:"i"`
	DB     string   `help:"bbolt database file for durable state; defaults to in-memory."`
	Owner  string   `help:"Owning principal for the instance." default:"local"`
	Worker string   `help:"Worker id used to claim tasks." default:"procrun-worker"`
}

func (c *runCmd) Run(root *rootCLI) error {
	m, err := loadModel(c.Model)
	if err != nil {
		return err
	}
	input, err := parseInputs(c.Input)
	if err != nil {
		return err
	}

	var provider store.Provider = store.NewMemory()
	if c.DB != "" {
		bp, err := store.OpenBolt(c.DB)
		if err != nil {
			return err
		}
		defer bp.Close()
		provider = bp
	}

	logger := newLogger(root.Verbose)
	eng := engine.New(provider, engine.WithLogger(logger))
	queue := taskq.New(eng, taskq.WithLogger(logger))
	eng.BindMessageService(queue)
	if err := queue.StartSweeper("@every 30s"); err != nil {
		return err
	}
	defer queue.Stop()

	ctx := context.Background()
	modelH, err := eng.Publish(ctx, m.Definition())
	if err != nil {
		return err
	}
	owner := process.Principal(c.Owner)
	instH, err := eng.Start(ctx, modelH, owner, input)
	if err != nil {
		return err
	}

	if err := c.drive(ctx, eng, queue, instH, owner); err != nil {
		return err
	}

	snap, err := eng.Snapshot(ctx, instH, owner)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if snap.State != engine.InstanceFinished {
		return fmt.Errorf("instance ended %s", snap.State)
	}
	return nil
}

// drive runs a local echo worker until the instance settles. Claimed tasks
// complete with their own payload, so declared exports flow downstream.
func (c *runCmd) drive(ctx context.Context, eng *engine.Engine, queue *taskq.Queue, instH engine.InstanceHandle, owner process.Principal) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, runCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		for {
			select {
			case <-runCtx.Done():
				return nil
			case <-time.After(20 * time.Millisecond):
			}
			tasks, err := queue.Claim(runCtx, c.Worker, 8)
			if err != nil {
				return err
			}
			for _, task := range tasks {
				if err := queue.Start(runCtx, task.ID, c.Worker); err != nil {
					return err
				}
				if err := queue.Complete(runCtx, task.ID, c.Worker, task.Payload); err != nil {
					return err
				}
			}
		}
	})
	g.Go(func() error {
		defer cancel()
		for {
			snap, err := eng.Snapshot(runCtx, instH, owner)
			if err != nil {
				return err
			}
			if snap.State.Terminal() {
				return nil
			}
			select {
			case <-runCtx.Done():
				return runCtx.Err()
			case <-time.After(20 * time.Millisecond):
			}
		}
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loadModel(path string) (*model.Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return model.Load(f, model.YAMLCodec{})
}

// parseInputs turns name=value pairs into data fragments. Values that are
// valid JSON pass through raw; anything else becomes a JSON string.
func parseInputs(pairs []string) (process.DataSet, error) {
	var ds process.DataSet
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid input %q, want name=value", pair)
		}
		raw := []byte(value)
		if !json.Valid(raw) {
			var err error
			raw, err = json.Marshal(value)
			if err != nil {
				return nil, err
			}
		}
		ds = ds.With(process.NewData(name, raw))
	}
	return ds, nil
}
