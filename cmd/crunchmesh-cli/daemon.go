package crunchmesh

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/crunchmesh/crunchmesh/core"
	"github.com/crunchmesh/crunchmesh/executor"
	"github.com/crunchmesh/crunchmesh/key"
	"github.com/crunchmesh/crunchmesh/protocol"
)

// stopGrace bounds how long a terminating daemon waits for in-flight
// requests and running jobs before giving up on a clean shutdown.
const stopGrace = 10 * time.Second

func startCmd(c *cli.Context) error {
	conf, err := daemonConfig(c)
	if err != nil {
		return err
	}
	fileStore := key.NewFileStore(conf.ConfigFolder())
	if _, err := fileStore.LoadKeyPair(); err != nil {
		return fmt.Errorf("no keypair found in %s: %w. Run `crunchmesh generate-keypair` first", conf.ConfigFolder(), err)
	}

	node, err := core.NewNode(fileStore, conf)
	if err != nil {
		return fmt.Errorf("can't instantiate crunchmesh node: %w", err)
	}
	if !c.Bool(noRunnersFlag.Name) {
		node.RegisterRunner("echo", executor.RunnerFunc(echoRunner))
		node.RegisterRunner("sleep", &sleepRunner{})
	}
	if err := node.Start(); err != nil {
		return fmt.Errorf("can't start crunchmesh node: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
		defer cancel()
		if err := node.Stop(ctx); err != nil {
			fmt.Fprintf(output, "crunchmesh: shutdown finished with errors: %v\n", err)
		}
	}()
	<-node.WaitExit()

	return nil
}

// daemonConfig layers the configuration sources the way the daemon
// resolves them: defaults, then the TOML file, then the command line.
func daemonConfig(c *cli.Context) (*core.Config, error) {
	conf := contextToConfig(c)
	opts := []core.ConfigOption{
		core.WithConfigFolder(conf.ConfigFolder()),
	}
	cfgPath, found, err := fileConfigPath(c, conf)
	if err != nil {
		return nil, err
	}
	if found {
		fc, err := core.LoadFileConfig(cfgPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, core.WithFileConfig(fc))
	}
	if c.IsSet(listenFlag.Name) {
		opts = append(opts, core.WithListenAddress(c.String(listenFlag.Name)))
	}
	if c.IsSet(apiFlag.Name) {
		opts = append(opts, core.WithAPIAddress(c.String(apiFlag.Name)))
	}
	if c.IsSet(metricsFlag.Name) {
		opts = append(opts, core.WithMetricsAddress(c.String(metricsFlag.Name)))
	}
	if c.IsSet(meshFlag.Name) {
		opts = append(opts, core.WithMeshID(c.String(meshFlag.Name)))
	}
	if c.IsSet(nameFlag.Name) {
		opts = append(opts, core.WithNodeName(c.String(nameFlag.Name)))
	}
	if bs := splitList(c.String(bootstrapFlag.Name)); len(bs) > 0 {
		opts = append(opts, core.WithBootstrap(bs))
	}
	if caps := c.StringSlice(capabilityFlag.Name); len(caps) > 0 {
		opts = append(opts, core.WithCapabilities(caps))
	}
	if c.Bool(verboseFlag.Name) {
		opts = append(opts, core.WithLogger(conf.Logger()))
	}
	return core.NewConfig(opts...), nil
}

// echoRunner answers the job payload back, immediately. It exists so a
// fresh mesh has at least one job type every node can execute.
func echoRunner(_ context.Context, job *protocol.JobBroadcast) (interface{}, error) {
	return job.Payload, nil
}

// sleepRunner busies the node for payload.seconds, checkpointing each
// whole second so a backup node resumes instead of starting over.
type sleepRunner struct{}

func (s *sleepRunner) Run(ctx context.Context, job *protocol.JobBroadcast) (interface{}, error) {
	return s.RunResumable(ctx, job, nil)
}

func (s *sleepRunner) RunResumable(ctx context.Context, job *protocol.JobBroadcast, rc *executor.ResumableContext) (interface{}, error) {
	total := 1
	if v, ok := job.Payload["seconds"]; ok {
		switch n := v.(type) {
		case float64:
			total = int(n)
		case string:
			parsed, err := strconv.Atoi(n)
			if err != nil {
				return nil, fmt.Errorf("sleep: bad seconds %q: %w", n, err)
			}
			total = parsed
		}
	}
	if total < 1 {
		total = 1
	}
	for i := 0; i < total; i++ {
		step := fmt.Sprintf("second-%d", i)
		if rc != nil && rc.WasStepCompleted(step) {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
		if rc != nil {
			rc.MarkStepComplete(step)
			rc.SetProgress(float64(i+1) / float64(total))
			rc.CheckpointIfNeeded()
		}
	}
	return map[string]interface{}{"slept_seconds": total}, nil
}
