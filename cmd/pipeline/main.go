// Command pipeline is the CLI launcher described in spec.md §6: it
// accepts one or more pipeline config paths and runs each to
// completion, exiting 0 only if every one of them completed cleanly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"

	"github.com/creastat/meshline"
	"github.com/creastat/meshline/config"
	"github.com/creastat/meshline/core"
	"github.com/creastat/meshline/scripthost"
	"github.com/creastat/meshline/steps"
	"github.com/creastat/meshline/telemetry"
)

var (
	inboundInterface   string
	outboundInterfaces []string
	discoveryPort      int
	moduleSearchRoot   string
)

func main() {
	root := &cobra.Command{
		Use:   "pipeline [config-paths...]",
		Short: "Run one or more pipeline configuration files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  run,
	}

	root.Flags().StringVar(&inboundInterface, "inbound-interface", "", "network interface the data listener binds to (required)")
	root.Flags().StringSliceVar(&outboundInterfaces, "outbound-interfaces", nil, "network interfaces the discovery beacon broadcasts on (required)")
	root.Flags().IntVar(&discoveryPort, "discovery-port", 5557, "UDP discovery port")
	root.Flags().StringVar(&moduleSearchRoot, "module-search-root", "", "extra module search path for the script host")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := telemetry.Default()

	if inboundInterface == "" {
		return fmt.Errorf("pipeline: --inbound-interface is required")
	}
	if len(outboundInterfaces) == 0 {
		return fmt.Errorf("pipeline: --outbound-interfaces must name at least one interface")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	bridge := scripthost.New(logger)
	if err := bridge.Initialize("goja", moduleSearchRoot); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	errs := make([]error, len(args))
	var wg sync.WaitGroup
	for i, path := range args {
		i, path := i, path
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = runOne(ctx, path, bridge, logger)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// runOne loads one config, builds its step chain, and runs it to
// completion. Each config runs in its own goroutine, isolated from the
// others by its own Driver and step instances; only the script host
// bridge is process-wide, per spec.md §4.7.
func runOne(ctx context.Context, path string, bridge *scripthost.Bridge, logger telemetry.Logger) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	built, err := buildSteps(cfg, bridge, logger)
	if err != nil {
		return err
	}

	drv := pipeline.New(cfg.Name, built, logger)
	exit, err := drv.Start(ctx)
	if err != nil {
		return err
	}
	return <-exit
}

func buildSteps(cfg *config.Config, bridge *scripthost.Bridge, logger telemetry.Logger) (pipeline.Steps, error) {
	var built pipeline.Steps

	if cfg.HasInput() {
		built.Input = steps.NewInputStep(steps.InputConfig{
			Name:                   cfg.Name,
			InboundInterfaceName:   inboundInterface,
			ExpectedSources:        cfg.SourcePipelineCount,
			OutboundInterfaceNames: outboundInterfaces,
			DiscoveryPort:          discoveryPort,
			Logger:                 logger,
		})
		built.Deserialize = steps.NewDeserializeStep()
	}

	for _, rel := range cfg.Scripts {
		source, err := os.ReadFile(cfg.ScriptPath(rel))
		if err != nil {
			return pipeline.Steps{}, fmt.Errorf("pipeline: read script %s: %w", rel, err)
		}
		managed := []core.ManagedVariable{core.NewDeltaTime()}
		built.Scripts = append(built.Scripts, steps.NewScriptStep(bridge, string(source), managed, logger))
	}

	if cfg.HasOutput() {
		built.Serialize = steps.NewSerializeStep()
		built.Output = steps.NewOutputStep(steps.OutputConfig{
			Name:          cfg.Name,
			TargetNames:   cfg.TargetPipelineNames,
			DiscoveryPort: discoveryPort,
			Logger:        logger,
		})
	}

	return built, nil
}
