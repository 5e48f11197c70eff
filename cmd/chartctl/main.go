// Command chartctl runs a built-in traffic-light statechart for a configured
// number of seconds (or until interrupted), logging each observation the
// machine emits as it happens.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluxorio/statechart/pkg/chart"
	"github.com/fluxorio/statechart/pkg/config"
	"github.com/fluxorio/statechart/pkg/core"
	chartmetrics "github.com/fluxorio/statechart/pkg/observability/prometheus"
)

// CLIConfig is the optional YAML/JSON configuration chartctl loads from the
// file named by CHARTCTL_CONFIG_PATH; when that file loads,
// CHARTCTL_RUNSECONDS overrides its value. Without a config file,
// RunSeconds defaults to 15.
type CLIConfig struct {
	RunSeconds int `yaml:"run_seconds"`
}

func loadCLIConfig() CLIConfig {
	cfg := CLIConfig{RunSeconds: 15}
	path := os.Getenv("CHARTCTL_CONFIG_PATH")
	if path == "" {
		return cfg
	}
	if err := config.LoadWithEnv(path, "CHARTCTL", &cfg); err != nil {
		return cfg
	}
	return cfg
}

// exit codes: 0 success, 2 parse error, 3 bind error, 4 graph error,
// 5 runtime step error.
const (
	exitOK          = 0
	exitParseError  = 2
	exitBindError   = 3
	exitGraphError  = 4
	exitRuntimeErr  = 5
)

const trafficLightDescription = `{
  id: 'trafficLight',
  initial: 'green',
  context: { cycles: 0 },
  states: {
    green:  { entry: 'logEntry', after: { '2000': 'yellow' } },
    yellow: { entry: 'logEntry', after: { '500': 'red' } },
    red: {
      entry: ['logEntry', 'countCycle'],
      after: { '2000': 'green' },
    },
  },
}`

func main() {
	os.Exit(run())
}

func run() int {
	logger := core.NewDefaultLogger()

	reg := chart.NewRegistry()
	reg.Action("logEntry", func(ac *chart.ActionContext) error {
		logger.Info("entered state")
		return nil
	})
	reg.Action("countCycle", func(ac *chart.ActionContext) error {
		n, _ := ac.Get("cycles")
		count, _ := n.(float64)
		ac.Set("cycles", count+1)
		logger.Info(fmt.Sprintf("completed cycle %d", int(count)+1))
		return nil
	})

	g, seedCtx, err := chart.ParseAndBuild([]byte(trafficLightDescription), reg)
	if err != nil {
		switch err.(type) {
		case *chart.ParseError:
			logger.Error(err)
			return exitParseError
		case *chart.BindError:
			logger.Error(err)
			return exitBindError
		case *chart.GraphError:
			logger.Error(err)
			return exitGraphError
		default:
			logger.Error(err)
			return exitGraphError
		}
	}

	tp, err := chart.NewStdoutTracerProvider()
	if err != nil {
		logger.Error(err)
	} else {
		defer tp.Shutdown(context.Background())
	}

	hub := chart.NewObservationHub()
	logObs := hub.Subscribe("cli-log", 64)
	go chart.LoggingSubscriber(logger, logObs)

	metricsObs := hub.Subscribe("cli-metrics", 256)
	go chartmetrics.NewSubscriber(chartmetrics.GetMetrics()).Run(metricsObs)

	m := chart.NewMachine(g, reg, seedCtx, chart.WithLogger(logger), chart.WithObservationHub(hub))

	cliCfg := loadCLIConfig()
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cliCfg.RunSeconds)*time.Second)
	defer cancel()

	state, err := m.Start(ctx).Await(ctx)
	if err != nil {
		logger.Error(err)
		return exitRuntimeErr
	}
	logger.Info("started in state " + state)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case <-sig:
	}

	m.Stop()
	<-m.Done()
	hub.Unsubscribe("cli-log")
	hub.Unsubscribe("cli-metrics")
	return exitOK
}
