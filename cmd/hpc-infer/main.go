package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lcpu-club/hpcinfer/common/consts"
	"github.com/lcpu-club/hpcinfer/common/version"
	"github.com/lcpu-club/hpcinfer/infer"
	"github.com/lcpu-club/hpcinfer/infer/configure"
	"github.com/lcpu-club/hpcinfer/infercmd"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

func configurePath(ctx *cli.Context) string {
	if p := ctx.String("configure"); p != "" {
		return p
	}
	if p := os.Getenv(consts.ConfigureEnvVar); p != "" {
		return p
	}
	if _, err := os.Stat(consts.ConfigureFilePath); err == nil {
		return consts.ConfigureFilePath
	}
	return ""
}

func main() {
	app := cli.NewApp()
	app.Name = "hpc-infer"
	app.Usage = "Launch and manage vLLM inference servers on Slurm"
	app.Version = version.Version
	cmd := infercmd.NewCommand()
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "configure",
			Aliases:     []string{"config", "c"},
			Usage:       "The path to configure file (yaml format), also read from $" + consts.ConfigureEnvVar,
			DefaultText: consts.ConfigureFilePath,
		},
		&cli.StringFlag{
			Name:  "catalog",
			Usage: "Override the model catalog (yaml/toml path or s3://bucket/key)",
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warning, error)",
			Value:       "warning",
			DefaultText: "warning",
		},
		&cli.BoolFlag{
			Name:    "json-mode",
			Aliases: []string{"json"},
			Usage:   "Print results as JSON",
		},
	}
	app.Before = func(ctx *cli.Context) error {
		level, err := log.ParseLevel(ctx.String("log-level"))
		if err != nil {
			return err
		}
		log.SetLevel(level)
		var opts []configure.LoadOption
		if source := ctx.String("catalog"); source != "" {
			opts = append(opts, configure.WithCatalogSource(source))
		}
		conf, catalog, err := configure.Load(ctx.Context, configurePath(ctx), opts...)
		if err != nil {
			return err
		}
		client, err := infer.NewClient(conf, catalog)
		if err != nil {
			return err
		}
		cmd.Init(client)
		return nil
	}
	app.After = func(ctx *cli.Context) error {
		cmd.Close()
		return nil
	}
	app.Commands = []*cli.Command{
		{
			Name:      "launch",
			Usage:     "Submit a vLLM server job for a model",
			ArgsUsage: "MODEL_NAME",
			Action:    cmd.HandleLaunch,
			Flags: append(infercmd.OverrideFlags(), &cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Print the batch script instead of submitting it",
			}),
		},
		{
			Name:      "status",
			Usage:     "Show the status of a job",
			ArgsUsage: "JOB_ID",
			Action:    cmd.HandleStatus,
		},
		{
			Name:      "shutdown",
			Aliases:   []string{"cancel"},
			Usage:     "Cancel jobs",
			ArgsUsage: "JOB_ID [JOB_ID...]",
			Action:    cmd.HandleShutdown,
		},
		{
			Name:      "list",
			Usage:     "List available models, or show the launch plan of one",
			ArgsUsage: "[MODEL_NAME]",
			Action:    cmd.HandleList,
		},
		{
			Name:      "metrics",
			Usage:     "Show serving metrics of a running job",
			ArgsUsage: "JOB_ID",
			Action:    cmd.HandleMetrics,
			Flags:     infercmd.MetricsFlags(),
		},
		{
			Name:   "cleanup",
			Usage:  "Remove scripts, logs and registry records of finished jobs",
			Action: cmd.HandleCleanup,
			Flags:  infercmd.CleanupFlags(),
		},
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := app.RunContext(ctx, os.Args)
	if err != nil {
		fmt.Println("hpc-infer:", err)
		os.Exit(1)
	}
}
