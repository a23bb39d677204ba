package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/ethereum/go-ethereum/log"

	"github.com/mantlenetworkio/mantle-bundler/op-bundler/bundler"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/flags"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/metrics"
	opservice "github.com/mantlenetworkio/mantle-bundler/op-service"
	oplog "github.com/mantlenetworkio/mantle-bundler/op-service/log"
)

var (
	Version   = "v0.0.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	oplog.SetupDefaults()

	app := cli.NewApp()
	app.Flags = flags.Flags
	app.Version = opservice.FormatVersion(Version, GitCommit, GitDate, "")
	app.Name = "op-bundler"
	app.Usage = "User operation bundler"
	app.Description = "Service for pricing, bundling and submitting user operations"
	app.Action = bundler.Main(Version)
	app.Commands = []*cli.Command{
		{
			Name: "doc",
			Subcommands: []*cli.Command{
				{
					Name:   "metrics",
					Usage:  "Dumps a list of supported metrics to stdout",
					Action: docMetrics,
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := app.RunContext(ctx, os.Args)
	if err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func docMetrics(ctx *cli.Context) error {
	m := metrics.NewMetrics("default")
	table := tablewriter.NewWriter(ctx.App.Writer)
	table.SetHeader([]string{"Metric", "Description", "Labels", "Type"})
	table.SetAutoWrapText(false)
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	for _, d := range m.Document() {
		table.Append([]string{fmt.Sprintf("`%s`", d.Name), d.Help, strings.Join(d.Labels, ","), d.Type})
	}
	table.Render()
	return nil
}
