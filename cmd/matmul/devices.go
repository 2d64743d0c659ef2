package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/common-nighthawk/go-figure"
	"github.com/fxnlabs/gpu-matmul/internal/app"
	"github.com/fxnlabs/gpu-matmul/internal/gpu"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func devicesCommand() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List every compute device in selection order",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "no-banner",
				Usage: "Skip the banner",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, log := fromContext(c)
			defer log.Sync()

			var rt *gpu.Runtime
			fxApp := app.New(cfg, log, &rt)
			if err := fxApp.Start(c.Context); err != nil {
				return err
			}
			defer func() {
				if err := fxApp.Stop(context.Background()); err != nil {
					log.Warn("failed to stop", zap.Error(err))
				}
			}()

			out := c.App.Writer
			if !c.Bool("no-banner") {
				fmt.Fprint(out, figure.NewFigure("matmul", "", true).String())
				fmt.Fprintln(out)
			}

			devices, err := rt.Devices(gpu.DeviceTypeAll)
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintln(out, "No compute devices found, only the host mode is available.")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "INDEX\tTYPE\tUNIFIED MEMORY\tMAX WORK-GROUP\tDEVICE\tPLATFORM")
			for i, d := range devices {
				fmt.Fprintf(tw, "%d\t%s\t%t\t%d\t%s\t%s\n",
					i, d.Kind(), d.HostUnifiedMemory(), d.MaxWorkGroupSize(), d.Name(), d.PlatformName())
			}
			return tw.Flush()
		},
	}
}
