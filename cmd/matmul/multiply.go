package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fxnlabs/gpu-matmul/internal/app"
	"github.com/fxnlabs/gpu-matmul/internal/gpu"
	"github.com/fxnlabs/gpu-matmul/internal/matrix"
	"github.com/fxnlabs/gpu-matmul/internal/multiplier"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var modeUsage = map[multiplier.Mode]string{
	multiplier.ModeHost:      "Multiply with three nested loops on the host",
	multiplier.ModeNaive:     "One work item per output element, operands read from global memory",
	multiplier.ModeTiled:     "Stage 16x16 tiles of both operands in local memory",
	multiplier.ModeCoarsened: "Tiled, with every work item computing two output rows",
}

func multiplyCommands() []*cli.Command {
	var cmds []*cli.Command
	for _, mode := range multiplier.Modes() {
		cmd := &cli.Command{
			Name:      mode.String(),
			Aliases:   []string{mode.Alias()},
			Usage:     modeUsage[mode],
			ArgsUsage: "INPUT OUTPUT",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "verify",
					Usage: "Check the result against a float64 reference product",
				},
			},
			Action: multiplyAction(mode),
		}
		if mode.Accelerated() {
			cmd.ArgsUsage = "INPUT OUTPUT [DEVICE_TYPE [INDEX]]"
			cmd.Flags = append(cmd.Flags,
				&cli.StringFlag{
					Name:  "device-type",
					Usage: "Device class: all, dgpu, igpu, gpu or cpu",
				},
				&cli.IntFlag{
					Name:  "device-index",
					Usage: "Zero-based index among the devices of the requested class",
				},
			)
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

// request resolves the device from the flags, the optional positional arguments and the
// configuration, in that order.
func request(c *cli.Context, mode multiplier.Mode) (multiplier.Request, error) {
	cfg, _ := fromContext(c)
	req := multiplier.Request{Mode: mode, Index: cfg.Multiplier.DeviceIndex}
	if !mode.Accelerated() {
		return req, nil
	}

	deviceType := cfg.Multiplier.DeviceType
	switch {
	case c.IsSet("device-type"):
		deviceType = c.String("device-type")
	case c.NArg() > 2:
		deviceType = c.Args().Get(2)
	}
	dt, err := gpu.ParseDeviceType(deviceType)
	if err != nil {
		return req, err
	}
	req.DeviceType = dt

	switch {
	case c.IsSet("device-index"):
		req.Index = c.Int("device-index")
	case c.NArg() > 3:
		idx, err := strconv.Atoi(c.Args().Get(3))
		if err != nil {
			return req, fmt.Errorf("invalid device index %q: %w", c.Args().Get(3), err)
		}
		req.Index = idx
	}
	if req.Index < 0 {
		return req, fmt.Errorf("device index must not be negative, got %d", req.Index)
	}
	return req, nil
}

func multiplyAction(mode multiplier.Mode) cli.ActionFunc {
	return func(c *cli.Context) error {
		maxArgs := 2
		if mode.Accelerated() {
			maxArgs = 4
		}
		if c.NArg() < 2 || c.NArg() > maxArgs {
			return fmt.Errorf("usage: %s %s %s", c.App.Name, c.Command.Name, c.Command.ArgsUsage)
		}
		input, output := c.Args().Get(0), c.Args().Get(1)

		cfg, log := fromContext(c)
		defer log.Sync()

		req, err := request(c, mode)
		if err != nil {
			return err
		}

		a, b, err := readInput(input)
		if err != nil {
			return fmt.Errorf("unable to parse input file: %w", err)
		}
		log.Debug("input loaded",
			zap.String("path", input),
			zap.Int("rows", a.Rows()),
			zap.Int("shared", a.Cols()),
			zap.Int("cols", b.Cols()))

		var factory *app.Factory
		fxApp := app.New(cfg, log, &factory)
		if err := fxApp.Start(c.Context); err != nil {
			return err
		}
		defer func() {
			if err := fxApp.Stop(context.Background()); err != nil {
				log.Warn("failed to stop", zap.Error(err))
			}
		}()

		mul, err := factory.New(req)
		if err != nil {
			return fmt.Errorf("unable to create multiplier: %w", err)
		}

		info, err := mul.Info()
		if err != nil {
			return fmt.Errorf("unable to get multiplier info: %w", err)
		}
		out := c.App.Writer
		if info.Accelerated {
			fmt.Fprintf(out, "Platform: %s\n", info.PlatformName)
			fmt.Fprintf(out, "Device: %s\n", info.DeviceName)
		} else {
			fmt.Fprintln(out, "multiplication does not use an accelerator")
		}

		ctx := c.Context
		if cfg.Multiplier.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Multiplier.Timeout)
			defer cancel()
		}

		res, err := mul.Multiply(ctx, a, b)
		if err != nil {
			return fmt.Errorf("unable to multiply matrices: %w", err)
		}

		stat, _ := mul.Stat()
		fmt.Fprintf(out, "Total time: %d ms\n", stat.TotalMs)
		fmt.Fprintf(out, "Kernel time: %d ms\n", stat.AcceleratorMs)

		if c.Bool("verify") {
			want, err := matrix.MulReference(a, b)
			if err != nil {
				return err
			}
			if !want.Equal(res) {
				return fmt.Errorf("result differs from the reference product by %v or more", matrix.Tolerance)
			}
			fmt.Fprintln(out, "Verified against reference product")
		}

		if err := writeOutput(output, res); err != nil {
			return fmt.Errorf("unable to write results: %w", err)
		}
		return nil
	}
}

func isCBOR(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".cbor")
}

func readInput(path string) (*matrix.Matrix, *matrix.Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	if isCBOR(path) {
		return matrix.ReadPairCBOR(f)
	}
	return matrix.ReadPair(f)
}

func writeOutput(path string, m *matrix.Matrix) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	var write func(io.Writer, *matrix.Matrix) error = matrix.WriteText
	if isCBOR(path) {
		write = matrix.WriteCBOR
	}
	return write(f, m)
}
