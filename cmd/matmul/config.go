package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fxnlabs/gpu-matmul/fixtures"
	"github.com/urfave/cli/v2"
)

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the configuration file",
		Subcommands: []*cli.Command{
			{
				Name:      "init",
				Usage:     "Write the default configuration to PATH",
				ArgsUsage: "PATH",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing file"},
				},
				Action: func(c *cli.Context) error {
					path := c.Args().First()
					if path == "" {
						path = "config.yaml"
					}
					if !c.Bool("force") {
						if _, err := os.Stat(path); err == nil {
							return fmt.Errorf("%s already exists, use --force to overwrite it", path)
						} else if !errors.Is(err, fs.ErrNotExist) {
							return err
						}
					}
					if err := os.WriteFile(path, fixtures.ConfigTemplate, 0o644); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "Configuration written to %s\n", path)
					return nil
				},
			},
		},
	}
}
