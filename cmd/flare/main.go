package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	apiclient "github.com/splax/buildflow/pkg/api/client"
)

var buildVersion = "dev"

const defaultPollInterval = 2 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:    "flare",
		Usage:   "deploy static sites from git repositories",
		Version: buildVersion,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "api",
				Usage:   "upload API base URL",
				Value:   "http://localhost:3000",
				EnvVars: []string{"FLARE_API"},
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "status polling interval",
				Value: defaultPollInterval,
			},
		},
		Commands: cli.Commands{
			&cli.Command{
				Name:      "deploy",
				Usage:     "upload a repository and queue it for building",
				ArgsUsage: "<repository-url>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "wait",
						Usage: "poll until the deployment is deployed or failed",
					},
				},
				Action: func(c *cli.Context) error {
					ref, err := requireArg(c, "repository url")
					if err != nil {
						return err
					}
					client, err := newClient(c)
					if err != nil {
						return err
					}
					defer client.Close()

					res, err := client.Deploy(c.Context, ref)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "deployment %s uploaded (%d files)\n", res.ID, len(res.Files))
					if !c.Bool("wait") {
						return nil
					}
					return watch(c.Context, c.App.Writer, client, res.ID, c.Duration("interval"))
				},
			},
			&cli.Command{
				Name:      "status",
				Usage:     "print the current status of a deployment",
				ArgsUsage: "<deployment-id>",
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, "deployment id")
					if err != nil {
						return err
					}
					client, err := newClient(c)
					if err != nil {
						return err
					}
					defer client.Close()

					status, found, err := client.Status(c.Context, id)
					if err != nil {
						return err
					}
					if !found {
						return fmt.Errorf("deployment %s not found", id)
					}
					fmt.Fprintf(c.App.Writer, "%s\t%s\n", id, status)
					return nil
				},
			},
			&cli.Command{
				Name:      "watch",
				Usage:     "poll a deployment until it reaches a terminal status",
				ArgsUsage: "<deployment-id>",
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, "deployment id")
					if err != nil {
						return err
					}
					client, err := newClient(c)
					if err != nil {
						return err
					}
					defer client.Close()
					return watch(c.Context, c.App.Writer, client, id, c.Duration("interval"))
				},
			},
		},
	}
}

func requireArg(c *cli.Context, name string) (string, error) {
	value := strings.TrimSpace(c.Args().First())
	if value == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return value, nil
}

func newClient(c *cli.Context) (*apiclient.Client, error) {
	return apiclient.New(c.String("api"))
}

var errDeploymentFailed = errors.New("deployment failed")

// watch prints each status transition and returns once the deployment is terminal.
func watch(ctx context.Context, out io.Writer, client *apiclient.Client, id string, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := ""
	for {
		status, found, err := client.Status(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("deployment %s not found", id)
		}
		if status != last {
			fmt.Fprintf(out, "%s\t%s\n", id, status)
			last = status
		}
		if apiclient.Terminal(status) {
			if status == "failed" {
				return fmt.Errorf("%w: %s", errDeploymentFailed, id)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
