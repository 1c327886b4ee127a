package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/tallybook/flowengine/backend"
	"github.com/tallybook/flowengine/client"
	"github.com/tallybook/flowengine/core"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

var tenantFlag = &cli.StringFlag{
	Name:    "tenant",
	Usage:   "Tenant ID",
	Value:   "default",
	Sources: cli.EnvVars("TENANT_ID"),
}

func newMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			b, err := openBackend(cmd.String("database-url"), int(cmd.Int("db-max-conns")))
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.Migrate(); err != nil {
				return fmt.Errorf("migrating database: %w", err)
			}

			fmt.Println("database is up to date")

			return nil
		},
	}
}

func newPublishCommand() *cli.Command {
	return &cli.Command{
		Name:      "publish",
		Usage:     "Publish a new version of a workflow definition",
		ArgsUsage: "<key>",
		Flags: []cli.Flag{
			tenantFlag,
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "State machine definition (YAML or JSON)",
				Required: true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			key := cmd.Args().First()
			if key == "" {
				key = strings.TrimSuffix(filepath.Base(cmd.String("file")), filepath.Ext(cmd.String("file")))
			}

			spec, err := readDefinition(cmd.String("file"))
			if err != nil {
				return err
			}

			return withClient(ctx, cmd, func(c *client.Client) error {
				def, err := c.PublishDefinition(ctx, cmd.String("tenant"), key, spec)
				if err != nil {
					return err
				}

				fmt.Printf("published %s version %d (%s)\n", def.Key, def.Version, def.ID)

				return nil
			})
		},
	}
}

func newStartCommand() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "Start a workflow instance",
		ArgsUsage: "<definition key>",
		Flags: []cli.Flag{
			tenantFlag,
			&cli.IntFlag{
				Name:  "version",
				Usage: "Definition version, the latest active version if not set",
			},
			&cli.StringFlag{
				Name:  "business-key",
				Usage: "Business key, starting again with the same key returns the existing instance",
			},
			&cli.StringFlag{
				Name:  "context",
				Usage: "Initial context as a JSON object",
				Value: "{}",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			key := cmd.Args().First()
			if key == "" {
				return fmt.Errorf("definition key is required")
			}

			var initial map[string]any
			if err := json.Unmarshal([]byte(cmd.String("context")), &initial); err != nil {
				return fmt.Errorf("decoding context: %w", err)
			}

			return withClient(ctx, cmd, func(c *client.Client) error {
				i, err := c.StartWorkflow(ctx, client.StartOptions{
					TenantID:      cmd.String("tenant"),
					DefinitionKey: key,
					Version:       int(cmd.Int("version")),
					BusinessKey:   cmd.String("business-key"),
					Context:       initial,
				})
				if err != nil {
					return err
				}

				fmt.Println(i.ID)

				return nil
			})
		},
	}
}

func newCompleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "complete",
		Usage:     "Complete a pending human task",
		ArgsUsage: "<task id>",
		Flags: []cli.Flag{
			tenantFlag,
			&cli.StringFlag{
				Name:  "output",
				Usage: "Task output as a JSON object",
				Value: "{}",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			taskID := cmd.Args().First()
			if taskID == "" {
				return fmt.Errorf("task id is required")
			}

			var output map[string]any
			if err := json.Unmarshal([]byte(cmd.String("output")), &output); err != nil {
				return fmt.Errorf("decoding output: %w", err)
			}

			return withClient(ctx, cmd, func(c *client.Client) error {
				return c.CompleteHumanTask(ctx, cmd.String("tenant"), taskID, output)
			})
		},
	}
}

func newCancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a workflow instance",
		ArgsUsage: "<instance id>",
		Flags: []cli.Flag{
			tenantFlag,
			&cli.StringFlag{
				Name:  "reason",
				Usage: "Reason recorded with the cancellation",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			instanceID := cmd.Args().First()
			if instanceID == "" {
				return fmt.Errorf("instance id is required")
			}

			return withClient(ctx, cmd, func(c *client.Client) error {
				return c.CancelWorkflow(ctx, cmd.String("tenant"), instanceID, cmd.String("reason"))
			})
		},
	}
}

func newListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List workflow instances as JSON lines",
		Flags: []cli.Flag{
			tenantFlag,
			&cli.StringFlag{
				Name:  "status",
				Usage: "Only list instances with this status",
			},
			&cli.IntFlag{
				Name:  "limit",
				Value: backend.DefaultListLimit,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			opts := []backend.ListOption{backend.WithPage(int(cmd.Int("limit")), 0)}
			if status := cmd.String("status"); status != "" {
				opts = append(opts, backend.WithStatus(core.InstanceStatus(strings.ToUpper(status))))
			}

			return withClient(ctx, cmd, func(c *client.Client) error {
				instances, err := c.ListInstances(ctx, cmd.String("tenant"), opts...)
				if err != nil {
					return err
				}

				enc := json.NewEncoder(os.Stdout)
				for _, i := range instances {
					if err := enc.Encode(i); err != nil {
						return err
					}
				}

				return nil
			})
		},
	}
}

func newStatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show active instance and task counts",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withClient(ctx, cmd, func(c *client.Client) error {
				s, err := c.GetStats(ctx)
				if err != nil {
					return err
				}

				fmt.Printf("active instances: %d\npending tasks: %d\nrunning tasks: %d\n",
					s.ActiveInstances, s.PendingTasks, s.RunningTasks)

				return nil
			})
		},
	}
}

func withClient(ctx context.Context, cmd *cli.Command, f func(c *client.Client) error) error {
	b, err := openBackend(cmd.String("database-url"), int(cmd.Int("db-max-conns")))
	if err != nil {
		return err
	}
	defer b.Close()

	q, closer, err := openQueue(ctx, cmd, clock.New())
	if err != nil {
		return err
	}
	defer closer.Close()

	return f(client.New(b, q))
}

// readDefinition loads a definition file. YAML is converted to the JSON form definitions are
// validated and stored in.
func readDefinition(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading definition: %w", err)
	}

	if ext := filepath.Ext(path); ext == ".json" {
		return data, nil
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding definition: %w", err)
	}

	return json.Marshal(doc)
}
