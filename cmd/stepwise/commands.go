package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/mcp"
	"github.com/rendis/stepwise/pkg/schema"
)

// withApp runs fn against a freshly wired app and closes it afterwards.
func (c *cli) withApp(ctx context.Context, fn func(*app) error) error {
	a, err := newApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

func newMCPCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.withApp(ctx, func(a *app) error {
				srv := mcp.NewStepwiseServer(mcp.StepwiseServerDeps{Executor: a.executor, Logger: c.logger})
				return srv.Serve(ctx)
			})
		},
	}
}

func newCreateCmd(c *cli) *cobra.Command {
	var owner, input, metadata string
	cmd := &cobra.Command{
		Use:   "create <workflow-type>",
		Short: "Create a workflow execution positioned on its first step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseObject("input", input)
			if err != nil {
				return err
			}
			meta, err := parseObject("metadata", metadata)
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				exec, err := a.executor.Create(cmd.Context(), owner, args[0], in, meta)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), exec)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owner id recorded on the execution")
	cmd.Flags().StringVar(&input, "input", "", "Input data as a JSON object")
	cmd.Flags().StringVar(&metadata, "metadata", "", "Metadata as a JSON object")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newGetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get <execution-id>",
		Short: "Show a workflow execution with its step history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				exec, err := a.executor.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), exec)
			})
		},
	}
}

func newAdvanceCmd(c *cli) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "advance <execution-id>",
		Short: "Advance a workflow execution by exactly one step",
		Long: `Advance runs the current step's processor, or accepts --output as the
step result, validates it, and moves the execution to the next step. When the
step cannot be satisfied the execution is marked failed and printed before the
error is returned.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			external, err := parseObject("output", output)
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				exec, err := a.executor.Advance(cmd.Context(), args[0], external)
				if exec != nil {
					if perr := printJSON(cmd.OutOrStdout(), exec); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "Externally produced step output as a JSON object")
	return cmd
}

func newListCmd(c *cli) *cobra.Command {
	var (
		status, owner string
		types         []string
		limit, offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow executions, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := store.ExecutionFilter{
				OwnerID:       owner,
				WorkflowTypes: types,
				Limit:         limit,
				Offset:        offset,
			}
			if status != "" {
				st, err := parseStatus(status)
				if err != nil {
					return err
				}
				filter.Status = &st
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				execs, err := a.executor.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), execs)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status: active, completed, failed")
	cmd.Flags().StringVar(&owner, "owner", "", "Filter by owner id")
	cmd.Flags().StringSliceVar(&types, "type", nil, "Filter by workflow type (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum executions to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "Executions to skip")
	return cmd
}

func newOutputsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "outputs <execution-id>",
		Short: "List the step output log of a workflow execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				outs, err := a.executor.Outputs(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), outs)
			})
		},
	}
}

func newTypesCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List the registered workflow types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := buildRegistry(c.cfg, c.logger)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), reg.Types())
		},
	}
}

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore(cmd.Context(), c.cfg.Store, c.logger)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Migrate(cmd.Context()); err != nil {
				return err
			}
			c.logger.Info("store migrated", "driver", c.cfg.Store.Driver)
			return nil
		},
	}
}

// parseObject decodes a JSON object flag. An empty value yields nil.
func parseObject(name, raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidInput, "--%s must be a JSON object", name).WithCause(err)
	}
	return m, nil
}

func parseStatus(s string) (schema.WorkflowStatus, error) {
	st := schema.WorkflowStatus(s)
	switch st {
	case schema.WorkflowStatusActive, schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed:
		return st, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeInvalidInput, "unknown status %q", s)
}
