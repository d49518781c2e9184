package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/garyjia/stageflow/internal/application/workflow"
	"github.com/garyjia/stageflow/internal/container"
	"github.com/garyjia/stageflow/internal/domain/entity"
	domainwf "github.com/garyjia/stageflow/internal/domain/workflow"
)

var (
	advanceData  string
	cancelReason string
	exportOutput string
	listType     string
	listStage    string
	listStatus   string
	listLimit    int
)

var statusCmd = &cobra.Command{
	Use:   "status <instance-id>",
	Short: "Show the current stage, open actions and history of an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withContainer(cmd.Context(), func(c *container.Container) error {
			view, err := c.WorkflowEngine().Status(cmd.Context(), id, currentActor())
			if err != nil {
				return err
			}
			return printJSON(view)
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <instance-id>",
	Short: "Print the audit trail of an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withContainer(cmd.Context(), func(c *container.Container) error {
			records, err := c.WorkflowEngine().History(cmd.Context(), id)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tACTION\tOUTCOME\tFROM\tTO\tACTOR\tREASON")
			for _, r := range records {
				from := "-"
				if r.FromStage != nil {
					from = *r.FromStage
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.Timestamp.Format("2006-01-02 15:04:05"), r.Action, r.Outcome, from, r.ToStage, r.ActorID, r.Reason)
			}
			return w.Flush()
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List instances, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd.Context(), func(c *container.Container) error {
			instances, err := c.WorkflowEngine().List(cmd.Context(), entity.InstanceFilter{
				WorkflowType: listType,
				Stage:        listStage,
				Status:       domainwf.Status(strings.ToLower(listStatus)),
				Limit:        listLimit,
			})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tREFERENCE\tSTAGE\tSTATUS\tUPDATED")
			for _, i := range instances {
				fmt.Fprintf(w, "%d\t%s\t%s/%s\t%s\t%s\t%s\n",
					i.ID, i.WorkflowType, i.ReferenceType, i.ReferenceID, i.CurrentStage, i.Status,
					i.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		})
	},
}

var advanceCmd = &cobra.Command{
	Use:   "advance <instance-id> <action>",
	Short: "Take an action on an instance as --actor",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		data, err := parseData(advanceData)
		if err != nil {
			return err
		}
		return withContainer(cmd.Context(), func(c *container.Container) error {
			result, err := c.WorkflowEngine().Advance(cmd.Context(), id, currentActor(), args[1], data)
			return printResult(result, err)
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <instance-id>",
	Short: "Cancel an active instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withContainer(cmd.Context(), func(c *container.Container) error {
			result, err := c.WorkflowEngine().Cancel(cmd.Context(), id, currentActor(), cancelReason)
			return printResult(result, err)
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <instance-id>",
	Short: "Write the audit trail of an instance to an Excel workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if exportOutput == "" {
			exportOutput = fmt.Sprintf("instance-%d-history.xlsx", id)
		}
		return withContainer(cmd.Context(), func(c *container.Container) error {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("create %s: %w", exportOutput, err)
			}
			if err := c.Services().Report.ExportHistory(cmd.Context(), id, f); err != nil {
				_ = f.Close()
				_ = os.Remove(exportOutput)
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "wrote %s\n", exportOutput)
			return nil
		})
	},
}

func init() {
	listCmd.Flags().StringVarP(&listType, "type", "t", "", "filter by workflow type")
	listCmd.Flags().StringVar(&listStage, "stage", "", "filter by current stage")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (active, completed, cancelled, failed)")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "maximum number of instances")

	advanceCmd.Flags().StringVarP(&advanceData, "data", "d", "", "action payload as a JSON object")
	cancelCmd.Flags().StringVarP(&cancelReason, "reason", "r", "", "reason recorded in the audit trail")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default instance-<id>-history.xlsx)")

	rootCmd.AddCommand(statusCmd, historyCmd, listCmd, advanceCmd, cancelCmd, exportCmd)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid instance id %q", s)
	}
	return id, nil
}

func parseData(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return nil, nil
	}
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("--data must be a JSON object: %w", err)
	}
	return data, nil
}

func printResult(result *workflow.Result, err error) error {
	if result != nil {
		if perr := printJSON(result); perr != nil {
			return errors.Join(err, perr)
		}
	}
	return err
}
