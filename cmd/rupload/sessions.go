package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/bitrise-io/go-resumable/session"
	"github.com/bitrise-io/go-resumable/upload"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

func newSessionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage interrupted upload sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List unfinished upload sessions",
		Args:  cobra.NoArgs,
		RunE:  a.runSessionsList,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "resume <id>",
		Short: "Continue an interrupted file upload",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runSessionsResume,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "forget <id>",
		Short: "Remove an upload session from the database",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runSessionsForget,
	})

	return cmd
}

func (a *app) runSessionsList(cmd *cobra.Command, _ []string) error {
	registry, err := a.openRegistry(true)
	if err != nil {
		return err
	}
	defer a.closeRegistry(registry)

	records, err := registry.List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROGRESS\tSOURCE\tUPDATED\tLAST ERROR")
	for _, record := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			record.ID, progress(record), valueOrDash(record.SourcePath),
			record.UpdatedAt.Local().Format(time.RFC3339), valueOrDash(record.LastError))
	}
	return w.Flush()
}

func (a *app) runSessionsResume(cmd *cobra.Command, args []string) error {
	registry, err := a.openRegistry(true)
	if err != nil {
		return err
	}
	defer a.closeRegistry(registry)

	id := args[0]
	record, err := registry.Get(id)
	if err != nil {
		return err
	}
	if record.SourcePath == "" {
		return fmt.Errorf("session %s has no file source to resume from", id)
	}

	f, err := registry.Attach(id, a.uploadConfig(registry))
	if err != nil {
		return err
	}

	a.logger.Infof("Resuming %s from %s", record.SourcePath, units.HumanSizeWithPrecision(float64(record.Offset), 3))
	if err := f.Start(context.Background(), nil); err != nil {
		return err
	}
	if err := a.wait(commandContext(cmd), f); err != nil {
		return err
	}

	a.logger.Donef("Uploaded %s", record.SourcePath)
	return nil
}

func (a *app) runSessionsForget(_ *cobra.Command, args []string) error {
	registry, err := a.openRegistry(true)
	if err != nil {
		return err
	}
	defer a.closeRegistry(registry)

	if err := registry.Forget(args[0]); err != nil {
		return err
	}
	a.logger.Donef("Removed session %s", args[0])
	return nil
}

func progress(record session.Record) string {
	confirmed := units.HumanSizeWithPrecision(float64(record.Offset), 3)
	if record.TotalLength == upload.UnknownLength {
		return confirmed
	}
	return fmt.Sprintf("%s/%s", confirmed, units.HumanSizeWithPrecision(float64(record.TotalLength), 3))
}

func valueOrDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
