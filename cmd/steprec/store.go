package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

var (
	exportOut         string
	exportScreenshots bool
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the recording session and record counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rec, err := openRecorder()
		if err != nil {
			return err
		}
		defer rec.Close()

		stats, err := rec.Stats(cmd.Context())
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if stats.IsRecording && stats.StartTime != nil {
			fmt.Fprintf(w, "recording since %s\n", stats.StartTime.Local().Format(time.DateTime))
		} else {
			fmt.Fprintln(w, "not recording")
		}
		fmt.Fprintf(w, "%d operations, %d with screenshots\n", stats.Total, stats.Screenshots)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded operations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rec, err := openRecorder()
		if err != nil {
			return err
		}
		defer rec.Close()

		ops, err := rec.Operations(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "#\tTIME\tELEMENT\tX,Y\tSHOT\tURL")
		for i, op := range ops {
			shot := "-"
			if op.HasScreenshot() {
				shot = "yes"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d,%d\t%s\t%s\n", i+1,
				op.Time().Local().Format(time.TimeOnly), op.Element,
				op.Coordinates.X, op.Coordinates.Y, shot, op.URL)
		}
		return tw.Flush()
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every recorded operation",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rec, err := openRecorder()
		if err != nil {
			return err
		}
		defer rec.Close()

		if err := rec.ClearRecords(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "records cleared")
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export recorded operations as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rec, err := openRecorder()
		if err != nil {
			return err
		}
		defer rec.Close()

		ops, err := rec.Operations(cmd.Context())
		if err != nil {
			return err
		}
		if !exportScreenshots {
			for i := range ops {
				ops[i].Screenshot = nil
			}
		}

		var w io.Writer = cmd.OutOrStdout()
		if exportOut != "" && exportOut != "-" {
			f, err := os.Create(exportOut)
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			defer f.Close()
			w = f
		}
		data, err := json.MarshalIndent(ops, "", "  ")
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("export: %w", err)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default stdout)")
	exportCmd.Flags().BoolVar(&exportScreenshots, "screenshots", true, "include screenshot data URLs")
}
