package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/crisis-escalation/internal/export"
)

var (
	exportFormat string
	exportLimit  int
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write clinician-labelled training examples",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := export.ParseFormat(exportFormat)
		if err != nil {
			return err
		}

		a, err := newApp(cfg, logger, false)
		if err != nil {
			return err
		}
		defer a.Close()

		data, err := a.exporter.Export(cmd.Context(), format, exportLimit)
		if err != nil {
			return eris.Wrap(err, "export training data")
		}

		if exportOut == "" || exportOut == "-" {
			_, err = cmd.OutOrStdout().Write(data)
			return eris.Wrap(err, "write training data")
		}
		if err := os.WriteFile(exportOut, data, 0o644); err != nil {
			return eris.Wrapf(err, "write %s", exportOut)
		}
		logger.Info("Training data exported",
			zap.String("path", exportOut),
			zap.String("format", string(format)),
			zap.Int("bytes", len(data)))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "output format: jsonl or csv")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 1000, "maximum number of examples")
	exportCmd.Flags().StringVar(&exportOut, "out", "-", "output file, - for stdout")
}
