package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/segment-cli/internal/archive"
	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/resilience"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect archived model interactions",
	Long:  "Commands for listing, reading and verifying the raw prompts and responses archived for each run.",
}

var archiveListCmd = &cobra.Command{
	Use:   "list <run-id>",
	Short: "List archived interactions of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		arch, err := initArchive()
		if err != nil {
			return err
		}
		phase, _ := cmd.Flags().GetString("phase")

		refs, err := arch.List(cmd.Context(), args[0], model.Phase(phase))
		if err != nil {
			return eris.Wrap(err, "archive list")
		}
		if len(refs) == 0 {
			fmt.Fprintln(os.Stderr, "No archived interactions found.")
			return nil
		}
		for _, ref := range refs {
			fmt.Fprintln(os.Stdout, ref)
		}
		return nil
	},
}

var archiveShowCmd = &cobra.Command{
	Use:   "show <ref>",
	Short: "Print one archived interaction after verifying its checksum",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		arch, err := initArchive()
		if err != nil {
			return err
		}

		var rec any
		if isSnapshotRef(args[0]) {
			rec, err = arch.RetrieveSnapshot(cmd.Context(), args[0])
		} else {
			rec, err = arch.Retrieve(cmd.Context(), args[0])
		}
		if err != nil {
			return eris.Wrap(err, "archive show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

var archiveVerifyCmd = &cobra.Command{
	Use:   "verify <run-id>",
	Short: "Verify the checksum of every archived record of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		arch, err := initArchive()
		if err != nil {
			return err
		}
		return verifyArchive(cmd.Context(), os.Stdout, arch, args[0])
	},
}

func init() {
	archiveListCmd.Flags().String("phase", "", "narrow to one phase (segmentation, consolidation, refinement, prompts)")

	archiveCmd.AddCommand(archiveListCmd)
	archiveCmd.AddCommand(archiveShowCmd)
	archiveCmd.AddCommand(archiveVerifyCmd)
	rootCmd.AddCommand(archiveCmd)
}

func isSnapshotRef(ref string) bool {
	parts := strings.Split(ref, "/")
	return len(parts) >= 2 && parts[1] == archive.PromptsDir
}

// verifyArchive reads every record of a run and reports the ones that fail
// verification. It returns an integrity error when any does.
func verifyArchive(ctx context.Context, out io.Writer, arch *archive.Archive, runID string) error {
	refs, err := arch.List(ctx, runID, "")
	if err != nil {
		return eris.Wrap(err, "archive verify")
	}

	var bad int
	for _, ref := range refs {
		if isSnapshotRef(ref) {
			_, err = arch.RetrieveSnapshot(ctx, ref)
		} else {
			_, err = arch.Retrieve(ctx, ref)
		}
		if err != nil {
			if !errors.Is(err, resilience.ErrIntegrity) {
				return eris.Wrapf(err, "archive verify %s", ref)
			}
			bad++
			zap.L().Warn("archive record failed verification", zap.String("ref", ref), zap.Error(err))
			_, _ = fmt.Fprintf(out, "FAIL\t%s\n", ref)
		}
	}

	_, _ = fmt.Fprintf(out, "%d records, %d failed verification\n", len(refs), bad)
	if bad > 0 {
		return eris.Wrapf(resilience.ErrIntegrity, "archive verify: %d of %d records of run %s are corrupt", bad, len(refs), runID)
	}
	return nil
}
