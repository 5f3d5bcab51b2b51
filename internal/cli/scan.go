package cli

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/xela07ax/skillgate/internal/manifest"
	"github.com/xela07ax/skillgate/internal/safety"
	"github.com/xela07ax/skillgate/internal/source"
)

var scanManifest string

// errFindings: скан отработал, но бандл не прошел бы статическую проверку шлюза.
var errFindings = errors.New("bundle has safety findings")

var scanCmd = &cobra.Command{
	Use:   "scan <bundle-dir>",
	Short: "Run the static safety scan over a bundle directory",
	Long:  "scan runs the same static checks the gateway applies before a trial run. Exits non-zero when anything is found.",
	Args:  cobra.ExactArgs(1),
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().StringVarP(&scanManifest, "manifest", "m", "", "manifest path (default <bundle-dir>/skill.yaml)")
}

func runScan(cmd *cobra.Command, args []string) error {
	dir := args[0]
	mpath := scanManifest
	if mpath == "" {
		mpath = filepath.Join(dir, "skill.yaml")
	}
	m, err := manifest.Load(mpath)
	if err != nil {
		return fmt.Errorf("manifest %s: %w", mpath, err)
	}
	bundle, err := source.LoadDir(dir, source.DefaultLimits())
	if err != nil {
		return fmt.Errorf("bundle %s: %w", dir, err)
	}

	rep := safety.NewStaticAnalyzer(safety.DefaultLimits()).Inspect(cmd.Context(), m, bundle)
	logger().Debug("scan finished")

	out := cmd.OutOrStdout()
	if jsonOutput {
		if err := printJSON(out, rep); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "%s: %d files, %d bytes\n", m.Key(), rep.Files, rep.Bytes)
		for _, f := range rep.Findings {
			where := f.File
			if f.Line > 0 {
				where = fmt.Sprintf("%s:%d", f.File, f.Line)
			}
			fmt.Fprintf(out, "  %-22s %-28s %s\n", f.Rule, where, f.Message)
		}
		if rep.Clear() {
			fmt.Fprintln(out, "CLEAR")
		}
	}
	if !rep.Clear() {
		return fmt.Errorf("%w: %s", errFindings, rep.Reason())
	}
	return nil
}
