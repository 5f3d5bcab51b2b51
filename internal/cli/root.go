// Package cli: команды skillctl для авторов навыков и операторов шлюза.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	verbose    bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:          "skillctl",
	Short:        "skillctl: offline checks for skill manifests, bundles and policy rules",
	Long:         "skillctl validates manifests, runs the static safety scan over a bundle, hashes approval PINs and prints the default policy rules.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(pinHashCmd)
	rootCmd.AddCommand(rulesCmd)
}

func SetVersionInfo(version, commit string) {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("skillctl %s (commit: %s)\n", version, commit))
}

// Execute запускает корневую команду. Ненулевой код выхода на любую ошибку.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// logger: в CLI по умолчанию тихо, -v включает development-логгер zap.
func logger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
