package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/skillgate/internal/approval"
)

var pinCost int

// PIN читается только со stdin: аргумент остался бы в истории оболочки.
var pinHashCmd = &cobra.Command{
	Use:   "pin-hash",
	Short: "Hash an approval PIN read from stdin for approval.pin_hash",
	Args:  cobra.NoArgs,
	RunE:  runPinHash,
}

func init() {
	pinHashCmd.Flags().IntVar(&pinCost, "cost", bcrypt.DefaultCost, "bcrypt cost")
}

func runPinHash(cmd *cobra.Command, _ []string) error {
	sc := bufio.NewScanner(cmd.InOrStdin())
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return err
		}
		return errors.New("no pin on stdin")
	}
	pin := strings.TrimRight(sc.Text(), "\r")
	hash, err := approval.HashPIN(pin, pinCost)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
	return err
}
