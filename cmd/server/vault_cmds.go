package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/better-wallet/walletbridge/internal/crypto"
	apperrors "github.com/better-wallet/walletbridge/pkg/errors"
)

var (
	importSeed     bool
	shareThreshold int
	shareTotal     int
	confirmReset   bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the wallet vault",
	Long: `Create the wallet vault from a fresh random seed, or from a hex seed read
from stdin with --import. The password is read from stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := openCore(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		var seed []byte
		if importSeed {
			raw, err := readSecret("Seed (hex): ")
			if err != nil {
				return err
			}
			seed, err = hex.DecodeString(strings.TrimPrefix(string(raw), "0x"))
			crypto.Wipe(raw)
			if err != nil {
				return errors.New("seed is not valid hex")
			}
			defer crypto.Wipe(seed)
		}

		password, err := readNewPassword("New password: ")
		if err != nil {
			return err
		}
		defer crypto.Wipe(password)

		if err := c.vault.Create(ctx, password, seed); err != nil {
			if errors.Is(err, apperrors.ErrAlreadyExists) {
				return errors.New("a wallet already exists in this data directory")
			}
			return err
		}

		accounts, err := c.vault.Accounts(ctx)
		if err != nil {
			return err
		}
		for _, a := range accounts {
			fmt.Printf("%s  %s\n", a.Address.Hex(), a.Path)
		}
		return nil
	},
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the vault password",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := openCore(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		current, err := readSecret("Current password: ")
		if err != nil {
			return err
		}
		defer crypto.Wipe(current)
		next, err := readNewPassword("New password: ")
		if err != nil {
			return err
		}
		defer crypto.Wipe(next)

		if err := c.vault.ChangePassword(ctx, current, next); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "Password changed.")
		return nil
	},
}

var exportSharesCmd = &cobra.Command{
	Use:   "export-shares",
	Short: "Split the seed into Shamir recovery shares",
	Long: `Split the seed into --total shares, any --threshold of which rebuild it.
Each share is printed as one hex line. Store them apart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := openCore(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		password, err := readSecret("Password: ")
		if err != nil {
			return err
		}
		defer crypto.Wipe(password)

		shares, err := c.vault.ExportShares(ctx, password, shareThreshold, shareTotal)
		if err != nil {
			return err
		}
		for _, s := range shares {
			fmt.Println(hex.EncodeToString(s))
			crypto.Wipe(s)
		}
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Rebuild the vault from recovery shares",
	Long: `Rebuild the vault from --threshold recovery shares, read one hex line at a
time from stdin, and seal it under a new password.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := openCore(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		shares := make([][]byte, 0, shareThreshold)
		defer func() {
			for _, s := range shares {
				crypto.Wipe(s)
			}
		}()
		for i := 0; i < shareThreshold; i++ {
			line, err := readSecret(fmt.Sprintf("Share %d: ", i+1))
			if err != nil {
				return err
			}
			share, err := hex.DecodeString(string(line))
			crypto.Wipe(line)
			if err != nil {
				return fmt.Errorf("share %d is not valid hex", i+1)
			}
			if err := crypto.ValidateShare(share); err != nil {
				crypto.Wipe(share)
				return fmt.Errorf("share %d: %w", i+1, err)
			}
			shares = append(shares, share)
		}

		password, err := readNewPassword("New password: ")
		if err != nil {
			return err
		}
		defer crypto.Wipe(password)

		if err := c.vault.Restore(ctx, shares, password); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "Wallet restored.")
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the vault and every site permission",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !confirmReset {
			return errors.New("reset deletes the wallet; pass --yes to confirm")
		}
		ctx := cmd.Context()
		c, err := openCore(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		password, err := readSecret("Password: ")
		if err != nil {
			return err
		}
		defer crypto.Wipe(password)

		if err := c.vault.Delete(ctx, password); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "Wallet deleted.")
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&importSeed, "import", false, "read an existing hex seed from stdin")

	for _, cmd := range []*cobra.Command{exportSharesCmd, restoreCmd} {
		cmd.Flags().IntVar(&shareThreshold, "threshold", 2, "shares needed to rebuild the seed")
	}
	exportSharesCmd.Flags().IntVar(&shareTotal, "total", 3, "shares to create")

	resetCmd.Flags().BoolVar(&confirmReset, "yes", false, "confirm deleting the wallet")
}
