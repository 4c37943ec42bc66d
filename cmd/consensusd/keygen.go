package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"consensus-core/internal/crypto"
)

func keygenCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 consensus key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := crypto.GenerateSigner()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "id:      %s\n", s.ID())
			fmt.Fprintf(w, "pubkey:  %x\n", s.PubKey())
			if out == "" {
				fmt.Fprintf(w, "privkey: %s\n", s.PrivKeyHex())
				return nil
			}
			if err := crypto.SaveKey(out, s); err != nil {
				return err
			}
			fmt.Fprintf(w, "key written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the key file here instead of printing the private key")
	return cmd
}
