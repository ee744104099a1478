package main

import (
	"encoding/json"

	appErr "phcode/pkg/errors"

	"github.com/spf13/cobra"
)

func newCapsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "caps",
		Short: "Print what the configured sandbox backend enforces on this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := a.newEngine()
			if err != nil {
				return err
			}
			defer func() {
				_ = eng.Close()
			}()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(eng.Capabilities()); err != nil {
				return appErr.Wrapf(err, appErr.InternalServerError, "encode capabilities failed")
			}
			return nil
		},
	}
}
