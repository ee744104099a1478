package main

import (
	"encoding/json"

	"phcode/internal/sandbox/screen"
	appErr "phcode/pkg/errors"

	"github.com/spf13/cobra"
)

type checkReport struct {
	Source          string `json:"source"`
	Allowed         bool   `json:"allowed"`
	ViolatedPattern string `json:"violatedPattern,omitempty"`
	Message         string `json:"message,omitempty"`
}

func newCheckCommand(_ *app) *cobra.Command {
	opts := &sourceOptions{}
	cmd := &cobra.Command{
		Use:   "check [flags] [source files...]",
		Short: "Screen sources against the denylist without compiling them",
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := opts.names(args)
			if err != nil {
				return err
			}
			reader, err := newSourceReader(cmd.InOrStdin(), names, opts.urlEncoded)
			if err != nil {
				return err
			}

			screener := screen.Default()
			reports := make([]checkReport, 0, len(names))
			rejected := 0
			for _, name := range names {
				code, err := reader.read(name)
				if err != nil {
					return err
				}
				v := screener.Screen(code)
				if !v.Allowed {
					rejected++
				}
				reports = append(reports, checkReport{
					Source:          name,
					Allowed:         v.Allowed,
					ViolatedPattern: v.ViolatedPattern,
					Message:         v.Message(),
				})
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetEscapeHTML(false)
			enc.SetIndent("", "  ")
			if err := enc.Encode(reports); err != nil {
				return appErr.Wrapf(err, appErr.InternalServerError, "encode report failed")
			}
			if rejected > 0 {
				return appErr.Newf(appErr.SecurityViolation, "%d of %d sources rejected", rejected, len(names))
			}
			return nil
		},
	}
	opts.register(cmd)
	return cmd
}
