package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "Print the effective roster",
	Long:  `Print the users and bots that serve would push to the upstream.`,
	RunE:  runRoster,
}

func init() {
	rootCmd.AddCommand(rosterCmd)
}

func runRoster(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	r, err := loadRoster(cfg)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, "KIND\tUSERNAME\tNAME\tDETAIL")

	for _, u := range r.List() {
		detail := u.Email
		if u.IsAgent() {
			detail = u.Provider + "/" + u.Model
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", u.Kind, u.Username, u.Name, detail)
	}

	return tw.Flush()
}
