package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/hnm/internal/hnm"
	"github.com/fyrsmithlabs/hnm/internal/tensor"
)

func newValidateCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and print the stepping order",
		Long: `Validate loads the configuration, checks every section, builds the
hierarchy once to confirm it can be constructed, and prints the order in which
levels are stepped.

Examples:
  hnm validate --config ./hnm.yaml
  HNM_RUNTIME_TICK_RATE_HZ=50 hnm validate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			sys, err := hnm.NewSystem(tensor.NewBackend(tensor.WithSeed(cfg.Hierarchy.Seed)), cfg.Hierarchy.Levels, hnm.Options{})
			if err != nil {
				return fmt.Errorf("building hierarchy: %w", err)
			}
			defer sys.Dispose()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "configuration valid")
			fmt.Fprintf(out, "order: %s\n", strings.Join(sys.Order(), " -> "))
			fmt.Fprintf(out, "resonant level: %s\n\n", cfg.Runtime.ResonantLevel)

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LEVEL\tDIM\tINPUT\tDEPTH\tACTIVATION\tEXTERNAL")
			for _, name := range sys.Order() {
				m, _ := sys.Level(name)
				lc := m.Config()
				input := "sensory(" + fmt.Sprint(lc.RawSensoryInputDim) + ")"
				if !lc.IsLeaf() {
					input = "bu(" + strings.Join(lc.BUSources, ",") + ")"
				}
				if len(lc.TDSources) > 0 {
					input += " td(" + strings.Join(lc.TDSources, ",") + ")"
				}
				ext := "-"
				if lc.External != nil {
					ext = fmt.Sprintf("%s[%d] %s", lc.External.SourceSignalName, lc.External.Dim, lc.NMM.ExternalSignalRole)
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\t%s\n", lc.Name, lc.Dim, input, lc.NMM.Depth, lc.NMM.Activation, ext)
			}
			return w.Flush()
		},
	}
}

func newConfigCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long: `Config prints the configuration after defaults and environment overrides
are applied. Secrets are redacted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}
			return enc.Close()
		},
	}
}
