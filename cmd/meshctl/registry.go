package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Bidon15/peermesh/internal/config"
	"github.com/Bidon15/peermesh/internal/registry"
)

func newRegistryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect the node registry",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "List registry nodes",
		Long:  "List every node in the registry with its endpoint, EID and chain id. No RPC is needed.",
		RunE:  runRegistryShow,
	}

	cmd.AddCommand(showCmd)
	return cmd
}

func runRegistryShow(cmd *cobra.Command, _ []string) error {
	path, err := resolveRegistryPath()
	if err != nil {
		return err
	}
	reg, err := registry.Load(path)
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(cmd.OutOrStdout(), map[string]interface{}{
			"nodes": reg.Nodes(),
			"links": reg.Links(),
		})
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tEID\tCHAIN ID\tENDPOINT")
	for _, n := range reg.Nodes() {
		chainID := "-"
		if n.ChainID != 0 {
			chainID = fmt.Sprintf("%d", n.ChainID)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", n.Name, n.EID, chainID, n.Endpoint)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "\n%d nodes, %d directed links\n", reg.Len(), reg.Links())
	return err
}

// resolveRegistryPath finds the registry file without requiring the rest of
// the configuration to be valid.
func resolveRegistryPath() (string, error) {
	if registryPath != "" {
		return registryPath, nil
	}
	v := viper.New()
	config.SetDefaults(v)
	config.BindEnv(v)
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return "", fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}
	return v.GetString("registry"), nil
}
