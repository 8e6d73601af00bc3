package app

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

type architectureInfo struct {
	Name     string   `json:"name" yaml:"name"`
	Variants []string `json:"variants" yaml:"variants"`
	Sources  []string `json:"sources" yaml:"sources"`
}

func (a *App) newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered architectures with their variants and sources",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var infos []architectureInfo
			t := tableData{headers: []string{"Architecture", "Variants", "Sources"}}
			for _, arch := range a.registry.ListModels() {
				variants, err := a.registry.ListVariants(arch)
				if err != nil {
					return err
				}
				sources, err := a.registry.ListSources(arch)
				if err != nil {
					return err
				}
				infos = append(infos, architectureInfo{Name: arch, Variants: variants, Sources: sources})
				t.rows = append(t.rows, []string{arch, strings.Join(variants, ", "), strings.Join(sources, ", ")})
			}
			return a.render(infos, t)
		},
	}
}

func (a *App) newVariantsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "variants <architecture>",
		Short: "List the variants of an architecture",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			variants, err := a.registry.ListVariants(args[0])
			if err != nil {
				return err
			}
			return a.render(variants, column("Variant", variants))
		},
	}
}

func (a *App) newSourcesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sources <architecture>",
		Short: "List the checkpoint sources an architecture can load",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			sources, err := a.registry.ListSources(args[0])
			if err != nil {
				return err
			}
			return a.render(sources, column("Source", sources))
		},
	}
}

func (a *App) newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(a.out, "fms %s\n", a.version)
			return err
		},
	}
}

func column(header string, values []string) tableData {
	t := tableData{headers: []string{header}}
	for _, v := range values {
		t.rows = append(t.rows, []string{v})
	}
	return t
}
