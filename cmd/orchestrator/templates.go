package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/doravidan/vibing2-sub003/internal/templates"
	"github.com/doravidan/vibing2-sub003/pkg/types"
)

var templatesDir string

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List available workflow templates",
	Long: `List the built-in templates and those found in the template directory
(--dir or TEMPLATE_DIR). Templates in the directory replace built-ins with
the same ID.`,
	RunE: listTemplates,
}

func init() {
	templatesCmd.Flags().StringVar(&templatesDir, "dir", "", "Template directory (overrides TEMPLATE_DIR)")
}

func listTemplates(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	dir := cfg.TemplateDir
	if templatesDir != "" {
		dir = templatesDir
	}

	list, err := templates.Builtins()
	if err != nil {
		return err
	}
	if dir != "" {
		local, err := templates.LoadDir(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", color.YellowString("warning:"), err)
		}
		list = append(list, local...)
	}

	store := templates.NewMemoryStore()
	if err := templates.Sync(cmd.Context(), store, list); err != nil {
		return err
	}
	metas, err := store.List(cmd.Context(), nil)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tTASKS\tTAGS\tSOURCE")
	for _, m := range metas {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			m.ID, m.Version, m.TaskCount, strings.Join(m.Tags, ","), shortSource(m))
	}
	return w.Flush()
}

func shortSource(m *types.TemplateMeta) string {
	if strings.HasPrefix(m.Source, "builtin:") {
		return "builtin"
	}
	return m.Source
}
