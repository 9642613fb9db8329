package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "playbookctl",
		Short: "CLI for the playbook engine",
		Long: `playbookctl drives SEO automation playbooks on a playbook server.

Settings are read from flags, then PLAYBOOKCTL_* environment variables,
then ~/.playbookctl.yaml. For example:

  server: http://localhost:8080
  project: shop-1
  user: alice
  role: EDITOR`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cfgFile)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default $HOME/.playbookctl.yaml)")
	flags.String("server", "http://localhost:8080", "Playbook server URL")
	flags.StringP("output", "o", "table", "Output format: table, json, yaml")
	flags.StringP("project", "p", "", "Project ID")
	flags.String("user", "", "Acting user, sent as X-Remote-User")
	flags.String("role", "", "Acting role (VIEWER, EDITOR or OWNER), sent as X-User-Role")
	flags.String("token", "", "Bearer token")
	for _, name := range []string{"server", "output", "project", "user", "role", "token"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(
		newHealthCmd(),
		newPlaybooksCmd(),
		newEstimateCmd(),
		newPreviewCmd(),
		newGenerateCmd(),
		newLatestCmd(),
		newApplyCmd(),
		newDraftsCmd(),
		newApprovalsCmd(),
		newInvalidateCmd(),
		newJobsCmd(),
	)
	return root
}

func initConfig(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigName(".playbookctl")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("PLAYBOOKCTL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func outputFormat() string {
	return strings.ToLower(viper.GetString("output"))
}

// projectPath returns the API path of the configured project.
func projectPath() (string, error) {
	project := viper.GetString("project")
	if project == "" {
		return "", fmt.Errorf("no project set (use --project or PLAYBOOKCTL_PROJECT)")
	}
	return apiBase + "/projects/" + url.PathEscape(project), nil
}
