package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/gotidarr/internal/config"
)

func newConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the config file and print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			redact(cfg)
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			cmd.Println("config ok")
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}

const redacted = "<redacted>"

// redact masks credentials before the config is printed.
func redact(cfg *config.Config) {
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&cfg.Server.APIKey)
	t := &cfg.PostProcess.Targets
	mask(&t.Plex.Token)
	mask(&t.Jellyfin.APIKey)
	mask(&t.Gotify.Token)
	mask(&t.Ntfy.Token)
}
