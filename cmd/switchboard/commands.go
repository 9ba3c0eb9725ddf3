package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/switchboard/internal/auth"
	"github.com/haasonsaas/switchboard/internal/config"
)

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration valid: %s\n", configPath)
			fmt.Fprintf(out, "  provider: %s\n", cfg.LLM.DefaultProvider)
			fmt.Fprintf(out, "  profiles: %d, rules: %d, intent rules: %d\n",
				len(cfg.Routing.Profiles), len(cfg.Routing.Rules), len(cfg.Augment.Rules))
			fmt.Fprintf(out, "  controllers: cad=%t chart=%t\n",
				cfg.Controllers.CAD.Enabled, cfg.Controllers.Chart.Enabled)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return nil
		},
	}
}

// buildTokenCmd creates the "token" command that mints a bearer token for /chat.
func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		subject    string
		name       string
		expiry     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT accepted by /chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}
			if expiry <= 0 {
				expiry = cfg.Auth.TokenExpiry
			}
			token, err := auth.NewJWTService(cfg.Auth.JWTSecret, expiry).Generate(subject, name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVar(&subject, "subject", "cli", "Token subject")
	cmd.Flags().StringVar(&name, "name", "", "Display name claim")
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "Token lifetime (default: auth.token_expiry)")
	return cmd
}
