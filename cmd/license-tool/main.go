// The license-tool binary is development and support tooling for the license
// subsystem: inspect status, activate a key, show the machine HWID, and
// deactivate the installed license on this machine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"clinickey/internal/config"
	"clinickey/internal/infrastructure"
	"clinickey/internal/license"
	"clinickey/internal/security"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "license-tool",
		Short:         "Support tooling for the offline license subsystem",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	root.AddCommand(statusCmd(), activateCmd(), deactivateCmd(), machineInfoCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the installed license status",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, cleanup, err := buildManager()
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := manager.CheckStatus(context.Background())
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}

func activateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <license-key>",
		Short: "Activate a license key on this machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, cleanup, err := buildManager()
			if err != nil {
				return err
			}
			defer cleanup()

			activated, err := manager.Activate(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", license.ErrorCode(err), err)
			}
			fmt.Printf("activated %s (%s), expires %s\n",
				activated.LicenseID, activated.LicenseType,
				activated.ExpiresAt.Format("2006-01-02"))
			return nil
		},
	}
}

func deactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate",
		Short: "Deactivate the installed license on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, cleanup, err := buildManager()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := manager.Deactivate(context.Background()); err != nil {
				return fmt.Errorf("%s: %w", license.ErrorCode(err), err)
			}
			fmt.Println("license deactivated; the key remains consumed for this device")
			return nil
		},
	}
}

func machineInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "machine-info",
		Short: "Show the HWID used for support requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, cleanup, err := buildManager()
			if err != nil {
				return err
			}
			defer cleanup()

			info, err := manager.GetMachineInfo(context.Background())
			if err != nil {
				return err
			}
			return printJSON(info)
		},
	}
}

func buildManager() (*license.Manager, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	// Tool output goes to stdout; keep logs quiet and file-only
	cfg.Logging.Output = "file"
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		logger = slog.Default()
	}

	paths, err := config.ResolvePaths(cfg.Paths)
	if err != nil {
		return nil, nil, err
	}

	crypto, err := security.NewCryptoService(security.CryptoConfig{
		EncryptionKey: config.LicenseEncryptionKey,
		SigningKey:    config.LicenseSigningKey,
		Iterations:    config.PBKDF2Iterations,
	})
	if err != nil {
		return nil, nil, err
	}

	registry, err := license.OpenRegistry(paths.RegistryFile, crypto, logger)
	if err != nil {
		return nil, nil, err
	}

	storage := license.NewStorage(paths.LicenseFile, crypto, logger)
	fingerprints := security.NewFingerprintGenerator(logger)
	manager := license.NewManager(fingerprints, crypto, registry, storage, logger)

	cleanup := func() {
		registry.Close()
		infrastructure.CloseLogFile()
	}
	return manager, cleanup, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
