package main

import (
	"fmt"
	"path/filepath"
	"time"

	"rocketcaster/pkg/auth"

	"github.com/spf13/cobra"
)

func certCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Create and inspect certificates",
	}
	cmd.AddCommand(certServerCmd(), certClientCmd(), certInfoCmd())
	return cmd
}

func certServerCmd() *cobra.Command {
	var (
		hostname string
		days     int
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Generate the self-signed server certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if hostname == "" {
				hostname = cfg.Server.Hostname
			}

			cm := auth.NewCertManager()
			validity := time.Duration(days) * 24 * time.Hour
			if force {
				cert, key, err := cm.GenerateSelfSigned(hostname, []string{hostname}, validity)
				if err != nil {
					return err
				}
				if err := cm.SaveCertificate(cert, key, cfg.Server.CertFile, cfg.Server.KeyFile); err != nil {
					return err
				}
			} else {
				created, err := cm.EnsureServerCertificate(cfg.Server.CertFile, cfg.Server.KeyFile, hostname, validity)
				if err != nil {
					return err
				}
				if !created {
					fmt.Printf("%s already exists, use --force to replace it\n", cfg.Server.CertFile)
					return nil
				}
			}

			return printCertificate(cfg.Server.CertFile)
		},
	}

	cmd.Flags().StringVar(&hostname, "hostname", "", "host name for the certificate (default: config)")
	cmd.Flags().IntVar(&days, "days", 5*365, "validity in days")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing certificate")
	return cmd
}

func certClientCmd() *cobra.Command {
	var (
		outDir string
		days   int
	)

	cmd := &cobra.Command{
		Use:   "client <name>",
		Short: "Generate a client certificate for signing in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			cm := auth.NewCertManager()

			cert, key, err := cm.GenerateSelfSigned(name, nil, time.Duration(days)*24*time.Hour)
			if err != nil {
				return err
			}

			certPath := filepath.Join(outDir, name+".crt")
			keyPath := filepath.Join(outDir, name+".key")
			if err := cm.SaveCertificate(cert, key, certPath, keyPath); err != nil {
				return err
			}

			fmt.Printf("Wrote %s and %s\n", certPath, keyPath)
			return printCertificate(certPath)
		},
	}

	cmd.Flags().StringVar(&outDir, "out", ".", "output directory")
	cmd.Flags().IntVar(&days, "days", 365, "validity in days")
	return cmd
}

func certInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <cert.pem>",
		Short: "Show a certificate's fingerprint and validity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printCertificate(args[0])
		},
	}
}

func printCertificate(path string) error {
	info, err := auth.LoadCertificateInfo(path)
	if err != nil {
		return err
	}
	fmt.Println(renderCertificatePanel(path, info))
	return nil
}
