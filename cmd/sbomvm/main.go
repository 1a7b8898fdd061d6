package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jbweber/sbomvm/internal/config"
	"github.com/jbweber/sbomvm/internal/logging"
	"github.com/jbweber/sbomvm/internal/orchestrate"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath   string
	forceUnknown bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sbomvm",
	Short: "sbomvm - SBOM generation for VM disk images",
	Long: `sbomvm inspects VM disk images without booting them.

It attaches an image as a block device, mounts the most relevant
partition read-only, and runs an SBOM analyzer against the mounted
filesystem tree. Every resource acquired along the way (kernel module,
block device, mount, ZFS pool) is released before exit, in reverse
order, even when a step fails.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(inspectCmd)

	scanCmd.Flags().BoolVar(&forceUnknown, "force-unknown", false, "attempt to mount partitions with an unrecognized filesystem")
	inspectCmd.Flags().BoolVar(&forceUnknown, "force-unknown", false, "consider partitions with an unrecognized filesystem for selection")
}

// loadConfig returns defaults when no config file was given.
func loadConfig() (*config.ScanConfig, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.LoadFromFile(configPath)
}

func requireRoot() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("this command attaches block devices and mounts filesystems; run it as root")
	}
	return nil
}

var scanCmd = &cobra.Command{
	Use:   "scan <image>",
	Short: "Generate an SBOM from a VM disk image",
	Long: `Generate an SBOM from a VM disk image.

The image is attached read-only (qemu-nbd for qcow2/vmdk/vhd/vhdx,
a loop device for raw images), the best candidate partition is mounted,
and the configured analyzer is run against the mount point. The report
is written to the configured output directory.

Example:
  sbomvm scan /var/lib/libvirt/images/fedora-43.qcow2`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		imagePath := args[0]

		if err := requireRoot(); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		log, closeLog, err := logging.Setup(imagePath, cfg.OutputDir)
		if err != nil {
			return fmt.Errorf("failed to set up logging: %w", err)
		}
		defer func() {
			if closeErr := closeLog(); closeErr != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", closeErr)
			}
		}()

		o := orchestrate.New(cfg, log)
		o.ForceUnknown = forceUnknown

		if err := o.Run(context.Background(), imagePath); err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}

		fmt.Println("✓ SBOM generated successfully!")
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <image>",
	Short: "Show an image's partitions and which one a scan would use",
	Long: `Attach a VM disk image, list its partitions with their detected
filesystems and roles, and show which partition a scan would select.
Nothing is mounted and no analyzer runs; the device is detached before
the command returns.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		imagePath := args[0]

		if err := requireRoot(); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		log := logging.Discard()
		o := orchestrate.New(cfg, log)
		o.ForceUnknown = forceUnknown

		parts, chosen, err := o.Inspect(context.Background(), imagePath)
		if err != nil {
			return fmt.Errorf("inspect failed: %w", err)
		}

		fmt.Printf("%-16s %-12s %-12s %10s  %s\n", "PARTITION", "FSTYPE", "ROLE", "SIZE", "NOTE")
		for _, p := range parts {
			fsType := p.FSType
			if fsType == "" {
				fsType = "-"
			}
			fmt.Printf("%-16s %-12s %-12s %9.1fG  %s\n",
				p.Label(), fsType, p.Role, float64(p.Size)/(1<<30), p.Note)
		}

		if chosen == nil {
			fmt.Println("\nNo partition would be selected for scanning.")
			return nil
		}
		fmt.Printf("\nA scan would mount %s (%s).\n", chosen.Label(), chosen.FSType)
		return nil
	},
}
