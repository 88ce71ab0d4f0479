package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/opendiag/vcibridge/internal/bridge"
	"github.com/opendiag/vcibridge/internal/driver"
	"github.com/opendiag/vcibridge/internal/version"
)

func main() {
	var (
		driverPath string
		simulate   bool
	)

	rootCmd := &cobra.Command{
		Use:           "vcibridge",
		Short:         "VCI driver bridge - speaks line JSON on stdio for the broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(driverPath, simulate)
		},
	}
	rootCmd.Version = version.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	rootCmd.Flags().StringVar(&driverPath, "driver", "", "path to VCIAccess.dll")
	rootCmd.Flags().BoolVar(&simulate, "simulate", false, "use the built-in ECU simulator instead of real hardware")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runBridge(driverPath string, simulate bool) error {
	// All protocol traffic goes over stdout; diagnostics must stay on
	// stderr or they would corrupt the response stream.
	log.SetOutput(os.Stderr)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("[VCIBridge] starting (PID %d, version %s)", os.Getpid(), version.String())

	var drv driver.Driver
	if simulate {
		log.Printf("[VCIBridge] using ECU simulator")
		drv = driver.NewSimulator()
	} else {
		loaded, err := driver.NewVCIAccess(driverPath)
		if err != nil {
			// Keep running so the parent can query state and report a
			// clean error instead of a dead subprocess.
			log.Printf("[VCIBridge] driver unavailable: %v", err)
		} else {
			drv = loaded
		}
	}

	return bridge.New(drv).Run(os.Stdin, os.Stdout)
}
