package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/opendiag/vcibridge/internal/brokerclient"
	"github.com/opendiag/vcibridge/internal/config"
	"github.com/opendiag/vcibridge/internal/vci"
	"github.com/opendiag/vcibridge/internal/version"
)

var (
	rootCmd    *cobra.Command
	brokerAddr string
)

func init() {
	rootCmd = &cobra.Command{
		Use:   "vci",
		Short: "VCI diagnostic client - talk to ECUs through the access broker",
		Long: `vci is the command line client for the VCI access broker.

The broker owns the diagnostic hardware and serializes access, so several
clients (this tool, GUIs, scripts) can work against the same adapter.`,
	}
	rootCmd.Version = version.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	rootCmd.PersistentFlags().StringVar(&brokerAddr, "addr",
		fmt.Sprintf("127.0.0.1:%d", config.DefaultBrokerPort), "broker address")
	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")
}

func main() {
	statusCmd := &cobra.Command{
		Use:           "status",
		Short:         "Show broker and bridge status",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runStatus,
	}

	connectCmd := &cobra.Command{
		Use:           "connect",
		Short:         "Open the VCI hardware session (starts the bridge if needed)",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runConnect,
	}

	disconnectCmd := &cobra.Command{
		Use:           "disconnect",
		Short:         "Close the VCI hardware session",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDisconnect,
	}

	configureCmd := &cobra.Command{
		Use:           "configure",
		Short:         "Bind the adapter to an ECU",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runConfigure,
	}
	configureCmd.Example = `  # UDS over CAN on the diagnostic bus
  vci configure --protocol uds --bus 1 --tx 752 --rx 652

  # PSA2000 keyword protocol on the IS line
  vci configure --protocol psa2000 --target 0D`
	configureCmd.Flags().String("protocol", "", "protocol name (uds, kwp_is, kwp_hab, kwp2000, psa2000, fiat_kwp) or driver id")
	configureCmd.Flags().String("tx", "", "transmit CAN header (hex, e.g. 752)")
	configureCmd.Flags().String("rx", "", "receive CAN header (hex, e.g. 652)")
	configureCmd.Flags().String("bus", "", "legacy bus code (0-4) selecting com line and protocol family")
	configureCmd.Flags().String("target", "", "K-Line target address (hex byte)")
	configureCmd.Flags().String("dialog", "", "dialog type / com line number for keyword protocols")

	sendCmd := &cobra.Command{
		Use:           "send <hex bytes>",
		Short:         "Send a diagnostic request and print the ECU reply",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runSend,
	}
	sendCmd.Example = `  vci send 3E00
  vci send 22 F1 90
  vci send --multi 3 221001`
	sendCmd.Flags().Int("timeout", 0, "exchange timeout in milliseconds (0 for broker default)")
	sendCmd.Flags().Int("multi", 0, "collect up to N response frames")

	initCmd := &cobra.Command{
		Use:           "init",
		Short:         "Run the K-Line fast init sequence",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runInit,
	}
	initCmd.Flags().String("descriptor", "0D", "ECU descriptor (target byte) for the init")

	voltageCmd := &cobra.Command{
		Use:           "voltage",
		Short:         "Read the battery voltage at the adapter",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runVoltage,
	}

	shutdownCmd := &cobra.Command{
		Use:           "shutdown",
		Short:         "Stop the broker daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runShutdown,
	}

	rootCmd.AddCommand(statusCmd, connectCmd, disconnectCmd, configureCmd, sendCmd, initCmd, voltageCmd, shutdownCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func dialBroker() (*brokerclient.Client, error) {
	c, err := brokerclient.Dial(brokerAddr)
	if err != nil {
		return nil, fmt.Errorf("connect to broker at %s (is vcid running?): %w", brokerAddr, err)
	}
	return c, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	c, err := dialBroker()
	if err != nil {
		return err
	}
	defer c.Close()

	st, err := c.GetStatus()
	if err != nil {
		return err
	}

	if out.jsonMode {
		payload := map[string]any{
			"vci_connected":      st.VCIConnected,
			"vci_bridge_running": st.BridgeRunning,
			"active_clients":     st.ActiveClients,
			"current_client":     st.CurrentOwner,
			"uptime_seconds":     st.Uptime.Seconds(),
			"daemon_pid":         st.DaemonPID,
			"version":            st.Version,
		}
		if st.BridgePID != 0 {
			payload["vci_bridge_pid"] = st.BridgePID
		}
		if st.Voltage != nil {
			payload["voltage"] = *st.Voltage
		}
		return out.Print(payload)
	}

	fmt.Println("Broker Status:")
	fmt.Printf("  Version: %s\n", st.Version)
	fmt.Printf("  Daemon PID: %d\n", st.DaemonPID)
	fmt.Printf("  Uptime: %s\n", st.Uptime.Round(time.Second))
	fmt.Printf("  Active clients: %d\n", st.ActiveClients)
	if st.CurrentOwner != "" {
		fmt.Printf("  Current client: %s\n", st.CurrentOwner)
	}
	fmt.Println("Bridge:")
	fmt.Printf("  Running: %v\n", st.BridgeRunning)
	if st.BridgePID != 0 {
		fmt.Printf("  PID: %d\n", st.BridgePID)
	}
	fmt.Printf("  VCI connected: %v\n", st.VCIConnected)
	if st.Voltage != nil {
		fmt.Printf("  Battery: %.1f V\n", *st.Voltage)
	}
	return nil
}

func runConnect(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	c, err := dialBroker()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.ConnectVCI(); err != nil {
		return err
	}
	return out.Success("VCI connected", map[string]any{"client_id": c.ClientID()})
}

func runDisconnect(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	c, err := dialBroker()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.DisconnectVCI(); err != nil {
		return err
	}
	return out.Success("VCI disconnected", nil)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	flags := cmd.Flags()

	protocol, _ := flags.GetString("protocol")
	tx, _ := flags.GetString("tx")
	rx, _ := flags.GetString("rx")
	bus, _ := flags.GetString("bus")
	target, _ := flags.GetString("target")
	dialog, _ := flags.GetString("dialog")

	if protocol == "" && bus == "" {
		return fmt.Errorf("--protocol or --bus is required")
	}

	c, err := dialBroker()
	if err != nil {
		return err
	}
	defer c.Close()

	err = c.ConfigureECU(vci.ConfigRequest{
		Protocol:   protocol,
		TxHeader:   tx,
		RxHeader:   rx,
		Bus:        bus,
		Target:     target,
		DialogType: dialog,
	})
	if err != nil {
		return err
	}
	return out.Success("ECU configured", nil)
}

func runSend(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	timeout, _ := cmd.Flags().GetInt("timeout")
	multi, _ := cmd.Flags().GetInt("multi")

	request, err := normalizeHex(args)
	if err != nil {
		return err
	}

	c, err := dialBroker()
	if err != nil {
		return err
	}
	defer c.Close()

	var reply string
	if multi > 0 {
		reply, err = c.SendRawRequestMultiple(request, timeout, multi)
	} else {
		reply, err = c.SendRawRequest(request, timeout)
	}
	if err != nil {
		return err
	}

	if out.jsonMode {
		return out.Print(map[string]any{"request": request, "response": reply})
	}
	fmt.Println(spacedHex(reply))
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	descriptor, _ := cmd.Flags().GetString("descriptor")

	c, err := dialBroker()
	if err != nil {
		return err
	}
	defer c.Close()

	keyBytes, err := c.PerformInit(descriptor)
	if err != nil {
		return err
	}
	if out.jsonMode {
		return out.Print(map[string]any{"key_bytes": keyBytes})
	}
	if keyBytes == "" {
		fmt.Println("Init OK")
	} else {
		fmt.Printf("Init OK, key bytes: %s\n", spacedHex(keyBytes))
	}
	return nil
}

func runVoltage(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	c, err := dialBroker()
	if err != nil {
		return err
	}
	defer c.Close()

	v, err := c.ReadVoltage()
	if err != nil {
		return err
	}
	if out.jsonMode {
		return out.Print(map[string]any{"voltage": v})
	}
	fmt.Printf("%.1f V\n", v)
	return nil
}

func runShutdown(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	c, err := dialBroker()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Shutdown(); err != nil {
		return err
	}
	return out.Success("Broker shutting down", nil)
}
