package command

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"connectorhub/internal/connector"
	"connectorhub/internal/hubapi"
	"connectorhub/internal/pkg"
	"github.com/spf13/cobra"
)

type simulateOptions struct {
	addr     string
	mac      string
	token    string
	blinds   int
	curtains int
	tdbu     int
}

func newSimulateCommand(opts *options) *cobra.Command {
	so := &simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a local hub simulator for testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(config)
			defer cancel()
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSimulator(ctx, cmd, so, config)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&so.addr, "addr", fmt.Sprintf("0.0.0.0:%d", pkg.DefaultPort), "监听地址")
	flags.StringVar(&so.mac, "mac", "a4cf12000001", "集线器 MAC")
	flags.StringVar(&so.token, "token", "fedcba9876543210", "集线器 token (16 字节)")
	flags.IntVar(&so.blinds, "blinds", 2, "卷帘电机数量")
	flags.IntVar(&so.curtains, "curtains", 1, "Wi-Fi 窗帘数量")
	flags.IntVar(&so.tdbu, "tdbu", 0, "上下分体 (TDBU) 电机数量")
	return cmd
}

func runSimulator(ctx context.Context, cmd *cobra.Command, so *simulateOptions, config *pkg.Config) error {
	sim, err := connector.NewSimulator(ctx, connector.SimulatorConfig{
		Addr:         so.addr,
		Mac:          so.mac,
		Token:        so.token,
		ConnectorKey: config.Hub.ConnectorKey,
	})
	if err != nil {
		return err
	}
	defer sim.Close()

	for i := 0; i < so.blinds; i++ {
		sim.AddDevice("", hubapi.RadioMotor433, map[string]any{
			"type": int(hubapi.ModelRollerBlinds), "operation": 2, "currentPosition": 0,
			"batteryLevel": 1200, "wirelessMode": 1, "RSSI": -60,
		})
	}
	for i := 0; i < so.curtains; i++ {
		sim.AddDevice("", hubapi.WiFiCurtain, map[string]any{
			"type": int(hubapi.ModelCurtain), "operation": 2, "currentPosition": 0, "wirelessMode": 1,
		})
	}
	for i := 0; i < so.tdbu; i++ {
		sim.AddDevice("", hubapi.RadioMotor433, map[string]any{
			"type": int(hubapi.ModelTDBU), "operation_T": 2, "operation_B": 2,
			"currentPosition_T": 0, "currentPosition_B": 100, "batteryLevel_T": 1400, "batteryLevel_B": 1400,
			"wirelessMode": 1,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "hub %s listening on UDP port %d with %d device(s), Ctrl-C to stop\n",
		sim.Mac(), sim.Port(), so.blinds+so.curtains+so.tdbu)
	sim.Start()
	return nil
}
