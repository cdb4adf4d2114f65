package command

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"connectorhub/internal/device"
	"connectorhub/internal/hub"
	"connectorhub/internal/hubapi"
	"github.com/spf13/cobra"
)

// session 完成一轮发现后的服务
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	svc    *hub.Service
}

func (o *options) discover() (*session, error) {
	config, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := o.context(config)
	svc := hub.NewService(ctx)
	if err := svc.DiscoverOnce(ctx, nil); err != nil {
		cancel()
		return nil, fmt.Errorf("发现失败: %w", err)
	}
	return &session{ctx: ctx, cancel: cancel, svc: svc}, nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printDevices(w io.Writer, devices []device.PositionState) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tNAME\tPOSITION\tTARGET\tDIRECTION\tBATTERY\tSOURCE")
	for _, d := range devices {
		battery := "-"
		if d.HasBattery {
			battery = strconv.Itoa(d.BatteryPercent) + "%"
			if d.LowBattery {
				battery += " (low)"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			d.Key, d.Name, d.Position, d.Target, d.Direction, battery, d.Source)
	}
	return tw.Flush()
}

func newDiscoverCommand(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Run one discovery round and list devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.discover()
			if err != nil {
				return err
			}
			defer s.cancel()
			if asJSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{"hubs": s.svc.Hubs(), "devices": s.svc.Devices()})
			}
			for _, h := range s.svc.Hubs() {
				fmt.Fprintf(cmd.OutOrStdout(), "hub %s @ %s\n", h.HubMac, h.HubIP)
			}
			return printDevices(cmd.OutOrStdout(), s.svc.Devices())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "以 JSON 输出")
	return cmd
}

func newReadCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "read <device-key>",
		Short: "Read the current state of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.discover()
			if err != nil {
				return err
			}
			defer s.cancel()
			h, err := s.svc.Handler(args[0])
			if err != nil {
				return err
			}
			state, err := s.svc.ReadState(s.ctx, h.Identity())
			if err != nil {
				return err
			}
			ps, err := h.PositionState()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"state": ps, "reported": state.Reported, "details": state.Describe()})
		},
	}
}

func newSetCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "set <device-key> <position>",
		Short: "Move a device to a position (0 closed, 100 open)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := strconv.Atoi(args[1])
			if err != nil || pos < 0 || pos > 100 {
				return fmt.Errorf("位置必须是 0 到 100 的整数: %q", args[1])
			}
			s, err := opts.discover()
			if err != nil {
				return err
			}
			defer s.cancel()
			h, err := s.svc.Handler(args[0])
			if err != nil {
				return err
			}
			if err := s.svc.SetTarget(s.ctx, h.Identity(), pos); err != nil {
				return err
			}
			ps, err := h.PositionState()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ps)
		},
	}
}

func newOpCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:       "op <device-key> <open|close|stop>",
		Short:     "Send an open, close or stop command",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"open", "close", "stop"},
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := hubapi.ParseOpCode(args[1])
			if err != nil || op == hubapi.OpStatusQuery {
				return fmt.Errorf("未知的操作 %q，可选 open/close/stop", args[1])
			}
			s, err := opts.discover()
			if err != nil {
				return err
			}
			defer s.cancel()
			h, err := s.svc.Handler(args[0])
			if err != nil {
				return err
			}
			ack, err := s.svc.SendCommand(s.ctx, h.Identity(), device.OpCommand(op))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: ok (%s)\n", args[0], op, ack.MsgType)
			return nil
		},
	}
}

func newAngleCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "angle <device-key> <angle>",
		Short: "Tilt the slats of a device (0-180)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			angle, err := strconv.Atoi(args[1])
			if err != nil || angle < 0 || angle > device.MaxAngle {
				return fmt.Errorf("角度必须是 0 到 %d 的整数: %q", device.MaxAngle, args[1])
			}
			s, err := opts.discover()
			if err != nil {
				return err
			}
			defer s.cancel()
			h, err := s.svc.Handler(args[0])
			if err != nil {
				return err
			}
			if err := s.svc.SetTargetAngle(s.ctx, h.Identity(), angle); err != nil {
				return err
			}
			ps, err := h.PositionState()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ps)
		},
	}
}
