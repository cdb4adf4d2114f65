package sink

import (
	"time"

	"connectorhub/internal/device"
)

func stateEvent(key string, pos int, battery int) Event {
	ps := &device.PositionState{
		Key:       key,
		Name:      "Roller Blind 1",
		Position:  pos,
		Target:    pos,
		Direction: device.Stopped,
		Source:    device.SourceReported,
	}
	if battery >= 0 {
		ps.HasBattery = true
		ps.BatteryPercent = battery
		ps.LowBattery = battery <= 15
	}
	return Event{
		Type:  EventState,
		Key:   key,
		Name:  ps.Name,
		HubIP: "10.0.0.2",
		State: ps,
		Time:  time.Unix(1700000000, 0),
	}
}
