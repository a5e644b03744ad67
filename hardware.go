package emficampaign

import (
	"context"
	"fmt"

	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/resource"
)

// Coordinate is a probe position over the target die, in millimeters.
type Coordinate struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
	Z float64 `yaml:"z" json:"z"`
}

// InjectorParams are the pulse parameters for one armed trial.
type InjectorParams struct {
	Voltage     float64 `yaml:"voltage" json:"voltage"`
	PulseHighNs int     `yaml:"pulse_high_ns" json:"pulse_high_ns"`
	DeadTimeMs  int     `yaml:"dead_time_ms" json:"dead_time_ms"`
}

// MotorAxis is one axis of the probe stage. Move blocks until the motion
// completes (the ack) or ctx is canceled. Stop must be callable at any time,
// including during an in-flight Move, and safe to call redundantly.
type MotorAxis interface {
	Move(ctx context.Context, positionMm float64) error
	Stop(ctx context.Context) error
}

// FaultInjector is the EM pulse generator. Disarm must be callable at any
// time and safe to call redundantly, including concurrently with an in-flight
// Arm or Trigger.
type FaultInjector interface {
	Arm(ctx context.Context, params InjectorParams) error
	Trigger(ctx context.Context) error
	Disarm(ctx context.Context) error
}

// viamMotorAxis adapts a Viam motor component to MotorAxis.
type viamMotorAxis struct {
	motor motor.Motor
	rpm   float64
}

func NewViamMotorAxis(m motor.Motor, rpm float64) MotorAxis {
	if rpm <= 0 {
		rpm = 60
	}
	return &viamMotorAxis{motor: m, rpm: rpm}
}

func (a *viamMotorAxis) Move(ctx context.Context, positionMm float64) error {
	return a.motor.GoTo(ctx, a.rpm, positionMm, nil)
}

func (a *viamMotorAxis) Stop(ctx context.Context) error {
	return a.motor.Stop(ctx, nil)
}

// viamInjector drives an injector exposed as a Viam resource whose DoCommand
// understands arm/trigger/disarm verbs.
type viamInjector struct {
	res resource.Resource
}

func NewViamInjector(res resource.Resource) FaultInjector {
	return &viamInjector{res: res}
}

func (inj *viamInjector) Arm(ctx context.Context, params InjectorParams) error {
	_, err := inj.res.DoCommand(ctx, map[string]interface{}{
		"command":       "arm",
		"voltage":       params.Voltage,
		"pulse_high_ns": params.PulseHighNs,
		"dead_time_ms":  params.DeadTimeMs,
	})
	if err != nil {
		return fmt.Errorf("arming injector: %w", err)
	}
	return nil
}

func (inj *viamInjector) Trigger(ctx context.Context) error {
	_, err := inj.res.DoCommand(ctx, map[string]interface{}{"command": "trigger"})
	if err != nil {
		return fmt.Errorf("triggering injector: %w", err)
	}
	return nil
}

func (inj *viamInjector) Disarm(ctx context.Context) error {
	_, err := inj.res.DoCommand(ctx, map[string]interface{}{"command": "disarm"})
	if err != nil {
		return fmt.Errorf("disarming injector: %w", err)
	}
	return nil
}
