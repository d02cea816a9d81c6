package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/finsim/finsim/internal/core/iso8583"
	"github.com/finsim/finsim/internal/core/rules"
	"github.com/finsim/finsim/internal/observability/log"
)

// Network management information codes for the active message kinds.
const (
	nmicSignOn      = "001"
	nmicSignOff     = "002"
	nmicKeyExchange = "101"
	nmicEcho        = "301"
)

// PassiveOutcome reports one passive sampling cycle. A cycle with no inbound
// traffic is a normal outcome, not an error.
type PassiveOutcome struct {
	Received   bool
	Request    *iso8583.Message
	Validation rules.Result
	Replied    bool
	ReplyTo    string
	Err        error
}

// ActiveOutcome reports one active sampling cycle.
type ActiveOutcome struct {
	Message   *iso8583.Message
	Sent      bool
	Delivered int // broadcast delivery count; 1 for a targeted send
	Response  *iso8583.Message
	Err       error
}

// CycleOutcome aggregates one sampling cycle in the configured mode. In
// bidirectional mode Success follows the active half alone: a passive
// timeout is expected when no inbound traffic arrives that cycle.
type CycleOutcome struct {
	Mode    Mode
	Passive *PassiveOutcome
	Active  *ActiveOutcome
	Success bool
	Stats   Snapshot
}

// RunCycle executes one sampling cycle in the configured operation mode.
func (e *Engine) RunCycle(ctx context.Context) CycleOutcome {
	if !e.IsRunning() {
		return CycleOutcome{Mode: e.config.Mode, Stats: e.stats.Snapshot()}
	}

	var outcome CycleOutcome
	outcome.Mode = e.config.Mode

	switch e.config.Mode {
	case Passive:
		passive := e.runPassive(ctx)
		outcome.Passive = &passive
		outcome.Success = !passive.Received || passive.Replied

	case Active:
		active := e.runActive(ctx)
		outcome.Active = &active
		outcome.Success = active.Err == nil && active.Sent

	case Bidirectional:
		// Both halves run concurrently; one failing never cancels the
		// other, so the group context is deliberately not used.
		var passive PassiveOutcome
		var active ActiveOutcome
		var g errgroup.Group
		g.Go(func() error {
			passive = e.runPassive(ctx)
			return nil
		})
		g.Go(func() error {
			active = e.runActive(ctx)
			return nil
		})
		_ = g.Wait()
		outcome.Passive = &passive
		outcome.Active = &active
		outcome.Success = active.Err == nil && active.Sent
	}

	outcome.Stats = e.stats.Snapshot()
	return outcome
}

// runPassive waits up to PassiveWait for an inbound request, validates it,
// builds the configured response and delivers it over the routed send
// connection.
func (e *Engine) runPassive(ctx context.Context) PassiveOutcome {
	timer := time.NewTimer(e.config.PassiveWait)
	defer timer.Stop()

	var in inbound
	select {
	case in = <-e.inboundQueue:
	case <-timer.C:
		return PassiveOutcome{Received: false}
	case <-ctx.Done():
		return PassiveOutcome{Received: false, Err: ctx.Err()}
	}

	outcome := PassiveOutcome{Received: true, Request: in.msg}

	outcome.Validation = rules.Validate(in.msg, e.config.RuleSet)
	e.stats.recordValidation(outcome.Validation.Valid, outcome.Validation.Errors)
	if !outcome.Validation.Valid {
		e.stats.validationError()
		e.logger.Info("validation failed",
			log.String("mti", in.msg.MTI()),
			log.Int("violations", len(outcome.Validation.Errors)))
	}

	response, err := e.responder.Build(in.msg, e.config.Overrides)
	if err != nil {
		outcome.Err = WrapError(err, "building response")
		return outcome
	}
	if !outcome.Validation.Valid && e.config.ValidationFailureCode != "" {
		if err := response.SetField(39, e.config.ValidationFailureCode); err != nil {
			outcome.Err = err
			return outcome
		}
	}

	if e.config.ResponseDelay > 0 {
		select {
		case <-time.After(e.config.ResponseDelay):
		case <-ctx.Done():
			outcome.Err = ctx.Err()
			return outcome
		}
	}

	identity, err := in.msg.GetString(e.config.RoutingField)
	if err != nil || identity == "" {
		outcome.Err = WrapError(ErrRouteNotFound, "request carries no routing field").
			WithContext("routing_field", e.config.RoutingField)
		return outcome
	}
	outcome.ReplyTo = identity

	if !e.SendTo(identity, response) {
		outcome.Err = WrapError(ErrRouteNotFound, "delivering reply").
			WithContext("identity", identity)
		return outcome
	}
	outcome.Replied = true
	return outcome
}

// runActive builds the configured active message and either sends it to the
// target identity, waiting for the correlated response, or broadcasts it.
func (e *Engine) runActive(ctx context.Context) ActiveOutcome {
	msg, err := e.buildActiveMessage()
	if err != nil {
		return ActiveOutcome{Err: err}
	}
	outcome := ActiveOutcome{Message: msg}

	if e.config.Active.Broadcast {
		outcome.Delivered = e.Broadcast(msg)
		outcome.Sent = outcome.Delivered > 0
		if !outcome.Sent {
			outcome.Err = WrapError(ErrRouteNotFound, "broadcast found no bound endpoints")
		}
		return outcome
	}

	if e.config.Active.Target == "" {
		outcome.Err = fmt.Errorf("active mode needs a target identity or broadcast")
		return outcome
	}

	response, err := e.Request(ctx, e.config.Active.Target, msg, e.config.ActiveTimeout)
	if err != nil {
		outcome.Err = WrapError(err, "active request").WithContext("target", e.config.Active.Target)
		// The request may have been written before the response failed.
		outcome.Sent = errors.Is(err, ErrAwaitTimeout) || errors.Is(err, ErrChannelClosed)
		return outcome
	}
	outcome.Sent = true
	outcome.Delivered = 1
	outcome.Response = response
	return outcome
}

// buildActiveMessage assembles the configured network-management or custom
// message with fresh timestamp fields and a fresh correlation id.
func (e *Engine) buildActiveMessage() (*iso8583.Message, error) {
	var msg *iso8583.Message

	switch e.config.Active.Kind {
	case ActiveSignOn, ActiveSignOff, ActiveEcho, ActiveKeyExchange:
		msg = iso8583.NewMessage("0800")
		nmic := nmicSignOn
		switch e.config.Active.Kind {
		case ActiveSignOff:
			nmic = nmicSignOff
		case ActiveEcho:
			nmic = nmicEcho
		case ActiveKeyExchange:
			nmic = nmicKeyExchange
		}
		if err := msg.SetField(70, nmic); err != nil {
			return nil, err
		}

	case ActiveCustom:
		if e.config.Active.CustomMTI == "" {
			return nil, fmt.Errorf("custom active message needs an MTI")
		}
		msg = iso8583.NewMessage(e.config.Active.CustomMTI)
		for n, value := range e.config.Active.CustomFields {
			if err := msg.SetField(n, value); err != nil {
				return nil, fmt.Errorf("custom field %d: %w", n, err)
			}
		}

	default:
		return nil, fmt.Errorf("unknown active message kind %d", e.config.Active.Kind)
	}

	now := time.Now()
	if err := msg.SetField(7, now.Format("0102150405")); err != nil {
		return nil, err
	}
	if err := msg.SetField(e.config.StanField, e.stans.Next()); err != nil {
		return nil, err
	}
	if err := msg.SetField(12, now.Format("150405")); err != nil {
		return nil, err
	}
	if err := msg.SetField(13, now.Format("0102")); err != nil {
		return nil, err
	}
	return msg, nil
}
