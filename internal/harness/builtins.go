package harness

import (
	"errors"
	"fmt"

	"github.com/roach88/lockstep/internal/engine"
	"github.com/roach88/lockstep/internal/ir"
)

// Builtins returns a registry of bodies any program can bind by name
// without host code: "print" logs every present trigger, "noop" does
// nothing, "stop" requests a stop at the next microstep. The CLI runs
// programs against this registry.
func Builtins() *engine.Registry {
	reg := engine.NewRegistry()
	_ = reg.Register("print", func(ctx *engine.ReactionContext) error {
		log := ctx.Logger()
		for _, name := range ctx.Triggers() {
			for i := 0; i < ctx.Width(name); i++ {
				if !ctx.PresentAt(name, i) {
					continue
				}
				log.Info("trigger", "name", name, "channel", i,
					"value", ctx.ValueAt(name, i), "tag", ctx.Tag())
			}
		}
		return nil
	})
	_ = reg.Register("noop", func(ctx *engine.ReactionContext) error {
		return nil
	})
	_ = reg.Register("stop", func(ctx *engine.ReactionContext) error {
		ctx.RequestStop()
		return nil
	})
	return reg
}

// buildRegistry turns the scenario's body bindings into a reaction
// registry. Every binding becomes a closure over its parameters;
// unbound body names surface later, when the engine binds reactions.
func buildRegistry(bindings []BodyBinding) (*engine.Registry, error) {
	reg := engine.NewRegistry()
	for i := range bindings {
		fn, err := bindBody(&bindings[i])
		if err != nil {
			return nil, fmt.Errorf("bodies[%d] (%s): %w", i, bindings[i].Body, err)
		}
		if err := reg.Register(bindings[i].Body, fn); err != nil {
			return nil, fmt.Errorf("bodies[%d]: %w", i, err)
		}
	}
	return reg, nil
}

// bindBody constructs the behavior closure for one binding.
func bindBody(b *BodyBinding) (engine.BodyFunc, error) {
	switch b.Do {
	case DoEmit:
		value, err := convertValue(b.Value)
		if err != nil {
			return nil, err
		}
		to := b.To
		return func(ctx *engine.ReactionContext) error {
			for i := 0; i < ctx.Width(to); i++ {
				if err := ctx.SetAt(to, i, value); err != nil {
					return err
				}
			}
			return nil
		}, nil

	case DoForward:
		from, to := b.From, b.To
		return func(ctx *engine.ReactionContext) error {
			w := min(ctx.Width(from), ctx.Width(to))
			for i := 0; i < w; i++ {
				if !ctx.PresentAt(from, i) {
					continue
				}
				if err := ctx.SetAt(to, i, ctx.ValueAt(from, i)); err != nil {
					return err
				}
			}
			return nil
		}, nil

	case DoIncrement:
		step := ir.Int(1)
		if b.Value != nil {
			v, err := convertValue(b.Value)
			if err != nil {
				return nil, err
			}
			n, ok := v.(ir.Int)
			if !ok {
				return nil, fmt.Errorf("increment step must be an int, got %T", v)
			}
			step = n
		}
		from, to := b.From, b.To
		return func(ctx *engine.ReactionContext) error {
			w := min(ctx.Width(from), ctx.Width(to))
			for i := 0; i < w; i++ {
				if !ctx.PresentAt(from, i) {
					continue
				}
				n, ok := ctx.ValueAt(from, i).(ir.Int)
				if !ok {
					return fmt.Errorf("%s[%d]: increment needs an int payload", from, i)
				}
				if err := ctx.SetAt(to, i, n+step); err != nil {
					return err
				}
			}
			return nil
		}, nil

	case DoSchedule:
		value, err := convertValue(b.Value)
		if err != nil {
			return nil, err
		}
		action, delay := b.Action, b.Delay.Duration()
		return func(ctx *engine.ReactionContext) error {
			return ctx.Schedule(action, delay, value)
		}, nil

	case DoStop:
		return func(ctx *engine.ReactionContext) error {
			ctx.RequestStop()
			return nil
		}, nil

	case DoFail:
		msg := b.Message
		if msg == "" {
			msg = "scenario failure"
		}
		return func(ctx *engine.ReactionContext) error {
			return errors.New(msg)
		}, nil

	case DoNoop:
		return func(ctx *engine.ReactionContext) error {
			return nil
		}, nil
	}
	return nil, fmt.Errorf("unknown behavior %q", b.Do)
}

// convertValue converts a YAML-parsed scalar to a payload value. Nil
// stays nil (a pure event). Floats are rejected the way the program
// layer rejects them.
func convertValue(val any) (ir.Value, error) {
	if val == nil {
		return nil, nil
	}
	switch v := val.(type) {
	case string:
		return ir.String(v), nil
	case int:
		return ir.Int(v), nil
	case int64:
		return ir.Int(v), nil
	case bool:
		return ir.Bool(v), nil
	case float64:
		return nil, fmt.Errorf("float payloads are forbidden, use int instead: %v", v)
	default:
		return nil, fmt.Errorf("unsupported payload type %T", val)
	}
}
