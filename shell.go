package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/CodedInternet/nanostage/onboard"
	"github.com/CodedInternet/nanostage/onboard/hardware"
	"github.com/abiosoft/ishell"
)

var errUsage = errors.New("wrong number of arguments")

// newShell builds the local development shell for stage.
func newShell(stage *onboard.Stage) *ishell.Shell {
	axisNames := func([]string) []string {
		var names []string
		for _, r := range stage.Records() {
			names = append(names, r.Name)
		}
		return names
	}

	// record resolves the first argument and checks the argument count
	record := func(c *ishell.Context, nargs int) (*onboard.MotorRecord, bool) {
		if len(c.Args) < nargs {
			c.Err(errUsage)
			return nil, false
		}
		r, err := stage.Record(c.Args[0])
		if err != nil {
			c.Err(err)
			return nil, false
		}
		return r, true
	}

	float := func(c *ishell.Context, s string) (float64, bool) {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			c.Err(err)
			return 0, false
		}
		return v, true
	}

	shell := ishell.New()
	shell.Println("nanostage development shell")
	shell.ShowPrompt(true)

	// createUser asks for whatever was not given on the command line
	createUser := func(c *ishell.Context, user *User) {
		// disable the '>>>' for cleaner same line input.
		c.ShowPrompt(false)
		defer c.ShowPrompt(true)

		if len(c.Args) >= 1 {
			user.Email = c.Args[0]
		} else {
			c.Print("Email: ")
			user.Email = c.ReadLine()
		}
		user.Name = user.Email

		var password string
		if len(c.Args) >= 2 {
			password = c.Args[1]
		} else {
			c.Print("Password: ")
			password = c.ReadPassword()
		}

		if err := user.SetPassword([]byte(password)); err != nil {
			c.Err(err)
			return
		}
		if err := ENV.DB.Save(user); err != nil {
			c.Err(err)
			return
		}
		c.Printf("%s created, operator: %v\n", user.Email, user.CanOperate())
	}

	shell.AddCmd(&ishell.Cmd{
		Name: "createsuperuser",
		Help: "createsuperuser <email> <password>",
		Func: func(c *ishell.Context) {
			createUser(c, &User{Admin: true})
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "createuser",
		Help: "createuser <email> <password> [operator|viewer]",
		Func: func(c *ishell.Context) {
			user := &User{}
			if len(c.Args) >= 3 {
				switch c.Args[2] {
				case "operator":
					user.Operator = true
				case "viewer":
				default:
					c.Err(fmt.Errorf("role must be operator or viewer, not %q", c.Args[2]))
					return
				}
			}
			createUser(c, user)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "records",
		Help: "list every axis with its position",
		Func: func(c *ishell.Context) {
			for _, r := range stage.Records() {
				pos, err := r.Position()
				if err != nil {
					c.Printf("%-8s %2d  error: %v\n", r.Name, r.Axis().Index, err)
					continue
				}
				c.Printf("%-8s %2d  %12.6f %-3s done=%v\n", r.Name, r.Axis().Index, pos, r.Units(), r.DoneMoving())
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "pos",
		Completer: axisNames,
		Help:      "pos <axis>",
		Func: func(c *ishell.Context) {
			r, ok := record(c, 1)
			if !ok {
				return
			}
			pos, err := r.Position()
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("%s: %.6f %s\n", r.Name, pos, r.Units())
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "mv",
		Completer: axisNames,
		Help:      "mv <axis> <position>",
		Func: func(c *ishell.Context) {
			r, ok := record(c, 2)
			if !ok {
				return
			}
			v, ok := float(c, c.Args[1])
			if !ok {
				return
			}
			if err := r.SetTarget(v); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "mvr",
		Completer: axisNames,
		Help:      "mvr <axis> <delta>",
		Func: func(c *ishell.Context) {
			r, ok := record(c, 2)
			if !ok {
				return
			}
			v, ok := float(c, c.Args[1])
			if !ok {
				return
			}
			if err := r.MoveWithMode(hardware.MoveClosedLoopRelative, v); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "tweak",
		Completer: axisNames,
		Help:      "tweak <axis> <+|-> [step]",
		Func: func(c *ishell.Context) {
			r, ok := record(c, 2)
			if !ok {
				return
			}
			if len(c.Args) >= 3 {
				step, ok := float(c, c.Args[2])
				if !ok {
					return
				}
				if err := r.SetTweakValue(step); err != nil {
					c.Err(err)
					return
				}
			}

			var err error
			switch c.Args[1] {
			case "+":
				err = r.TweakForward()
			case "-":
				err = r.TweakReverse()
			default:
				err = fmt.Errorf("direction must be + or -, not %q", c.Args[1])
			}
			if err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "stop",
		Completer: axisNames,
		Help:      "stop <axis>",
		Func: func(c *ishell.Context) {
			r, ok := record(c, 1)
			if !ok {
				return
			}
			if err := r.Stop(); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "speed",
		Completer: axisNames,
		Help:      "speed <axis> [velocity]",
		Func: func(c *ishell.Context) {
			r, ok := record(c, 1)
			if !ok {
				return
			}
			if len(c.Args) >= 2 {
				v, ok := float(c, c.Args[1])
				if !ok {
					return
				}
				if err := r.SetSpeed(v); err != nil {
					c.Err(err)
					return
				}
			}
			vel, acc, err := r.Axis().Speed()
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("%s: velocity %.3f %s/s, acceleration %.3f %s/s2\n", r.Name, vel, r.Units(), acc, r.Units())
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "calibrate",
		Completer: axisNames,
		Help:      "calibrate <axis>",
		Func: func(c *ishell.Context) {
			r, ok := record(c, 1)
			if !ok {
				return
			}
			c.Printf("Calibrating %s\n", r.Name)
			if err := stage.Calibrate(context.Background(), r.Name); err != nil {
				c.Err(err)
				return
			}
			c.Println("done")
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "reference",
		Completer: axisNames,
		Help:      "reference <axis>",
		Func: func(c *ishell.Context) {
			r, ok := record(c, 1)
			if !ok {
				return
			}
			c.Printf("Finding reference for %s\n", r.Name)
			if err := stage.FindReference(context.Background(), r.Name); err != nil {
				c.Err(err)
				return
			}
			c.Println("done")
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "state",
		Completer: axisNames,
		Help:      "state <axis>",
		Func: func(c *ishell.Context) {
			r, ok := record(c, 1)
			if !ok {
				return
			}
			state, err := r.Axis().State()
			if err != nil {
				c.Err(err)
				return
			}

			bits := state.All()
			names := make([]string, 0, len(bits))
			for name := range bits {
				names = append(names, name)
			}
			sort.Strings(names)
			c.Printf("%s: 0x%04X\n", r.Name, int32(state))
			for _, name := range names {
				c.Printf("  %-24s %v\n", name, bits[name])
			}

			if code, err := r.ChannelError(); err != nil {
				c.Err(err)
			} else {
				c.Printf("  %-24s 0x%04X\n", "ChannelError", code)
			}
			if opts, err := r.Axis().BroadcastStopOptions(); err != nil {
				c.Err(err)
			} else {
				c.Printf("  %-24s 0x%04X\n", "BroadcastStopOptions", opts)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "setpos",
		Completer: axisNames,
		Help:      "setpos <axis> <position>",
		Func: func(c *ishell.Context) {
			r, ok := record(c, 2)
			if !ok {
				return
			}
			v, ok := float(c, c.Args[1])
			if !ok {
				return
			}
			if err := r.SetPosition(v); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "move",
		Completer: axisNames,
		Help:      "move <axis> <mode 0-4> <value>, modes: 0 cl absolute, 1 cl relative, 2 scan absolute, 3 scan relative, 4 steps",
		Func: func(c *ishell.Context) {
			r, ok := record(c, 3)
			if !ok {
				return
			}
			mode, err := strconv.Atoi(c.Args[1])
			if err != nil {
				c.Err(err)
				return
			}
			v, ok := float(c, c.Args[2])
			if !ok {
				return
			}
			if err := r.MoveWithMode(hardware.MoveMode(mode), v); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "ctlmode",
		Completer: axisNames,
		Help:      "ctlmode <axis> [standard|quiet]",
		Func: func(c *ishell.Context) {
			r, ok := record(c, 1)
			if !ok {
				return
			}
			if len(c.Args) >= 2 {
				var mode hardware.ActuatorMode
				switch c.Args[1] {
				case "standard":
					mode = hardware.ActuatorNormal
				case "quiet":
					mode = hardware.ActuatorQuiet
				default:
					c.Err(fmt.Errorf("control mode must be standard or quiet, not %q", c.Args[1]))
					return
				}
				if err := r.Axis().SetActuatorMode(mode); err != nil {
					c.Err(err)
					return
				}
			}

			mode, err := r.Axis().ActuatorMode()
			if err != nil {
				c.Err(err)
				return
			}
			name := "standard"
			if mode == hardware.ActuatorQuiet {
				name = "quiet"
			}
			c.Printf("%s: %s\n", r.Name, name)
		},
	})

	return shell
}
