package comms

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/CodedInternet/nanostage/onboard"
)

var logger = log.New(os.Stdout, "[conductor] ", log.Ldate|log.Ltime|log.Lshortfile)

// Update is a single field change pushed to subscribers.
type Update struct {
	Axis  string        `json:"axis"`
	Field onboard.Field `json:"field"`
	Value interface{}   `json:"value"`
}

type Cmd struct {
	Cmd   string  `json:"cmd"`
	Name  string  `json:"name"`
	Field string  `json:"field,omitempty"`
	Value float64 `json:"value"`
}

type Response struct {
	Cmd   string      `json:"cmd"`
	Name  string      `json:"name,omitempty"`
	Field string      `json:"field,omitempty"`
	Value interface{} `json:"value,omitempty"`
	Error string      `json:"error,omitempty"`

	Err error `json:"-"`
}

// Device is what the conductor drives. *onboard.Stage satisfies it.
type Device interface {
	Record(ref string) (*onboard.MotorRecord, error)
	Calibrate(ctx context.Context, ref string) error
	FindReference(ctx context.Context, ref string) error
}

// Conductor fans record updates out to subscribers and runs remote commands
// against the device.
type Conductor struct {
	Device Device

	lock        sync.Mutex
	subscribers map[*Subscription]struct{}
	dropped     uint64
}

type Subscription struct {
	updates   chan Update
	conductor *Conductor
}

func NewConductor() *Conductor {
	return &Conductor{subscribers: make(map[*Subscription]struct{})}
}

// Subscribe registers a listener with room for buffer pending updates.
func (c *Conductor) Subscribe(buffer int) *Subscription {
	s := &Subscription{
		updates:   make(chan Update, buffer),
		conductor: c,
	}

	c.lock.Lock()
	c.subscribers[s] = struct{}{}
	c.lock.Unlock()
	return s
}

func (s *Subscription) Updates() <-chan Update {
	return s.updates
}

func (s *Subscription) Close() {
	c := s.conductor
	c.lock.Lock()
	defer c.lock.Unlock()

	if _, ok := c.subscribers[s]; ok {
		delete(c.subscribers, s)
		close(s.updates)
	}
}

// Publish never blocks. A subscriber whose buffer is full misses the update.
func (c *Conductor) Publish(axis string, field onboard.Field, value interface{}) {
	u := Update{Axis: axis, Field: field, Value: value}

	c.lock.Lock()
	defer c.lock.Unlock()

	for s := range c.subscribers {
		select {
		case s.updates <- u:
		default:
			c.dropped++
		}
	}
}

// Dropped counts updates lost to full subscriber buffers.
func (c *Conductor) Dropped() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.dropped
}

func (c *Conductor) ProcessCommand(ctx context.Context, cmd Cmd) (resp Response) {
	resp = Response{Cmd: cmd.Cmd, Name: cmd.Name, Field: cmd.Field}
	defer func() {
		if resp.Err != nil {
			resp.Error = resp.Err.Error()
		}
	}()

	record, err := c.Device.Record(cmd.Name)
	if err != nil {
		resp.Err = err
		return
	}

	switch cmd.Cmd {
	case "get":
		if cmd.Field == "" {
			resp.Value, resp.Err = record.Snapshot()
		} else {
			resp.Value, resp.Err = record.Get(onboard.Field(cmd.Field))
		}

	case "put":
		resp.Err = record.Put(onboard.Field(cmd.Field), cmd.Value)

	case "stop":
		resp.Err = record.Stop()

	case "calibrate":
		resp.Err = c.Device.Calibrate(ctx, cmd.Name)

	case "reference":
		resp.Err = c.Device.FindReference(ctx, cmd.Name)

	default:
		logger.Printf("Unable to process command %v", cmd)
		resp.Err = fmt.Errorf("unknown command %q", cmd.Cmd)
	}

	return
}
