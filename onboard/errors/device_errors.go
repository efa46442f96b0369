package errors

import (
	goerrors "errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrRecordBusy    = goerrors.New("record busy: move queue is full")
	ErrRecordClosed  = goerrors.New("record has been closed")
	ErrSoftLimit     = goerrors.New("target outside soft travel limits")
	ErrUnknownField  = goerrors.New("unknown record field")
	ErrReadOnlyField = goerrors.New("record field is read only")
)

type DeviceNotFoundError struct {
	Locator string
	Found   []string
}

func (err DeviceNotFoundError) Error() string {
	if len(err.Found) == 0 {
		return "no devices found"
	}
	return fmt.Sprintf("device %s not found in [%s]", err.Locator, strings.Join(err.Found, ", "))
}

type DeviceOpenError struct {
	Locator string
	Err     error
}

func (err DeviceOpenError) Error() string {
	return fmt.Sprintf("unable to open device %s: %v", err.Locator, err.Err)
}

func (err DeviceOpenError) Unwrap() error {
	return err.Err
}

type UnknownAxisError struct {
	Ref string
}

func (err UnknownAxisError) Error() string {
	return fmt.Sprintf("no such axis %s", err.Ref)
}

// HardwareCallError is a failed driver call. Code is the vendor result code,
// or -1 when the driver did not supply one.
type HardwareCallError struct {
	Func string
	Code int
	Axis int
	Err  error
}

func (err HardwareCallError) Error() string {
	if len(err.Func) == 0 {
		err.Func = "UNKNOWN"
	}

	msg := fmt.Sprintf("%s on axis %d failed (0x%04X)", err.Func, err.Axis, err.Code)
	if err.Code < 0 {
		msg = fmt.Sprintf("%s on axis %d failed", err.Func, err.Axis)
	}
	if err.Err != nil {
		msg += ": " + err.Err.Error()
	}
	return msg
}

func (err HardwareCallError) Unwrap() error {
	return err.Err
}

type PropertyTimeoutError struct {
	Op      string
	Axis    int
	Timeout time.Duration
}

func (err PropertyTimeoutError) Error() string {
	return fmt.Sprintf("%s on axis %d did not complete within %s", err.Op, err.Axis, err.Timeout)
}
