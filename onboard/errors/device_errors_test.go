package errors

import (
	goerrors "errors"
	. "github.com/smartystreets/goconvey/convey"
	"testing"
	"time"
)

func TestDeviceErrors(t *testing.T) {
	Convey("device not found lists what was discovered", t, func() {
		err := DeviceNotFoundError{Locator: "MCS2-1", Found: []string{"usb:a", "usb:b"}}
		So(err.Error(), ShouldContainSubstring, "MCS2-1")
		So(err.Error(), ShouldContainSubstring, "usb:a, usb:b")

		So(DeviceNotFoundError{}.Error(), ShouldEqual, "no devices found")
	})

	Convey("hardware call errors carry the function and code", t, func() {
		cause := goerrors.New("bus gone")
		err := HardwareCallError{Func: "Move", Code: 0x0101, Axis: 3, Err: cause}
		So(err.Error(), ShouldContainSubstring, "Move on axis 3")
		So(err.Error(), ShouldContainSubstring, "0x0101")
		So(goerrors.Is(err, cause), ShouldBeTrue)

		Convey("a missing code is not printed", func() {
			err.Code = -1
			So(err.Error(), ShouldNotContainSubstring, "0x")
		})

		Convey("errors.As finds it through wrapping", func() {
			var wrapped error = DeviceOpenError{Locator: "x", Err: err}
			var hce HardwareCallError
			So(goerrors.As(wrapped, &hce), ShouldBeTrue)
			So(hce.Axis, ShouldEqual, 3)
		})
	})

	Convey("timeouts name the operation", t, func() {
		err := PropertyTimeoutError{Op: "calibrate", Axis: 1, Timeout: time.Second}
		So(err.Error(), ShouldEqual, "calibrate on axis 1 did not complete within 1s")
	})

	Convey("unknown axis names the reference", t, func() {
		So(UnknownAxisError{Ref: "trans9"}.Error(), ShouldContainSubstring, "trans9")
	})
}
