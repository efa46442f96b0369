package main

import (
	"errors"
	"net/http"

	deverr "github.com/CodedInternet/nanostage/onboard/errors"
	"github.com/go-chi/render"
)

// ErrResponse renders an error as {"status": ..., "error": ...}.
type ErrResponse struct {
	Err            error `json:"-"`
	HTTPStatusCode int   `json:"-"`

	StatusText string `json:"status"`
	ErrorText  string `json:"error,omitempty"`
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func newErrResponse(err error, code int) *ErrResponse {
	resp := &ErrResponse{
		Err:            err,
		HTTPStatusCode: code,
		StatusText:     http.StatusText(code),
	}
	if err != nil {
		resp.ErrorText = err.Error()
	}
	return resp
}

var ErrNotFound = &ErrResponse{HTTPStatusCode: http.StatusNotFound, StatusText: "Resource not found."}

func ErrInvalidRequest(err error) render.Renderer {
	return newErrResponse(err, http.StatusBadRequest)
}

func ErrUnauthorized(err error) render.Renderer {
	return newErrResponse(err, http.StatusUnauthorized)
}

func ErrPermissionDenied(err error) render.Renderer {
	return newErrResponse(err, http.StatusForbidden)
}

func ErrRender(err error) render.Renderer {
	return newErrResponse(err, http.StatusInternalServerError)
}

// ErrDevice maps errors coming out of the stage onto status codes.
func ErrDevice(err error) render.Renderer {
	var (
		unknownAxis deverr.UnknownAxisError
		timeout     deverr.PropertyTimeoutError
		hardware    deverr.HardwareCallError
	)

	switch {
	case errors.As(err, &unknownAxis), errors.Is(err, deverr.ErrUnknownField):
		return newErrResponse(err, http.StatusNotFound)
	case errors.Is(err, deverr.ErrReadOnlyField):
		return newErrResponse(err, http.StatusMethodNotAllowed)
	case errors.Is(err, deverr.ErrSoftLimit):
		return newErrResponse(err, http.StatusBadRequest)
	case errors.Is(err, deverr.ErrRecordBusy):
		return newErrResponse(err, http.StatusConflict)
	case errors.Is(err, deverr.ErrRecordClosed):
		return newErrResponse(err, http.StatusServiceUnavailable)
	case errors.As(err, &timeout):
		return newErrResponse(err, http.StatusGatewayTimeout)
	case errors.As(err, &hardware):
		return newErrResponse(err, http.StatusBadGateway)
	}
	return ErrRender(err)
}
