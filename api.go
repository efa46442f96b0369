package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/CodedInternet/nanostage/onboard"
	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"go.uber.org/multierr"
)

const recordContextKey contextKey = "record"

//---
// Payloads
//---

type RecordPayload struct {
	Name   string                        `json:"name"`
	Index  int                           `json:"index"`
	Units  string                        `json:"units"`
	Fields map[onboard.Field]interface{} `json:"fields"`
	Errors []string                      `json:"errors,omitempty"`
}

func newRecordPayload(record *onboard.MotorRecord) *RecordPayload {
	snap, err := record.Snapshot()
	p := &RecordPayload{
		Name:   record.Name,
		Index:  record.Axis().Index,
		Units:  record.Units(),
		Fields: snap,
	}
	for _, e := range multierr.Errors(err) {
		p.Errors = append(p.Errors, e.Error())
	}
	return p
}

func (p *RecordPayload) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

type FieldPayload struct {
	Field onboard.Field `json:"field"`
	Value interface{}   `json:"value"`
}

func (p *FieldPayload) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

type PutPayload struct {
	Value *float64 `json:"value"`
}

func (p *PutPayload) Bind(r *http.Request) error {
	if p.Value == nil {
		return errors.New("value is required")
	}
	return nil
}

//---
// Views
//---

// RecordCtx loads the record named by the {axis} url parameter.
func RecordCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		record, err := ENV.Stage.Record(chi.URLParam(r, "axis"))
		if err != nil {
			render.Render(w, r, ErrDevice(err))
			return
		}

		ctx := context.WithValue(r.Context(), recordContextKey, record)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func recordFrom(r *http.Request) *onboard.MotorRecord {
	return r.Context().Value(recordContextKey).(*onboard.MotorRecord)
}

func ListRecords(w http.ResponseWriter, r *http.Request) {
	list := []render.Renderer{}
	for _, record := range ENV.Stage.Records() {
		list = append(list, newRecordPayload(record))
	}
	render.RenderList(w, r, list)
}

func GetRecord(w http.ResponseWriter, r *http.Request) {
	render.Render(w, r, newRecordPayload(recordFrom(r)))
}

func GetField(w http.ResponseWriter, r *http.Request) {
	field := onboard.Field(chi.URLParam(r, "field"))
	value, err := recordFrom(r).Get(field)
	if err != nil {
		render.Render(w, r, ErrDevice(err))
		return
	}
	render.Render(w, r, &FieldPayload{Field: field, Value: value})
}

// PutField answers once the write is accepted. Moves carry on in the
// background; watch done_moving to see them finish.
func PutField(w http.ResponseWriter, r *http.Request) {
	data := &PutPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	field := onboard.Field(chi.URLParam(r, "field"))
	if err := recordFrom(r).Put(field, *data.Value); err != nil {
		render.Render(w, r, ErrDevice(err))
		return
	}

	render.Status(r, http.StatusAccepted)
	render.Render(w, r, &FieldPayload{Field: field, Value: *data.Value})
}

func StopRecord(w http.ResponseWriter, r *http.Request) {
	if err := recordFrom(r).Stop(); err != nil {
		render.Render(w, r, ErrDevice(err))
		return
	}
	render.Status(r, http.StatusAccepted)
	render.Render(w, r, newRecordPayload(recordFrom(r)))
}

// CalibrateRecord blocks until calibration has finished or the request goes away.
func CalibrateRecord(w http.ResponseWriter, r *http.Request) {
	record := recordFrom(r)
	if err := ENV.Stage.Calibrate(r.Context(), record.Name); err != nil {
		render.Render(w, r, ErrDevice(err))
		return
	}
	render.Render(w, r, newRecordPayload(record))
}

func ReferenceRecord(w http.ResponseWriter, r *http.Request) {
	record := recordFrom(r)
	if err := ENV.Stage.FindReference(r.Context(), record.Name); err != nil {
		render.Render(w, r, ErrDevice(err))
		return
	}
	render.Render(w, r, newRecordPayload(record))
}
