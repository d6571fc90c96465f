package andes

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/brandondube/ringo"
)

// TempMonitor samples the detector temperature on a fixed cadence and keeps
// a ring buffer of the history to serve over HTTP.
type TempMonitor struct {
	T      ringo.CircleF64
	Time   ringo.CircleTime
	cam    *Camera
	ticker *time.Ticker
	stop   chan struct{}
}

type tempdata struct {
	T    *[]float64   `json:"temp"`
	Time *[]time.Time `json:"timestamp"`
}

// NewTempMonitor creates a monitor for cam and initializes the internal
// machinery.  Start begins sampling.
func NewTempMonitor(cam *Camera, tick time.Duration, capacity int) *TempMonitor {
	T := ringo.CircleF64{}
	T.Init(capacity)
	Time := ringo.CircleTime{}
	Time.Init(capacity)
	return &TempMonitor{
		T:      T,
		Time:   Time,
		cam:    cam,
		ticker: time.NewTicker(tick),
		stop:   make(chan struct{})}
}

// Start triggers operation of the monitor.
func (tm *TempMonitor) Start() {
	go tm.runner()
}

// Stop kills the monitor.  It may be restarted.
func (tm *TempMonitor) Stop() {
	tm.stop <- struct{}{}
}

func (tm *TempMonitor) runner() {
	for {
		select {
		case t := <-tm.ticker.C:
			temp, err := tm.cam.Temperature(context.Background())
			if err != nil {
				// the camera being mid capture is routine, anything else
				// is worth a line in the log
				if !errors.Is(err, ErrDeviceBusy) {
					log.Printf("error reading detector temperature, %q\n", err)
				}
				continue
			}
			tm.Time.Append(t)
			tm.T.Append(temp)
		case <-tm.stop:
			return
		}
	}
}

// HTTPYield returns the temperature and timestamp history as JSON arrays.
func (tm *TempMonitor) HTTPYield(w http.ResponseWriter, r *http.Request) {
	bufT := tm.T.Contiguous()
	bufTime := tm.Time.Contiguous()
	s := tempdata{
		T:    &bufT,
		Time: &bufTime}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(s)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
