// Package camera provides a generic HTTP interface to a scientific camera
package camera

import (
	"encoding/json"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"time"

	"github.com/andes-obs/andesctl/generichttp"
	"github.com/andes-obs/andesctl/imgrec"
	"github.com/andes-obs/andesctl/util"
	"github.com/astrogo/fitsio"
)

// AOI describes an area of interest on the camera
type AOI struct {
	// Left is the left pixel index.  1-based
	Left int `json:"left"`

	// Top is the top pixel index.  1-based
	Top int `json:"top"`

	// Width is the width in pixels
	Width int `json:"width"`

	// Height is the height in pixels
	Height int `json:"height"`
}

// Binning encapsulates information about pixel addition on camera
type Binning struct {
	// H is the horizontal binning factor
	H int `json:"h"`

	// V is the vertical binning factor
	V int `json:"v"`
}

// PictureTaker describes an interface to a camera which can capture images
type PictureTaker interface {
	// GetFrame triggers capture of a frame and returns the strided image data as 16-bit integers
	GetFrame() ([]uint16, error)

	// Burst takes N frames at a certain framerate and returns the contiguous strided buffer for the 3D array
	Burst(int, float64) ([]uint16, error)

	// SetExposureTime sets the exposure time
	SetExposureTime(time.Duration) error

	// GetExposureTime gets the exposure time
	GetExposureTime() (time.Duration, error)

	// SetAOI allows the AOI to be set
	SetAOI(AOI) error

	// GetAOI retrieves the current AOI
	GetAOI() (AOI, error)

	// SetBinning sets the binning option of the camera
	SetBinning(Binning) error

	// GetBinning returns the binning option of the camera
	GetBinning() (Binning, error)
}

// ThermalManager describes an interface to a camera which can manage its thermal performance
type ThermalManager interface {
	// GetCooling queries if focal plane cooling is currently active
	GetCooling() (bool, error)

	// SetCooling turns focal plane cooling on or off
	SetCooling(bool) error

	// GetTemperature gets the current focal plane temperature in Celsius
	GetTemperature() (float64, error)

	// GetTemperatureSetpoint gets the temperature setpoint in Celsius
	GetTemperatureSetpoint() (float64, error)

	// SetTemperatureSetpoint sets the temperature setpoint in Celsius
	SetTemperatureSetpoint(float64) error
}

// GainManager describes a camera with a selectable video gain
type GainManager interface {
	// GetGain returns the current gain index
	GetGain() (int, error)

	// SetGain selects a gain by index
	SetGain(int) error
}

// ShutterController describes a camera with a commandable shutter
type ShutterController interface {
	// GetShutterOpen queries whether the shutter opens during exposures
	GetShutterOpen() (bool, error)

	// SetShutterOpen controls whether the shutter opens during exposures
	SetShutterOpen(bool) error
}

// Configurer describes a camera that stages settings and pushes them to the
// hardware in one transaction
type Configurer interface {
	// ApplyConfiguration uploads the staged settings
	ApplyConfiguration() error

	// PendingChanges lists the staged fields that differ from the hardware
	PendingChanges() []string
}

// StateReporter describes a camera that exposes its capture lifecycle state
type StateReporter interface {
	// CameraState returns the lifecycle state as a string
	CameraState() (string, error)
}

// MetadataMaker can produce an array of FITS cards
type MetadataMaker interface {
	// CollectHeaderMetadata produces an array of FITS cards
	CollectHeaderMetadata() []fitsio.Card
}

// HTTPCamera is an HTTP adapter to a PictureTaker
type HTTPCamera struct {
	PictureTaker

	rec *imgrec.Recorder

	routes generichttp.RouteTable
}

// NewHTTPCamera returns a new HTTP wrapper with the route table populated.
// Optional capabilities of p add their routes when the underlying type
// implements them.
func NewHTTPCamera(p PictureTaker, rec *imgrec.Recorder) HTTPCamera {
	w := HTTPCamera{PictureTaker: p, rec: rec}
	rt := generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/image"}:           w.GetFrame,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/burst"}:         w.Burst,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/exposure-time"}:  w.GetExposureTime,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/exposure-time"}: w.SetExposureTime,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/aoi"}:            w.GetAOI,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/aoi"}:           w.SetAOI,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/binning"}:        w.GetBinning,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/binning"}:       w.SetBinning,
	}
	if thermal, ok := interface{}(p).(ThermalManager); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/temperature"}] = generichttp.GetFloat(thermal.GetTemperature)
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/temperature-setpoint"}] = generichttp.GetFloat(thermal.GetTemperatureSetpoint)
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/temperature-setpoint"}] = generichttp.SetFloat(thermal.SetTemperatureSetpoint)
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/cooling"}] = generichttp.GetBool(thermal.GetCooling)
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/cooling"}] = generichttp.SetBool(thermal.SetCooling)
	}
	if gain, ok := interface{}(p).(GainManager); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/gain"}] = generichttp.GetInt(gain.GetGain)
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/gain"}] = generichttp.SetInt(gain.SetGain)
	}
	if shutter, ok := interface{}(p).(ShutterController); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/shutter"}] = generichttp.GetBool(shutter.GetShutterOpen)
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/shutter"}] = generichttp.SetBool(shutter.SetShutterOpen)
	}
	if cfg, ok := interface{}(p).(Configurer); ok {
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/configure"}] = func(w http.ResponseWriter, r *http.Request) {
			if err := cfg.ApplyConfiguration(); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
		}
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/pending-changes"}] = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(cfg.PendingChanges())
		}
	}
	if st, ok := interface{}(p).(StateReporter); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/state"}] = generichttp.GetString(st.CameraState)
	}
	w.routes = rt
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPCamera) RT() generichttp.RouteTable {
	return h.routes
}

// frameDims is the image geometry the next capture will produce, the AOI
// shrunk by the binning
func (h HTTPCamera) frameDims() (int, int, error) {
	aoi, err := h.PictureTaker.GetAOI()
	if err != nil {
		return 0, 0, err
	}
	bin, err := h.PictureTaker.GetBinning()
	if err != nil {
		return 0, 0, err
	}
	return aoi.Width / bin.H, aoi.Height / bin.V, nil
}

// SetExposureTime sets the exposure time on a POST request.
// it can be provided either as a query parameter exposureTime, formatted in a
// way that is parseable by golang/time.ParseDuration, or a json payload with
// key f64, holding the exposure time in seconds.
func (h HTTPCamera) SetExposureTime(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	texp := q.Get("exposureTime")
	var d time.Duration
	var err error
	if texp == "" {
		f := generichttp.FloatT{}
		err = json.NewDecoder(r.Body).Decode(&f)
		d = time.Duration(int(f.F64*1e9)) * time.Nanosecond // 1e9 s => ns
	} else {
		d, err = time.ParseDuration(texp)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.PictureTaker.SetExposureTime(d)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetExposureTime gets the exposure time on a GET request
func (h HTTPCamera) GetExposureTime(w http.ResponseWriter, r *http.Request) {
	f, err := h.PictureTaker.GetExposureTime()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	generichttp.GetFloat(func() (float64, error) { return f.Seconds(), nil })(w, r)
}

// GetFrame takes a picture and returns it on a GET request.
//
// the image format may be specified in a query parameter; default to jpg
//
// the exposure time may be specified as a query parameter in any time-looking
// format, such as "25ms" or "10us".  Strictly speaking, it must be a valid
// input to golang time.ParseDuration.
//
// if no unit is appended, an s (seconds) is added.
//
// if no exposure time is provided, it is not updated and the existing value is used.
func (h HTTPCamera) GetFrame(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	texp := q.Get("exposureTime")
	if texp != "" {
		if util.AllElementsNumbers(texp) {
			texp = texp + "s"
		}
		T, err := time.ParseDuration(texp)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = h.PictureTaker.SetExposureTime(T)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	img, err := h.PictureTaker.GetFrame()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	width, height, err := h.frameDims()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	format := q.Get("fmt")
	if format == "" {
		format = "jpg"
	}
	switch format {
	case "jpg":
		buf := make([]byte, len(img))
		for idx := 0; idx < len(img); idx++ {
			buf[idx] = byte(img[idx] / 256) // scale 16 to 8 bits
		}
		im := &image.Gray{Pix: buf, Stride: width, Rect: image.Rect(0, 0, width, height)}
		w.Header().Set("Content-Type", "image/jpeg")
		w.WriteHeader(http.StatusOK)
		jpeg.Encode(w, im, nil)
	case "png":
		buf := make([]byte, len(img))
		for idx := 0; idx < len(img); idx++ {
			buf[idx] = byte(img[idx] / 256) // scale 16 to 8 bits
		}
		im := &image.Gray{Pix: buf, Stride: width, Rect: image.Rect(0, 0, width, height)}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		png.Encode(w, im)
	case "fits":
		// a recorder with a root folder set tees the stream to disk and
		// counts up for the next file
		var w2 io.Writer
		if h.rec != nil && h.rec.Enabled && h.rec.Root != "" {
			w2 = io.MultiWriter(w, h.rec)
			defer h.rec.Incr()
		} else {
			w2 = w
		}
		cards := []fitsio.Card{}
		if carder, ok := interface{}(h.PictureTaker).(MetadataMaker); ok {
			cards = carder.CollectHeaderMetadata()
		}
		hdr := w.Header()
		hdr.Set("Content-Type", "image/fits")
		hdr.Set("Content-Disposition", "attachment; filename=image.fits")
		err = WriteFits(w2, cards, img, width, height, 1)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	default:
		http.Error(w, "fmt must be jpg, png, or fits", http.StatusBadRequest)
	}
}

// Burst takes a burst of N frames at M fps and returns it as a fits image cube
func (h HTTPCamera) Burst(w http.ResponseWriter, r *http.Request) {
	t := struct {
		FPS    float64 `json:"fps"`
		Frames int     `json:"frames"`
	}{}
	err := json.NewDecoder(r.Body).Decode(&t)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	img, err := h.PictureTaker.Burst(t.Frames, t.FPS)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	width, height, err := h.frameDims()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	cards := []fitsio.Card{}
	if carder, ok := interface{}(h.PictureTaker).(MetadataMaker); ok {
		cards = carder.CollectHeaderMetadata()
	}
	cards = append(cards, fitsio.Card{Name: "FPS", Value: t.FPS, Comment: "frame rate"})
	hdr := w.Header()
	hdr.Set("Content-Type", "image/fits")
	hdr.Set("Content-Disposition", "attachment; filename=image.fits")
	err = WriteFits(w, cards, img, width, height, t.Frames)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetAOI returns the AOI as JSON on a GET request
func (h HTTPCamera) GetAOI(w http.ResponseWriter, r *http.Request) {
	aoi, err := h.PictureTaker.GetAOI()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err = json.NewEncoder(w).Encode(aoi)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// SetAOI decodes an AOI from JSON and applies it on a POST request
func (h HTTPCamera) SetAOI(w http.ResponseWriter, r *http.Request) {
	aoi := AOI{}
	err := json.NewDecoder(r.Body).Decode(&aoi)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.PictureTaker.SetAOI(aoi)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetBinning returns the binning as JSON on a GET request
func (h HTTPCamera) GetBinning(w http.ResponseWriter, r *http.Request) {
	b, err := h.PictureTaker.GetBinning()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err = json.NewEncoder(w).Encode(b)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// SetBinning decodes a binning from JSON and applies it on a POST request
func (h HTTPCamera) SetBinning(w http.ResponseWriter, r *http.Request) {
	b := Binning{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.PictureTaker.SetBinning(b)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}
