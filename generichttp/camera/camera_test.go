package camera

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andes-obs/andesctl/generichttp"
	"github.com/andes-obs/andesctl/imgrec"
	"github.com/astrogo/fitsio"
)

// fakeCam implements the bare PictureTaker interface over a static 4x2 ramp.
type fakeCam struct {
	texp time.Duration
	aoi  AOI
	bin  Binning
	pix  []uint16
}

func newFakeCam() *fakeCam {
	pix := make([]uint16, 8)
	for i := range pix {
		pix[i] = uint16(i * 1000)
	}
	return &fakeCam{
		texp: 10 * time.Millisecond,
		aoi:  AOI{Left: 1, Top: 1, Width: 4, Height: 2},
		bin:  Binning{H: 1, V: 1},
		pix:  pix,
	}
}

func (f *fakeCam) GetFrame() ([]uint16, error) { return f.pix, nil }
func (f *fakeCam) Burst(n int, fps float64) ([]uint16, error) {
	out := make([]uint16, 0, n*len(f.pix))
	for i := 0; i < n; i++ {
		out = append(out, f.pix...)
	}
	return out, nil
}
func (f *fakeCam) SetExposureTime(d time.Duration) error   { f.texp = d; return nil }
func (f *fakeCam) GetExposureTime() (time.Duration, error) { return f.texp, nil }
func (f *fakeCam) SetAOI(a AOI) error                      { f.aoi = a; return nil }
func (f *fakeCam) GetAOI() (AOI, error)                    { return f.aoi, nil }
func (f *fakeCam) SetBinning(b Binning) error              { f.bin = b; return nil }
func (f *fakeCam) GetBinning() (Binning, error)            { return f.bin, nil }

// fullCam adds every optional capability on top of fakeCam.
type fullCam struct {
	*fakeCam
	cooling    bool
	setpoint   float64
	gain       int
	shutter    bool
	configured int
}

func (f *fullCam) GetCooling() (bool, error)                { return f.cooling, nil }
func (f *fullCam) SetCooling(b bool) error                  { f.cooling = b; return nil }
func (f *fullCam) GetTemperature() (float64, error)         { return -40.05, nil }
func (f *fullCam) GetTemperatureSetpoint() (float64, error) { return f.setpoint, nil }
func (f *fullCam) SetTemperatureSetpoint(v float64) error   { f.setpoint = v; return nil }

func (f *fullCam) GetGain() (int, error) { return f.gain, nil }
func (f *fullCam) SetGain(g int) error   { f.gain = g; return nil }

func (f *fullCam) GetShutterOpen() (bool, error) { return f.shutter, nil }
func (f *fullCam) SetShutterOpen(b bool) error   { f.shutter = b; return nil }

func (f *fullCam) ApplyConfiguration() error    { f.configured++; return nil }
func (f *fullCam) PendingChanges() []string     { return []string{"gain"} }
func (f *fullCam) CameraState() (string, error) { return "idle", nil }
func (f *fullCam) CollectHeaderMetadata() []fitsio.Card {
	return []fitsio.Card{{Name: "SENSOR", Value: "FAKE", Comment: "detector model"}}
}

func TestRouteTableBase(t *testing.T) {
	h := NewHTTPCamera(newFakeCam(), nil)
	rt := h.RT()
	expected := []generichttp.MethodPath{
		{Method: http.MethodGet, Path: "/image"},
		{Method: http.MethodPost, Path: "/burst"},
		{Method: http.MethodGet, Path: "/exposure-time"},
		{Method: http.MethodPost, Path: "/exposure-time"},
		{Method: http.MethodGet, Path: "/aoi"},
		{Method: http.MethodPost, Path: "/aoi"},
		{Method: http.MethodGet, Path: "/binning"},
		{Method: http.MethodPost, Path: "/binning"},
	}
	for _, mp := range expected {
		if _, ok := rt[mp]; !ok {
			t.Errorf("route table missing %s %s", mp.Method, mp.Path)
		}
	}
	// the bare camera has no optional capabilities
	for _, mp := range []generichttp.MethodPath{
		{Method: http.MethodGet, Path: "/temperature"},
		{Method: http.MethodGet, Path: "/gain"},
		{Method: http.MethodGet, Path: "/shutter"},
		{Method: http.MethodPost, Path: "/configure"},
		{Method: http.MethodGet, Path: "/state"},
	} {
		if _, ok := rt[mp]; ok {
			t.Errorf("route table should not offer %s %s", mp.Method, mp.Path)
		}
	}
}

func TestRouteTableOptional(t *testing.T) {
	h := NewHTTPCamera(&fullCam{fakeCam: newFakeCam()}, nil)
	rt := h.RT()
	for _, mp := range []generichttp.MethodPath{
		{Method: http.MethodGet, Path: "/temperature"},
		{Method: http.MethodGet, Path: "/temperature-setpoint"},
		{Method: http.MethodPost, Path: "/temperature-setpoint"},
		{Method: http.MethodGet, Path: "/cooling"},
		{Method: http.MethodPost, Path: "/cooling"},
		{Method: http.MethodGet, Path: "/gain"},
		{Method: http.MethodPost, Path: "/gain"},
		{Method: http.MethodGet, Path: "/shutter"},
		{Method: http.MethodPost, Path: "/shutter"},
		{Method: http.MethodPost, Path: "/configure"},
		{Method: http.MethodGet, Path: "/pending-changes"},
		{Method: http.MethodGet, Path: "/state"},
	} {
		if _, ok := rt[mp]; !ok {
			t.Errorf("route table missing %s %s", mp.Method, mp.Path)
		}
	}
}

func TestGetFrameFormats(t *testing.T) {
	h := NewHTTPCamera(newFakeCam(), nil)

	w := httptest.NewRecorder()
	h.GetFrame(w, httptest.NewRequest("GET", "/image", nil))
	if w.Code != 200 || w.Header().Get("Content-Type") != "image/jpeg" {
		t.Errorf("default format should be jpeg, got %d %s", w.Code, w.Header().Get("Content-Type"))
	}

	w = httptest.NewRecorder()
	h.GetFrame(w, httptest.NewRequest("GET", "/image?fmt=png", nil))
	if w.Header().Get("Content-Type") != "image/png" {
		t.Errorf("expected image/png, got %s", w.Header().Get("Content-Type"))
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("png body should start with the png magic")
	}

	w = httptest.NewRecorder()
	h.GetFrame(w, httptest.NewRequest("GET", "/image?fmt=fits", nil))
	if w.Header().Get("Content-Type") != "image/fits" {
		t.Errorf("expected image/fits, got %s", w.Header().Get("Content-Type"))
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("SIMPLE")) {
		t.Error("fits body should start with SIMPLE")
	}

	w = httptest.NewRecorder()
	h.GetFrame(w, httptest.NewRequest("GET", "/image?fmt=bmp", nil))
	if w.Code != 400 {
		t.Errorf("an unknown format should 400, got %d", w.Code)
	}
}

func TestGetFrameExposureQuery(t *testing.T) {
	cam := newFakeCam()
	h := NewHTTPCamera(cam, nil)

	w := httptest.NewRecorder()
	h.GetFrame(w, httptest.NewRequest("GET", "/image?fmt=png&exposureTime=25ms", nil))
	if cam.texp != 25*time.Millisecond {
		t.Errorf("expected 25ms got %s", cam.texp)
	}
	// bare numbers are seconds
	w = httptest.NewRecorder()
	h.GetFrame(w, httptest.NewRequest("GET", "/image?fmt=png&exposureTime=2", nil))
	if cam.texp != 2*time.Second {
		t.Errorf("expected 2s got %s", cam.texp)
	}
	w = httptest.NewRecorder()
	h.GetFrame(w, httptest.NewRequest("GET", "/image?fmt=png&exposureTime=abc", nil))
	if w.Code != 400 {
		t.Errorf("an unparseable duration should 400, got %d", w.Code)
	}
}

func TestExposureTimeHandlers(t *testing.T) {
	cam := newFakeCam()
	h := NewHTTPCamera(cam, nil)

	w := httptest.NewRecorder()
	h.SetExposureTime(w, httptest.NewRequest("POST", "/exposure-time?exposureTime=25ms", nil))
	if w.Code != 200 || cam.texp != 25*time.Millisecond {
		t.Errorf("query form failed, %d %s", w.Code, cam.texp)
	}

	w = httptest.NewRecorder()
	h.SetExposureTime(w, httptest.NewRequest("POST", "/exposure-time", strings.NewReader(`{"f64": 0.5}`)))
	if w.Code != 200 || cam.texp != 500*time.Millisecond {
		t.Errorf("json form failed, %d %s", w.Code, cam.texp)
	}

	w = httptest.NewRecorder()
	h.SetExposureTime(w, httptest.NewRequest("POST", "/exposure-time?exposureTime=xyz", nil))
	if w.Code != 400 {
		t.Errorf("an unparseable duration should 400, got %d", w.Code)
	}

	cam.texp = 25 * time.Millisecond
	w = httptest.NewRecorder()
	h.GetExposureTime(w, httptest.NewRequest("GET", "/exposure-time", nil))
	var f generichttp.FloatT
	if err := json.NewDecoder(w.Body).Decode(&f); err != nil {
		t.Fatal(err)
	}
	if f.F64 != 0.025 {
		t.Errorf("expected 0.025 got %g", f.F64)
	}
}

func TestAOIHandlers(t *testing.T) {
	cam := newFakeCam()
	h := NewHTTPCamera(cam, nil)

	w := httptest.NewRecorder()
	h.SetAOI(w, httptest.NewRequest("POST", "/aoi", strings.NewReader(`{"left":2,"top":3,"width":2,"height":2}`)))
	if w.Code != 200 {
		t.Fatalf("expected 200 got %d", w.Code)
	}
	if cam.aoi != (AOI{Left: 2, Top: 3, Width: 2, Height: 2}) {
		t.Errorf("aoi mismatch, got %+v", cam.aoi)
	}

	w = httptest.NewRecorder()
	h.GetAOI(w, httptest.NewRequest("GET", "/aoi", nil))
	var aoi AOI
	if err := json.NewDecoder(w.Body).Decode(&aoi); err != nil {
		t.Fatal(err)
	}
	if aoi != cam.aoi {
		t.Errorf("round trip mismatch, got %+v", aoi)
	}
}

func TestBinningHandlers(t *testing.T) {
	cam := newFakeCam()
	h := NewHTTPCamera(cam, nil)

	w := httptest.NewRecorder()
	h.SetBinning(w, httptest.NewRequest("POST", "/binning", strings.NewReader(`{"h":2,"v":2}`)))
	if w.Code != 200 || cam.bin != (Binning{H: 2, V: 2}) {
		t.Errorf("binning mismatch, %d %+v", w.Code, cam.bin)
	}

	w = httptest.NewRecorder()
	h.GetBinning(w, httptest.NewRequest("GET", "/binning", nil))
	var b Binning
	if err := json.NewDecoder(w.Body).Decode(&b); err != nil {
		t.Fatal(err)
	}
	if b != cam.bin {
		t.Errorf("round trip mismatch, got %+v", b)
	}
}

func TestBurstHandler(t *testing.T) {
	h := NewHTTPCamera(&fullCam{fakeCam: newFakeCam()}, nil)
	w := httptest.NewRecorder()
	h.Burst(w, httptest.NewRequest("POST", "/burst", strings.NewReader(`{"fps": 5, "frames": 2}`)))
	if w.Code != 200 {
		t.Fatalf("expected 200 got %d", w.Code)
	}
	body := w.Body.Bytes()
	if !bytes.HasPrefix(body, []byte("SIMPLE")) {
		t.Error("burst body should be a fits file")
	}
	for _, key := range []string{"NAXIS3", "FPS", "SENSOR"} {
		if !bytes.Contains(body, []byte(key)) {
			t.Errorf("burst header should carry %s", key)
		}
	}

	w = httptest.NewRecorder()
	h.Burst(w, httptest.NewRequest("POST", "/burst", strings.NewReader("not json")))
	if w.Code != 400 {
		t.Errorf("malformed body should 400, got %d", w.Code)
	}
}

func TestConfigureRoutes(t *testing.T) {
	cam := &fullCam{fakeCam: newFakeCam()}
	h := NewHTTPCamera(cam, nil)
	rt := h.RT()

	w := httptest.NewRecorder()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/configure"}](w, httptest.NewRequest("POST", "/configure", nil))
	if w.Code != 200 || cam.configured != 1 {
		t.Errorf("configure should reach the camera, %d %d", w.Code, cam.configured)
	}

	w = httptest.NewRecorder()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/pending-changes"}](w, httptest.NewRequest("GET", "/pending-changes", nil))
	var pend []string
	if err := json.NewDecoder(w.Body).Decode(&pend); err != nil {
		t.Fatal(err)
	}
	if len(pend) != 1 || pend[0] != "gain" {
		t.Errorf("expected [gain] got %v", pend)
	}

	w = httptest.NewRecorder()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/state"}](w, httptest.NewRequest("GET", "/state", nil))
	var s generichttp.StrT
	if err := json.NewDecoder(w.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	if s.Str != "idle" {
		t.Errorf("expected idle got %q", s.Str)
	}
}

func TestFitsRecorderTee(t *testing.T) {
	rec := &imgrec.Recorder{Root: t.TempDir(), Prefix: "img", Enabled: true}
	h := NewHTTPCamera(newFakeCam(), rec)

	w := httptest.NewRecorder()
	h.GetFrame(w, httptest.NewRequest("GET", "/image?fmt=fits", nil))
	w2 := httptest.NewRecorder()
	h.GetFrame(w2, httptest.NewRequest("GET", "/image?fmt=fits", nil))

	files, err := filepath.Glob(filepath.Join(rec.Root, "*", "img*.fits"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("each download should land in its own file, got %v", files)
	}
}

func TestWriteFits(t *testing.T) {
	pix := []uint16{0, 100, 32768, 65535, 1, 2, 3, 4}
	var buf bytes.Buffer
	err := WriteFits(&buf, []fitsio.Card{{Name: "SENSOR", Value: "FAKE", Comment: "detector model"}}, pix, 4, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	b := buf.Bytes()
	if len(b) != 5760 {
		t.Fatalf("one header and one data block, expected 5760 bytes got %d", len(b))
	}
	if !bytes.HasPrefix(b, []byte("SIMPLE")) {
		t.Error("file should start with SIMPLE")
	}
	for _, key := range []string{"BITPIX", "NAXIS1", "BZERO", "SENSOR"} {
		if !bytes.Contains(b[:2880], []byte(key)) {
			t.Errorf("header should carry %s", key)
		}
	}
	// samples are shifted by BZERO into big endian int16
	expected := []byte{0x80, 0x00, 0x80, 0x64, 0x00, 0x00, 0x7F, 0xFF}
	for i, v := range expected {
		if b[2880+i] != v {
			t.Errorf("data byte %d mismatch, expected %02X got %02X", i, v, b[2880+i])
		}
	}
}

func TestWriteFitsCube(t *testing.T) {
	pix := make([]uint16, 16)
	var buf bytes.Buffer
	if err := WriteFits(&buf, nil, pix, 4, 2, 2); err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(buf.Bytes()[:2880], []byte("NAXIS3")) {
		t.Error("a cube should carry NAXIS3")
	}
}
