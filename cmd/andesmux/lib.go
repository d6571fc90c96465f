package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/andes-obs/andesctl/andes"
	"github.com/andes-obs/andesctl/generichttp"
	"github.com/andes-obs/andesctl/generichttp/camera"
	"github.com/andes-obs/andesctl/imgrec"
	"github.com/andes-obs/andesctl/server/middleware/locker"
	"github.com/andes-obs/andesctl/usbcomm"
	"github.com/andes-obs/andesctl/util"

	"github.com/go-chi/chi"
	"github.com/go-yaml/yaml"
	"goji.io"
	"goji.io/pat"
)

// Recorder holds the automatic image writing parameters of one node
type Recorder struct {
	// Root is the root folder to write to, empty disables recording
	Root string `yaml:"Root"`

	// Prefix is the filename prefix to use
	Prefix string `yaml:"Prefix"`
}

// ObjSetup holds the typical arguments for one attached controller
type ObjSetup struct {
	// Endpoint is the stem the node's routes are served under,
	// ex. Endpoint="science" will produce routes of /science/image, etc.
	Endpoint string `yaml:"Endpoint"`

	// Sensor is the detector model behind the controller
	Sensor string `yaml:"Sensor"`

	// VID and PID select the controller on the bus; zero uses the standard IDs
	VID int `yaml:"VID"`
	PID int `yaml:"PID"`

	// Recorder configures automatic image writing for this node
	Recorder Recorder `yaml:"Recorder"`
}

// Config is a struct that holds the initialization parameters for the
// spool server.  It is to be populated by a yaml unmarshal call.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr"`

	// Mock replaces every controller with a simulated one
	Mock bool `yaml:"Mock"`

	// Nodes is the list of cameras to serve
	Nodes []ObjSetup `yaml:"Nodes"`
}

// LoadYaml converts a (path to a) yaml file into a Config struct
func LoadYaml(path string) (Config, error) {
	cfg := Config{}
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	err = yaml.NewDecoder(f).Decode(&cfg)
	return cfg, err
}

// BuildMux constructs a goji mux with one subrouter per configured node.
// Each node is configured at build time so its routes work immediately.
// The mux serves a special route, /endpoints, which returns a map of all
// routes as JSON.
func BuildMux(c Config) (*goji.Mux, error) {
	stems := make([]string, len(c.Nodes))
	for i := range c.Nodes {
		// prepare the URL, "science" => "/science/*"
		stems[i] = generichttp.SubMuxSanitize(c.Nodes[i].Endpoint)
	}
	if len(util.UniqueString(stems)) != len(stems) {
		return nil, errors.New("no two nodes may share an endpoint")
	}
	root := goji.NewMux()
	supergraph := map[string][]string{}
	for i, node := range c.Nodes {
		sen, err := andes.SensorByName(node.Sensor)
		if err != nil {
			return nil, fmt.Errorf("node %s: %v", node.Endpoint, err)
		}
		var t andes.Transport
		if c.Mock {
			t = andes.NewMock(sen)
		} else {
			vid, pid := uint16(node.VID), uint16(node.PID)
			if vid == 0 {
				vid = andes.VID
			}
			if pid == 0 {
				pid = andes.PID
			}
			t, err = usbcomm.Open(vid, pid)
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", node.Endpoint, err)
			}
		}
		cam := andes.New(t, sen)
		if err := cam.ApplyConfiguration(); err != nil {
			return nil, fmt.Errorf("node %s: %w", node.Endpoint, err)
		}

		rec := &imgrec.Recorder{Root: node.Recorder.Root, Prefix: node.Recorder.Prefix, Enabled: node.Recorder.Root != ""}
		httper := camera.NewHTTPCamera(cam, rec)
		imgrec.NewHTTPWrapper(rec).Inject(httper)

		// add a lock interface for this node
		lock := locker.New()
		locker.Inject(httper, lock)

		// add the endpoints to the graph
		hndlS := stems[i]
		supergraph[hndlS] = httper.RT().Endpoints()

		// bind to the mux; the chi subrouter serves the node below the goji root
		r := chi.NewRouter()
		r.Use(lock.Check)
		httper.RT().Bind(r)
		root.Handle(pat.New(hndlS), http.StripPrefix(strings.TrimSuffix(hndlS, "/*"), r))
	}
	root.HandleFunc(pat.Get("/endpoints"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root, nil
}
