package main

import (
	"context"
	"errors"
	"fmt"
	"log"
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
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "andes-http.yml"
	k              = koanf.New(".")
)

type recorder struct {
	// Root is the root folder to write to
	Root string `yaml:"Root"`

	// Prefix is the filename prefix to use
	Prefix string `yaml:"Prefix"`
}

type thermal struct {
	// Enable pushes the servo configuration at bootup
	Enable bool `yaml:"Enable"`

	// Manual runs the TEC open loop at Output volts instead of closed loop
	Manual bool `yaml:"Manual"`

	// Setpoint is the regulation target in Celsius
	Setpoint float64 `yaml:"Setpoint"`

	// Output is the open loop drive in volts
	Output float64 `yaml:"Output"`

	// Kp, Ki, Kd are the closed loop terms
	Kp float64 `yaml:"Kp"`
	Ki float64 `yaml:"Ki"`
	Kd float64 `yaml:"Kd"`
}

type config struct {
	Addr         string   `yaml:"Addr"`
	Root         string   `yaml:"Root"`
	Sensor       string   `yaml:"Sensor"`
	Mock         bool     `yaml:"Mock"`
	VID          int      `yaml:"VID"`
	PID          int      `yaml:"PID"`
	ExposureTime float64  `yaml:"ExposureTime"`
	MonitorTick  float64  `yaml:"MonitorTick"`
	Recorder     recorder `yaml:"Recorder"`
	Thermal      thermal  `yaml:"Thermal"`
}

func setupconfig() {
	k.Load(structs.Provider(config{
		Addr:         ":8000",
		Root:         "/",
		Sensor:       "ccd230-42",
		VID:          andes.VID,
		PID:          andes.PID,
		ExposureTime: 0.1,
		MonitorTick:  10,
		Recorder:     recorder{},
		Thermal:      thermal{Manual: true}}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `andes-http exposes control of an Andes camera controller over HTTP
This enables a server-client architecture,
and the clients can leverage the excellent HTTP
libraries for any programming language,
instead of custom USB logic.

Usage:
	andes-http <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `andes-http is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used.  The command mkconf
generates the configuration file with the default values.

Sensor selects the detector model behind the controller, ccd230-42 (science
channel) or ccd47-10 (guider).  The server refuses to start on any other value.

Mock true replaces the controller with a simulation that answers every command
and produces synthetic gradient frames.  Useful for exercising clients with no
hardware on the bench.

VID and PID only need changing for bench variants of the controller; the
production units all enumerate as 04B4:00F1.

If run fails with a permission error on linux, the OS denied access to the USB
device.  Install a udev rule such as

SUBSYSTEM=="usb", ATTRS{idVendor}=="04b4", ATTRS{idProduct}=="00f1", MODE="0666"

and replug the controller.

The Thermal section is only pushed to the controller when Enable is true.
Manual true drives the TEC open loop at Output volts; otherwise the Kp/Ki/Kd
terms and Setpoint run closed loop.  Setpoints clamp to -25..+25 C.`
	fmt.Println(str)
}

func mkconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	err = yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("andes-http version %v\n", Version)
}

func run() {
	cfg := config{}
	k.Unmarshal("", &cfg)
	sen, err := andes.SensorByName(cfg.Sensor)
	if err != nil {
		log.Fatal(err)
	}
	var t andes.Transport
	if cfg.Mock {
		log.Println("Mock is set, serving a simulated controller")
		t = andes.NewMock(sen)
	} else {
		t, err = usbcomm.Open(uint16(cfg.VID), uint16(cfg.PID))
		if err != nil {
			if errors.Is(err, andes.ErrPermissionDenied) {
				log.Println("the OS denied access to the controller, see andes-http help for the udev rule")
			}
			log.Fatal(err)
		}
	}
	c := andes.New(t, sen)
	defer c.Close()

	err = c.SetExposureTime(util.SecsToDuration(cfg.ExposureTime))
	if err != nil {
		log.Fatal(err)
	}
	log.Println("uploading readout program, bias and clock voltages")
	err = c.Configure(context.Background())
	if err != nil {
		log.Fatal(err)
	}
	if prog, ok := c.Program(); ok {
		log.Printf("sequencer program %d records, fingerprint 0x%04X\n", prog.Len(), prog.Fingerprint())
	}

	if cfg.Thermal.Enable {
		err = c.ConfigureThermal(context.Background(), andes.ThermalSettings{
			Manual:   cfg.Thermal.Manual,
			Setpoint: cfg.Thermal.Setpoint,
			Output:   cfg.Thermal.Output,
			Kp:       cfg.Thermal.Kp,
			Ki:       cfg.Thermal.Ki,
			Kd:       cfg.Thermal.Kd,
		})
		if err != nil {
			log.Fatal(err)
		}
	}

	mon := andes.NewTempMonitor(c, util.SecsToDuration(cfg.MonitorTick), 8192)
	mon.Start()
	defer mon.Stop()

	args := cfg.Recorder
	r := &imgrec.Recorder{Root: args.Root, Prefix: args.Prefix, Enabled: args.Root != ""}
	w := camera.NewHTTPCamera(c, r)
	imgrec.NewHTTPWrapper(r).Inject(w)
	lock := locker.New()
	locker.Inject(w, lock)
	w.RT()[generichttp.MethodPath{Method: http.MethodGet, Path: "/temperature-log"}] = mon.HTTPYield

	// clean up the submux string; chi mounts want the stem without the wildcard
	hndlrS := generichttp.SubMuxSanitize(cfg.Root)
	stem := strings.TrimSuffix(hndlrS, "/*")
	if stem == "" {
		stem = "/"
	}
	root := chi.NewRouter()
	mux := chi.NewRouter()
	mux.Use(lock.Check)
	root.Mount(stem, mux)
	w.RT().Bind(mux)
	addr := cfg.Addr + cfg.Root
	log.Println("now listening for requests at ", addr)
	log.Fatal(http.ListenAndServe(cfg.Addr, root))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
