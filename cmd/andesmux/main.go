package main

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/go-yaml/yaml"
)

const helpBlurb = `andes-mux serves several camera controllers from one process.

Usage: andes-mux [CONFIGPATH | help | mkconf]

Example config:

Addr: :8000
Mock: false
Nodes:
  - Endpoint: /science
    Sensor: ccd230-42
    Recorder:
      Root: /data/frames
      Prefix: sci_
  - Endpoint: /guider
    Sensor: ccd47-10

Each node's routes appear below its Endpoint, ex. /science/image.
GET /endpoints returns the full route graph as JSON.
No two nodes may share an Endpoint.

mkconf writes the example config to andes-mux.yml.`

func mkconf() {
	c := Config{
		Addr: ":8000",
		Nodes: []ObjSetup{
			{Endpoint: "/science", Sensor: "ccd230-42"},
			{Endpoint: "/guider", Sensor: "ccd47-10"},
		},
	}
	f, err := os.Create("andes-mux.yml")
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yaml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func main() {
	if len(os.Args) == 1 || os.Args[1] == "help" {
		fmt.Println(helpBlurb)
		return
	}
	if os.Args[1] == "mkconf" {
		mkconf()
		return
	}
	cfg, err := LoadYaml(os.Args[1])
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	mux, err := BuildMux(cfg)
	if err != nil {
		log.Fatal(err)
	}
	log.Println("now listening for requests at ", cfg.Addr)
	log.Fatal(http.ListenAndServe(cfg.Addr, mux))
}
