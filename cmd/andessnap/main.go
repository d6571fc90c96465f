// Command andessnap captures frames from an attached camera controller and
// writes them to a FITS file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/andes-obs/andesctl/andes"
	"github.com/andes-obs/andesctl/generichttp/camera"
	"github.com/andes-obs/andesctl/usbcomm"

	"github.com/theckman/yacspin"
)

func main() {
	var (
		sensor   = flag.String("sensor", "ccd230-42", "detector model, ccd230-42 or ccd47-10")
		mock     = flag.Bool("mock", false, "use a simulated controller instead of hardware")
		texp     = flag.Duration("exptime", 100*time.Millisecond, "exposure time")
		bin      = flag.Int("bin", 1, "binning factor, both axes")
		gain     = flag.Int("gain", 0, "video gain index")
		dark     = flag.Bool("dark", false, "keep the shutter closed")
		frames   = flag.Int("frames", 1, "number of frames, >1 writes a cube")
		fps      = flag.Float64("fps", 1, "frame rate for multi frame capture")
		out      = flag.String("o", "image.fits", "output file")
		progdump = flag.String("progdump", "", "write the compiled sequencer program in the legacy hex format to this path")
	)
	flag.Parse()

	sen, err := andes.SensorByName(*sensor)
	if err != nil {
		log.Fatal(err)
	}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[59],
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}

	var cam *andes.Camera
	fail := func(err error) {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		if cam != nil {
			cam.Close()
		}
		os.Exit(1)
	}

	spinner.Message("connecting")
	spinner.Start()
	var t andes.Transport
	if *mock {
		t = andes.NewMock(sen)
	} else {
		t, err = usbcomm.Open(andes.VID, andes.PID)
		if err != nil {
			fail(err)
		}
	}
	cam = andes.New(t, sen)
	defer cam.Close()

	if err := cam.SetBinning(camera.Binning{H: *bin, V: *bin}); err != nil {
		fail(err)
	}
	if err := cam.SetExposureTime(*texp); err != nil {
		fail(err)
	}
	if err := cam.SetGain(*gain); err != nil {
		fail(err)
	}
	if err := cam.SetShutterOpen(!*dark); err != nil {
		fail(err)
	}

	spinner.Message("uploading configuration")
	if err := cam.Configure(context.Background()); err != nil {
		fail(err)
	}
	if *progdump != "" {
		prog, _ := cam.Program()
		f, err := os.Create(*progdump)
		if err != nil {
			fail(err)
		}
		err = andes.FormatProgram(f, prog.Records())
		f.Close()
		if err != nil {
			fail(err)
		}
	}
	if temp, err := cam.GetTemperature(); err == nil {
		spinner.Message(fmt.Sprintf("detector at %+.1f C", temp))
	}

	spinner.Message(fmt.Sprintf("exposing, %v", *texp))
	var (
		pix    []uint16
		width  int
		height int
		nf     = *frames
	)
	if nf <= 1 {
		nf = 1
		frame, err := cam.Snap(context.Background())
		if err != nil {
			fail(err)
		}
		pix, width, height = frame.Pix, frame.Width, frame.Height
	} else {
		pix, err = cam.Burst(nf, *fps)
		if err != nil {
			fail(err)
		}
		set, _ := cam.Applied()
		width, height = set.FrameSize()
	}

	spinner.Message("writing " + *out)
	f, err := os.Create(*out)
	if err != nil {
		fail(err)
	}
	defer f.Close()
	err = camera.WriteFits(f, cam.CollectHeaderMetadata(), pix, width, height, nf)
	if err != nil {
		fail(err)
	}
	spinner.StopMessage(fmt.Sprintf("wrote %s, %dx%dx%d", *out, width, height, nf))
	spinner.Stop()
}
