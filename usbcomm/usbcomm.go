/*Package usbcomm provides the USB bulk transport for the controller.

The controller enumerates as a vendor specific device with a single
configuration, one interface, and a bulk endpoint pair at 0x01/0x81.
Commands go out the OUT endpoint; status blocks and pixel data come back on
the IN endpoint.  There is no framing at the USB layer beyond the bulk
transfer boundaries, the word protocol on top of this package supplies it.

Open retries transient failures with an exponential backoff, because a
controller that was just power cycled holds its port busy for a moment.
Missing devices and permission problems fail immediately; waiting will not
fix either.
*/
package usbcomm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andes-obs/andesctl/andes"
	"github.com/cenkalti/backoff"
	"github.com/google/gousb"
)

// endpointNum is the bulk endpoint pair, 0x01 out and 0x81 in.
const endpointNum = 1

// Device is an open USB pipe to a controller.  It satisfies andes.Transport.
type Device struct {
	ctx    *gousb.Context
	device *gousb.Device
	iface  *gousb.Interface
	closer func()
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
}

// open makes a single connection attempt.
func open(vid, pid uint16) (*Device, error) {
	d := &Device{}
	d.ctx = gousb.NewContext()
	var err error
	d.device, err = d.ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		d.ctx.Close()
		if errors.Is(err, gousb.ErrorAccess) {
			return nil, fmt.Errorf("open 0x%04X:0x%04X: %w", vid, pid, andes.ErrPermissionDenied)
		}
		return nil, err
	}
	// gousb signals no matching device with a nil device and a nil error
	if d.device == nil {
		d.ctx.Close()
		return nil, fmt.Errorf("open 0x%04X:0x%04X: %w", vid, pid, andes.ErrDeviceNotFound)
	}
	err = d.device.SetAutoDetach(true)
	if err != nil {
		d.device.Close()
		d.ctx.Close()
		return nil, err
	}
	d.iface, d.closer, err = d.device.DefaultInterface()
	if err != nil {
		d.device.Close()
		d.ctx.Close()
		if errors.Is(err, gousb.ErrorAccess) {
			return nil, fmt.Errorf("claim interface: %w", andes.ErrPermissionDenied)
		}
		return nil, err
	}
	d.in, err = d.iface.InEndpoint(endpointNum)
	if err != nil {
		d.teardown()
		return nil, err
	}
	d.out, err = d.iface.OutEndpoint(endpointNum)
	if err != nil {
		d.teardown()
		return nil, err
	}
	return d, nil
}

// Open connects to the controller with the given USB identity.  Transient
// failures are retried with an exponential backoff; a missing device or a
// permission refusal fails immediately.
func Open(vid, pid uint16) (*Device, error) {
	var (
		dev   *Device
		fatal error
	)
	op := func() error {
		d, err := open(vid, pid)
		if err != nil {
			if errors.Is(err, andes.ErrDeviceNotFound) || errors.Is(err, andes.ErrPermissionDenied) {
				// backoff stops on a nil return, check fatal afterwards
				fatal = err
				return nil
			}
			return err
		}
		dev = d
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if fatal != nil {
		return nil, fatal
	}
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// translate maps gousb failures onto the package andes error taxonomy.
func translate(verb string, err error) error {
	switch {
	case errors.Is(err, gousb.TransferNoDevice) || errors.Is(err, gousb.ErrorNoDevice):
		return fmt.Errorf("%s: %w", verb, andes.ErrDisconnected)
	case errors.Is(err, gousb.TransferTimedOut),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", verb, andes.ErrTimeout)
	}
	return fmt.Errorf("%s: %w", verb, err)
}

// Send writes one command frame to the OUT endpoint.
func (d *Device) Send(ctx context.Context, p []byte) error {
	n, err := d.out.WriteContext(ctx, p)
	if err != nil {
		return translate("usb write", err)
	}
	if n != len(p) {
		return fmt.Errorf("usb write: short, %d of %d bytes", n, len(p))
	}
	return nil
}

// Recv reads up to len(p) bytes from the IN endpoint.
func (d *Device) Recv(ctx context.Context, p []byte) (int, error) {
	n, err := d.in.ReadContext(ctx, p)
	if err != nil {
		return n, translate("usb read", err)
	}
	return n, nil
}

func (d *Device) teardown() {
	if d.closer != nil {
		d.closer()
	}
	if d.device != nil {
		d.device.Close()
	}
	if d.ctx != nil {
		d.ctx.Close()
	}
}

// Close releases the interface and the device.
func (d *Device) Close() error {
	d.teardown()
	return nil
}
