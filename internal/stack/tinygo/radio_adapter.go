//go:build !darwin

package tinygo

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/stack"
	"tinygo.org/x/bluetooth"
)

// Open hosts the service on the default adapter and starts advertising
func Open(opts Options, logger *logrus.Logger) (*Stack, error) {
	s := newStack(&adapterRadio{adapter: bluetooth.DefaultAdapter, devices: make(map[string]bluetooth.Device)}, opts, logger)
	if err := s.start(); err != nil {
		return nil, err
	}
	return s, nil
}

type adapterRadio struct {
	adapter *bluetooth.Adapter

	mu      sync.Mutex
	devices map[string]bluetooth.Device
	service bluetooth.UUID
	resp    bluetooth.Characteristic
}

func (r *adapterRadio) Enable() error { return r.adapter.Enable() }

func (r *adapterRadio) Serve(opts Options, onWrite func([]byte)) error {
	svc, err := bluetooth.ParseUUID(opts.ServiceUUID)
	if err != nil {
		return fmt.Errorf("service uuid: %w", err)
	}
	req, err := bluetooth.ParseUUID(opts.RequestCharUUID)
	if err != nil {
		return fmt.Errorf("request characteristic uuid: %w", err)
	}
	resp, err := bluetooth.ParseUUID(opts.ResponseCharUUID)
	if err != nil {
		return fmt.Errorf("response characteristic uuid: %w", err)
	}
	r.service = svc

	err = r.adapter.AddService(&bluetooth.Service{
		UUID: svc,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID: req,
				Flags: bluetooth.CharacteristicWritePermission |
					bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: func(_ bluetooth.Connection, _ int, value []byte) {
					onWrite(value)
				},
			},
			{
				Handle: &r.resp,
				UUID:   resp,
				Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("add service: %w", err)
	}

	adv := r.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    opts.LocalName,
		ServiceUUIDs: []bluetooth.UUID{svc},
	}); err != nil {
		return fmt.Errorf("configure advertisement: %w", err)
	}
	return adv.Start()
}

func (r *adapterRadio) Notify(data []byte) error {
	_, err := r.resp.Write(data)
	return err
}

func (r *adapterRadio) OnConnect(fn func(addr string, connected bool)) {
	r.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addr := stack.NormalizeAddress(device.Address.String())
		r.mu.Lock()
		if connected {
			r.devices[addr] = device
		} else {
			delete(r.devices, addr)
		}
		r.mu.Unlock()
		fn(addr, connected)
	})
}

func (r *adapterRadio) Scan(ctx context.Context, fn func(stack.Device)) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = r.adapter.StopScan()
		case <-stop:
		}
	}()
	return r.adapter.Scan(func(_ *bluetooth.Adapter, res bluetooth.ScanResult) {
		d := stack.Device{
			Address: res.Address.String(),
			Name:    res.LocalName(),
			RSSI:    int(res.RSSI),
		}
		if res.HasServiceUUID(r.service) {
			d.Services = []string{r.service.String()}
		}
		fn(d)
	})
}

func (r *adapterRadio) Disconnect(addr string) error {
	r.mu.Lock()
	dev, ok := r.devices[addr]
	r.mu.Unlock()
	if !ok {
		return stack.ErrNotConnected
	}
	return dev.Disconnect()
}
