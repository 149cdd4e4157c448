// Package serialport locates a usable serial port for flashing.
package serialport

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// Port is one enumerated serial device.
type Port struct {
	Name        string
	Description string
	IsUSB       bool
}

// Lister abstracts port enumeration for tests.
type Lister interface {
	List() ([]Port, error)
}

// USBLister enumerates ports with their USB descriptors.
type USBLister struct{}

func (USBLister) List() ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	ports := make([]Port, 0, len(details))
	for _, d := range details {
		desc := d.Product
		if d.IsUSB {
			desc = strings.TrimSpace(fmt.Sprintf("%s USB %s:%s", d.Product, d.VID, d.PID))
		}
		ports = append(ports, Port{Name: d.Name, Description: desc, IsUSB: d.IsUSB})
	}
	return ports, nil
}

// markers identify the USB-serial bridges and bootloaders seen on ESP32 and
// AVR boards.
var markers = []string{
	"cp210", "silicon", "usb", "esp32", "ch340", "cdc",
	"arduino", "caterina", "atmega32u4", "atm32u4",
}

// Detect returns the first port whose description matches a known marker,
// or "" when none is present. Absence is not an error: the caller decides
// whether flashing can be deferred.
func Detect(l Lister) (string, error) {
	ports, err := l.List()
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		desc := strings.ToLower(p.Description)
		for _, m := range markers {
			if strings.Contains(desc, m) {
				return p.Name, nil
			}
		}
	}
	return "", nil
}
