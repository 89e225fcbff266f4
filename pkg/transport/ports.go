package transport

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// DefaultDetectPatterns match the USB bridges found on Arduino boards
var DefaultDetectPatterns = []string{"Arduino", "CH340", "USB Serial"}

// PortInfo describes a serial port
type PortInfo struct {
	Name         string `json:"name"`
	Product      string `json:"product,omitempty"`
	IsUSB        bool   `json:"usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
}

// Description returns the product name or the port name
func (p PortInfo) Description() string {
	if p.Product != "" {
		return p.Product
	}
	return p.Name
}

// ListPorts enumerates serial ports, with USB details where the platform provides them
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		out := make([]PortInfo, 0, len(details))
		for _, d := range details {
			out = append(out, PortInfo{
				Name:         d.Name,
				Product:      d.Product,
				IsUSB:        d.IsUSB,
				VID:          d.VID,
				PID:          d.PID,
				SerialNumber: d.SerialNumber,
			})
		}
		return out, nil
	}

	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	out := make([]PortInfo, 0, len(names))
	for _, n := range names {
		out = append(out, PortInfo{Name: n})
	}
	return out, nil
}

// MatchPort returns the first port whose product or name contains one of the patterns
func MatchPort(ports []PortInfo, patterns []string) (PortInfo, bool) {
	for _, pattern := range patterns {
		needle := strings.ToLower(pattern)
		for _, p := range ports {
			if strings.Contains(strings.ToLower(p.Product), needle) ||
				strings.Contains(strings.ToLower(p.Name), needle) {
				return p, true
			}
		}
	}
	return PortInfo{}, false
}

// Detect finds the trigger module's port
func Detect(patterns []string) (string, error) {
	if len(patterns) == 0 {
		patterns = DefaultDetectPatterns
	}
	ports, err := ListPorts()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if p, ok := MatchPort(ports, patterns); ok {
		return p.Name, nil
	}
	return "", fmt.Errorf("%w: no port matches %v", ErrUnavailable, patterns)
}
