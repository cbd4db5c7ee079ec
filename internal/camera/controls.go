package camera

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Exposure limits
const (
	MinCompensation = -2.0
	MaxCompensation = 2.0
	MinISO          = 50
	MaxISO          = 12800
	MinShutter      = 125 * time.Microsecond
	MaxShutter      = 30 * time.Second
)

// exposure is held in memory; no engine element consumes it yet
type exposure struct {
	mu           sync.RWMutex
	compensation float64
	iso          int
	shutter      time.Duration
}

func (e *exposure) Compensation() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.compensation
}

func (e *exposure) SetCompensation(ev float64) error {
	if ev < MinCompensation || ev > MaxCompensation {
		return fmt.Errorf("%w: compensation %g outside [%g, %g]", ErrOutOfRange, ev, MinCompensation, MaxCompensation)
	}
	e.mu.Lock()
	e.compensation = ev
	e.mu.Unlock()
	return nil
}

func (e *exposure) ISO() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.iso
}

func (e *exposure) SetManualISO(iso int) error {
	if iso < MinISO || iso > MaxISO {
		return fmt.Errorf("%w: iso %d outside [%d, %d]", ErrOutOfRange, iso, MinISO, MaxISO)
	}
	e.mu.Lock()
	e.iso = iso
	e.mu.Unlock()
	return nil
}

func (e *exposure) SetAutoISO() {
	e.mu.Lock()
	e.iso = 0
	e.mu.Unlock()
}

func (e *exposure) ShutterSpeed() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.shutter
}

func (e *exposure) SetManualShutterSpeed(d time.Duration) error {
	if d < MinShutter || d > MaxShutter {
		return fmt.Errorf("%w: shutter %s outside [%s, %s]", ErrOutOfRange, d, MinShutter, MaxShutter)
	}
	e.mu.Lock()
	e.shutter = d
	e.mu.Unlock()
	return nil
}

func (e *exposure) SetAutoShutterSpeed() {
	e.mu.Lock()
	e.shutter = 0
	e.mu.Unlock()
}

// balance mirrors the videobalance properties
type balance struct {
	brightness float64
	contrast   float64
	saturation float64
	hue        float64
}

func defaultBalance() balance {
	return balance{contrast: 1, saturation: 1}
}

func (b balance) properties() map[string]string {
	return map[string]string{
		"brightness": formatFloat(b.brightness),
		"contrast":   formatFloat(b.contrast),
		"saturation": formatFloat(b.saturation),
		"hue":        formatFloat(b.hue),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type balanceProp struct {
	name   string
	lo, hi float64
	field  func(*balance) *float64
}

var (
	propBrightness = balanceProp{"brightness", -1, 1, func(b *balance) *float64 { return &b.brightness }}
	propContrast   = balanceProp{"contrast", 0, 2, func(b *balance) *float64 { return &b.contrast }}
	propSaturation = balanceProp{"saturation", 0, 2, func(b *balance) *float64 { return &b.saturation }}
	propHue        = balanceProp{"hue", -1, 1, func(b *balance) *float64 { return &b.hue }}
)

// imageProcessing writes onto the camera's videobalance element
type imageProcessing struct {
	c *GraphCamera
}

func (ip imageProcessing) get(p balanceProp) float64 {
	ip.c.mu.Lock()
	defer ip.c.mu.Unlock()
	return *p.field(&ip.c.balance)
}

func (ip imageProcessing) set(p balanceProp, v float64) error {
	if v < p.lo || v > p.hi {
		return fmt.Errorf("%w: %s %g outside [%g, %g]", ErrOutOfRange, p.name, v, p.lo, p.hi)
	}
	ip.c.mu.Lock()
	defer ip.c.mu.Unlock()
	if ip.c.graph != nil {
		if el, ok := ip.c.graph.FindByName(ImageProcessingElement); ok {
			if err := el.SetProperty(p.name, formatFloat(v)); err != nil {
				return err
			}
		}
	}
	*p.field(&ip.c.balance) = v
	return nil
}

func (ip imageProcessing) Brightness() float64           { return ip.get(propBrightness) }
func (ip imageProcessing) SetBrightness(v float64) error { return ip.set(propBrightness, v) }
func (ip imageProcessing) Contrast() float64             { return ip.get(propContrast) }
func (ip imageProcessing) SetContrast(v float64) error   { return ip.set(propContrast, v) }
func (ip imageProcessing) Saturation() float64           { return ip.get(propSaturation) }
func (ip imageProcessing) SetSaturation(v float64) error { return ip.set(propSaturation, v) }
func (ip imageProcessing) Hue() float64                  { return ip.get(propHue) }
func (ip imageProcessing) SetHue(v float64) error        { return ip.set(propHue, v) }
