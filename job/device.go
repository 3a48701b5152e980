package job

import "sync"

// Device guards the one plotter. Whoever holds it is the only writer to
// the serial line; everyone else is turned away rather than queued.
type Device struct {
	mu     sync.Mutex
	holder string
}

// TryAcquire takes the device for holder if it is free.
func (d *Device) TryAcquire(holder string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.holder != "" {
		return false
	}
	d.holder = holder
	return true
}

// Release frees the device if holder has it.
func (d *Device) Release(holder string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.holder == holder {
		d.holder = ""
	}
}

// Holder is whoever has the device, or "" if it is free.
func (d *Device) Holder() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.holder
}
