package driver

import (
	"slices"

	"github.com/kstaniek/go-vbus-driver/pkg/busconf"
	"github.com/kstaniek/go-vbus-driver/pkg/status"
)

// Ethernet interfaces. Beyond the common set, the VLAN and multicast
// membership of an open interface can be changed; the arrival filter follows
// immediately.
type Ethernet struct{ typed[*busconf.Ethernet] }

// ReconfigureVLAN replaces the VLAN ids (0..4095) tagged frames are
// received for.
func (e *Ethernet) ReconfigureVLAN(h Handle, ids []uint16) (err error) {
	defer e.d.guard("reconfigure_vlan", &err)
	if err := busconf.ValidateVLANs(ids); err != nil {
		return status.Wrap(status.InvalidParameters, "reconfigure_vlan", err)
	}
	return e.reconfigure(h, "reconfigure_vlan", func(p *busconf.Ethernet) {
		p.VLANs = slices.Clone(ids)
	})
}

// ReconfigureMulticast replaces the multicast groups the interface joined.
// Every address must have the group bit set.
func (e *Ethernet) ReconfigureMulticast(h Handle, addrs []busconf.MAC) (err error) {
	defer e.d.guard("reconfigure_multicast", &err)
	if err := busconf.ValidateMulticast(addrs); err != nil {
		return status.Wrap(status.InvalidParameters, "reconfigure_multicast", err)
	}
	return e.reconfigure(h, "reconfigure_multicast", func(p *busconf.Ethernet) {
		p.Multicast = slices.Clone(addrs)
	})
}

func (e *Ethernet) reconfigure(h Handle, op string, edit func(*busconf.Ethernet)) error {
	c, err := e.get(h, op)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.params.(*busconf.Ethernet)
	next := &busconf.Ethernet{
		MAC:       cur.MAC,
		VLANs:     slices.Clone(cur.VLANs),
		Multicast: slices.Clone(cur.Multicast),
		MaxSpeed:  cur.MaxSpeed,
	}
	edit(next)
	blob, err := busconf.Encode(next)
	if err != nil {
		return err
	}
	c.params, c.blob = next, blob
	c.port.Reconfigure(blob, acceptFor(next))
	return nil
}
