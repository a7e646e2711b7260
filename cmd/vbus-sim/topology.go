package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kstaniek/go-vbus-driver/pkg/busconf"
	"github.com/kstaniek/go-vbus-driver/pkg/vbus"
	"github.com/kstaniek/go-vbus-driver/pkg/wire"
)

// topology is the YAML description of a simulation:
//
//	buses:
//	  - name: CAN:0
//	    type: can
//	    params: {baud_rate: 500000, fast_data_enabled: true, fast_baud_rate: 2000000}
//	    bridges:
//	      tcp: ":20000"
//	      serial: {device: /dev/ttyUSB0, baud: 115200}
//	  - name: ETH:0
//	    type: ethernet
//	    callbacks: false
type topology struct {
	Buses []busSpec `yaml:"buses"`
}

type busSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	// Callbacks enables push delivery; default true.
	Callbacks *bool `yaml:"callbacks"`
	// Params override the busconf defaults of the bus type field by field.
	Params  yaml.Node  `yaml:"params"`
	Bridges bridgeSpec `yaml:"bridges"`
}

// bridgeSpec attaches physical or network endpoints to a CAN bus.
type bridgeSpec struct {
	TCP       string      `yaml:"tcp"`
	Serial    *serialSpec `yaml:"serial"`
	SocketCAN string      `yaml:"socketcan"`
	TxQueue   int         `yaml:"tx_queue"`
}

type serialSpec struct {
	Device      string        `yaml:"device"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

func (b bridgeSpec) empty() bool { return b.TCP == "" && b.Serial == nil && b.SocketCAN == "" }

// defaultTopology is one CAN bus bridged on listen.
func defaultTopology(listen string) *topology {
	return &topology{Buses: []busSpec{{
		Name:    "CAN:0",
		Type:    "can",
		Bridges: bridgeSpec{TCP: listen},
	}}}
}

func loadTopology(path, listen string) (*topology, error) {
	if path == "" {
		return defaultTopology(listen), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	t, err := parseTopology(data)
	if err != nil {
		return nil, fmt.Errorf("topology %s: %w", path, err)
	}
	return t, nil
}

func parseTopology(data []byte) (*topology, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var t topology
	if err := dec.Decode(&t); err != nil {
		return nil, err
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *topology) validate() error {
	if len(t.Buses) == 0 {
		return errors.New("no buses")
	}
	seen := map[string]bool{}
	for i, b := range t.Buses {
		if b.Name == "" {
			return fmt.Errorf("bus %d: missing name", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate bus %q", b.Name)
		}
		seen[b.Name] = true
		typ, err := wire.ParseBusType(b.Type)
		if err != nil {
			return fmt.Errorf("bus %q: %w", b.Name, err)
		}
		if _, err := b.params(typ); err != nil {
			return fmt.Errorf("bus %q: %w", b.Name, err)
		}
		if b.Bridges.empty() {
			continue
		}
		if typ != wire.CAN {
			return fmt.Errorf("bus %q: bridges need a CAN bus, not %v", b.Name, typ)
		}
		if s := b.Bridges.Serial; s != nil && (s.Device == "" || s.Baud <= 0) {
			return fmt.Errorf("bus %q: serial bridge needs device and baud", b.Name)
		}
		if b.Bridges.TxQueue < 0 {
			return fmt.Errorf("bus %q: tx_queue must be >= 0", b.Name)
		}
	}
	return nil
}

// params applies the YAML overrides to the bus type defaults.
func (b busSpec) params(typ wire.BusType) (busconf.Params, error) {
	p := busconf.Default(typ)
	if b.Params.Kind != 0 {
		if err := b.Params.Decode(p); err != nil {
			return nil, fmt.Errorf("params: %w", err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// build creates the simulation. It is not started.
func (t *topology) build(opts ...vbus.Option) (*vbus.Simulation, error) {
	sim := vbus.New(opts...)
	for _, b := range t.Buses {
		typ, err := wire.ParseBusType(b.Type)
		if err != nil {
			return nil, err
		}
		p, err := b.params(typ)
		if err != nil {
			return nil, err
		}
		cfg := vbus.BusConfig{Name: b.Name, Type: typ, Params: p}
		if b.Callbacks != nil {
			cfg.NoCallbacks = !*b.Callbacks
		}
		if _, err := sim.AddBus(cfg); err != nil {
			return nil, err
		}
	}
	return sim, nil
}
