// Package testing provides utilities for running the card drivers against a
// simulated host in tests.
package testing

import (
	"fmt"
	"os"
	"testing"

	"github.com/clktmr/mci/debug"
	"github.com/clktmr/mci/drivers/sdcard"
	"github.com/clktmr/mci/lpc2387/mci/mcisim"
)

// TestMain should be used as TestMain for tests using the simulator. The log
// level can be set with the MCI_LOG environment variable.
func TestMain(m *testing.M) {
	if s, ok := os.LookupEnv("MCI_LOG"); ok {
		l, ok := debug.ParseLevel(s)
		if !ok {
			fmt.Fprintf(os.Stderr, "MCI_LOG: unknown level %q\n", s)
			os.Exit(2)
		}
		debug.SetLogLevel(l)
	}
	debug.SetOutput(os.Stderr)

	os.Exit(m.Run())
}

// NewHost returns a simulated host with a fresh card inserted.
func NewHost(t testing.TB, cfg mcisim.CardConfig) (*mcisim.Host, *mcisim.Card) {
	t.Helper()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	host := mcisim.New(mcisim.DefaultConfig())
	card := mcisim.NewMemCard(cfg)
	host.Insert(card)
	t.Cleanup(host.Eject)
	return host, card
}

// NewDriver returns an initialized driver for a card described by cfg.
func NewDriver(t testing.TB, cfg mcisim.CardConfig) (*sdcard.Driver, *mcisim.Host) {
	t.Helper()
	host, _ := NewHost(t, cfg)
	drv := sdcard.New(host, sdcard.DefaultConfig())
	if _, err := drv.Initialize(); err != nil {
		t.Fatalf("initialize %v: %v", cfg.Kind, err)
	}
	return drv, host
}

// Pattern returns count sectors of data derived from seed.
func Pattern(seed byte, count int) []byte {
	p := make([]byte, count*512)
	for i := range p {
		p[i] = seed + byte(i) + byte(i/512)*7
	}
	return p
}
