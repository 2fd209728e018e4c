//go:build !(linux || darwin)

package cardfs

import (
	"errors"

	"github.com/clktmr/mci/tools/card"
)

func mount(o card.Options, dir string) error {
	return errors.New("fuse is not supported on this platform")
}
