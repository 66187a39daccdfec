// Package fsdev publishes activated logical volumes into the filesystem as
// /dev/<vg>/<lv> symlinks pointing at the kernel's device-mapper nodes.
package fsdev

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Publisher is notified when a visible layer becomes live or is removed.
type Publisher interface {
	// AddLV publishes the LV under its VG directory, pointing at the
	// device-mapper node with the given encoded name.
	AddLV(lv, dmName string) error

	// DelLV withdraws a previously published LV.
	DelLV(lv string) error
}

// DevLinks publishes LVs as symlinks under <root>/<vg>/.
type DevLinks struct {
	root   string
	dmDir  string
	vg     string
	logger logrus.FieldLogger
}

// NewDevLinks creates a symlink publisher. root is normally "/dev" and
// dmDir the client's device-mapper directory.
func NewDevLinks(root, dmDir, vg string, logger logrus.FieldLogger) *DevLinks {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DevLinks{
		root:   root,
		dmDir:  dmDir,
		vg:     vg,
		logger: logger.WithField("component", "fsdev"),
	}
}

func (d *DevLinks) AddLV(lv, dmName string) error {
	dir := filepath.Join(d.root, d.vg)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create vg directory: %w", err)
	}

	link := filepath.Join(dir, lv)
	target := filepath.Join(d.dmDir, dmName)

	// Replace a stale link left behind by an earlier activation.
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale link %q: %w", link, err)
	}

	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("failed to link %q -> %q: %w", link, target, err)
	}

	d.logger.WithFields(logrus.Fields{
		"lv":     lv,
		"link":   link,
		"target": target,
	}).Debug("published lv")

	return nil
}

func (d *DevLinks) DelLV(lv string) error {
	link := filepath.Join(d.root, d.vg, lv)
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove link %q: %w", link, err)
	}

	d.logger.WithField("lv", lv).Debug("withdrew lv")
	return nil
}

// Discard is a Publisher that does nothing. Used when no /dev tree should
// be touched, and by tests.
type Discard struct{}

func (Discard) AddLV(lv, dmName string) error { return nil }
func (Discard) DelLV(lv string) error         { return nil }
