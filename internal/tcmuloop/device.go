// Package tcmuloop implements driver.Driver against the Linux TCM in
// Userspace (TCMU) kernel module: a real LIO-backed SCSI device whose
// command ring lives in a shared mmap region, configured through configfs
// and polled through an attached uio file. It is a reference driver shim,
// alongside the in-memory internal/loopback: commands reach it from the
// kernel ring and are serviced through Handler, and its Command method
// always fails (see Command).
package tcmuloop

import (
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/coreos/go-scsi-midlayer/command"
	"github.com/coreos/go-scsi-midlayer/driver"
)

const (
	configDirFmt = "/sys/kernel/config/target/core/user_%d"
	scsiDir      = "/sys/kernel/config/target/loopback"
)

// WWN supplies the two World Wide Names configfs needs to wire a TCMU
// backstore into a loopback fabric target: one for the backstore device
// itself and one for the fabric nexus.
type WWN interface {
	DeviceID() string
	NexusID() string
}

// Config names the backstore this Device creates and attaches to.
type Config struct {
	HBA        int
	VolumeName string
	LUN        int
	WWN        WWN

	BlockSize  int64
	NumBlocks  int64

	SGSize     int
	MaxXfer    int64
	PAECapable bool
}

// Device is one open TCMU backstore: its configfs control files, its mmap
// ring buffer, and the poll/dispatch goroutine that drives it. Adapted
// from the teacher's Device type, with command servicing rerouted through
// the pluggable Handler hook instead of the teacher's own SCSICmdHandler
// callback interface.
type Device struct {
	cfg     Config
	devPath string
	hbaDir  string

	uioFd   int
	mapsize uint64
	mb      mailbox
	cmdTail uint32

	// Handler services one ring-submitted command and returns the SCSI
	// status/sense/byte-count to post back to the kernel. TCMU commands
	// originate from the kernel, not from this mid-layer's issue
	// pipeline (see the Command method below), so unlike every other
	// driver shim this one is itself the initiator of command.Command
	// values; Handler is the seam a caller plugs real I/O into, the way
	// internal/loopback.Disk services them directly but without owning
	// the ring/configfs plumbing this package exists for.
	Handler func(cmd *command.Command) (scsiStatus byte, sense []byte, bytesXferred int64)

	toClean map[string]bool
}

// Open creates the backstore and loopback fabric wiring under devPath
// (typically "/dev"), then starts the poll loop. The returned Device must
// be closed even if Open returns a non-nil error, to undo whatever
// configfs state was already written.
func Open(devPath string, cfg Config) (*Device, error) {
	d := &Device{
		cfg:     cfg,
		devPath: devPath,
		uioFd:   -1,
		hbaDir:  fmt.Sprintf(configDirFmt, cfg.HBA),
		toClean: make(map[string]bool),
	}
	if err := d.preEnable(); err != nil {
		return d, errors.Wrap(err, "tcmuloop: configuring backstore")
	}
	if err := d.start(); err != nil {
		return d, errors.Wrap(err, "tcmuloop: starting poll loop")
	}
	return d, errors.Wrap(d.postEnable(), "tcmuloop: wiring loopback fabric")
}

func (d *Device) devConfig() string {
	return fmt.Sprintf("go-scsi-midlayer//%s", d.cfg.VolumeName)
}

func (d *Device) preEnable() error {
	err := d.writeLines(path.Join(d.hbaDir, d.cfg.VolumeName, "control"), []string{
		fmt.Sprintf("dev_size=%d", d.cfg.NumBlocks*d.cfg.BlockSize),
		fmt.Sprintf("dev_config=%s", d.devConfig()),
		fmt.Sprintf("hw_block_size=%d", d.cfg.BlockSize),
		"async=1",
	})
	if err != nil {
		return err
	}
	return d.writeLines(path.Join(d.hbaDir, d.cfg.VolumeName, "enable"), []string{"1"})
}

func (d *Device) fabricPrefixAndNexus() (string, string) {
	return path.Join(scsiDir, d.cfg.WWN.DeviceID(), "tpgt_1"), d.cfg.WWN.NexusID()
}

func (d *Device) lunPath(prefix string) string {
	return path.Join(prefix, "lun", fmt.Sprintf("lun_%d", d.cfg.LUN))
}

func (d *Device) postEnable() error {
	prefix, nexus := d.fabricPrefixAndNexus()

	if err := d.writeLines(path.Join(prefix, "nexus"), []string{nexus}); err != nil {
		return err
	}

	lunPath := d.lunPath(prefix)
	if err := os.MkdirAll(lunPath, 0755); err != nil && !os.IsExist(err) {
		return err
	} else if err == nil {
		d.toClean[lunPath] = true
		d.toClean[path.Join(lunPath, d.cfg.VolumeName)] = true
	}

	if err := os.Symlink(path.Join(d.hbaDir, d.cfg.VolumeName), path.Join(lunPath, d.cfg.VolumeName)); err != nil {
		return err
	}
	d.toClean[path.Join(d.hbaDir, d.cfg.VolumeName)] = true

	return d.createDevEntry()
}

func (d *Device) createDevEntry() error {
	if err := os.MkdirAll(d.devPath, 0755); err != nil && !os.IsExist(err) {
		return err
	}

	dev := filepath.Join(d.devPath, d.cfg.VolumeName)
	if _, err := os.Stat(dev); err == nil {
		return fmt.Errorf("tcmuloop: device %s already exists", dev)
	}
	d.toClean[dev] = true

	tgt, _ := d.fabricPrefixAndNexus()
	address, err := ioutil.ReadFile(path.Join(tgt, "address"))
	if err != nil {
		return err
	}

	glob := fmt.Sprintf("/sys/bus/scsi/devices/%s*/block/*/dev", strings.TrimSpace(string(address)))
	var matches []string
	for i := 0; i < 30; i++ {
		matches, err = filepath.Glob(glob)
		if len(matches) > 0 && err == nil {
			break
		}
		logrus.WithField("glob", glob).Debug("tcmuloop: waiting for block device to appear")
		time.Sleep(time.Second)
	}
	if len(matches) == 0 {
		return fmt.Errorf("tcmuloop: failed to find %s", glob)
	}
	if len(matches) > 1 {
		return fmt.Errorf("tcmuloop: ambiguous match for %s: %d results", glob, len(matches))
	}

	majorMinor, err := ioutil.ReadFile(matches[0])
	if err != nil {
		return err
	}
	parts := strings.Split(strings.TrimSpace(string(majorMinor)), ":")
	if len(parts) != 2 {
		return fmt.Errorf("tcmuloop: invalid major:minor %q", string(majorMinor))
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return err
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return err
	}

	return mknod(dev, major, minor)
}

func mknod(device string, major, minor int) error {
	mode := os.FileMode(0600) | syscall.S_IFBLK
	devno := int((major << 8) | (minor & 0xff) | ((minor & 0xfff00) << 12))
	return syscall.Mknod(device, uint32(mode), devno)
}

func (d *Device) writeLines(target string, lines []string) error {
	dir := path.Dir(target)
	if stat, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		d.toClean[dir] = true
	} else if !stat.IsDir() {
		return fmt.Errorf("tcmuloop: %s is not a directory", dir)
	}
	for _, line := range lines {
		if err := ioutil.WriteFile(target, []byte(line+"\n"), 0755); err != nil {
			return errors.Wrapf(err, "tcmuloop: writing %q to %s", line, target)
		}
	}
	return nil
}

func (d *Device) start() error {
	if err := d.findDevice(); err != nil {
		return err
	}
	go d.beginPoll()
	return nil
}

func (d *Device) findDevice() error {
	err := filepath.Walk("/dev", func(p string, i os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if i.IsDir() && p != "/dev" {
			return filepath.SkipDir
		}
		if !strings.HasPrefix(i.Name(), "uio") {
			return nil
		}
		bytes, err := ioutil.ReadFile(fmt.Sprintf("/sys/class/uio/%s/name", i.Name()))
		if err != nil {
			return err
		}
		split := strings.SplitN(strings.TrimRight(string(bytes), "\n"), "/", 4)
		if split[0] != "tcm-user" || split[3] != d.devConfig() {
			return nil
		}
		if err := d.openDevice(i.Name()); err != nil {
			return err
		}
		return filepath.SkipDir
	})
	if err == filepath.SkipDir {
		return nil
	}
	return err
}

func (d *Device) openDevice(uio string) error {
	var err error
	d.uioFd, err = syscall.Open(fmt.Sprintf("/dev/%s", uio), syscall.O_RDWR|syscall.O_CLOEXEC, 0600)
	if err != nil {
		return err
	}
	bytes, err := ioutil.ReadFile(fmt.Sprintf("/sys/class/uio/%s/maps/map0/size", uio))
	if err != nil {
		return err
	}
	d.mapsize, err = strconv.ParseUint(strings.TrimRight(string(bytes), "\n"), 0, 64)
	if err != nil {
		return err
	}
	region, err := syscall.Mmap(d.uioFd, 0, int(d.mapsize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return err
	}
	d.mb = mailbox{region: region}
	d.cmdTail = d.mb.cmdTail()
	d.debugDump()
	return nil
}

func (d *Device) debugDump() {
	logrus.WithFields(logrus.Fields{
		"version":    d.mb.version(),
		"mapsize":    d.mapsize,
		"flags":      d.mb.flags(),
		"cmdrOffset": d.mb.cmdrOffset(),
		"cmdrSize":   d.mb.cmdrSize(),
		"cmdHead":    d.mb.cmdHead(),
		"cmdTail":    d.mb.cmdTail(),
	}).Debug("tcmuloop: mailbox attached")
}

// Command implements driver.Driver's shape but not its usual direction:
// every command this shim services is one the Linux kernel already placed
// in the ring (a real initiator talking to the loopback SCSI host TCMU
// created), delivered to Handler by the poll loop in poll.go. Nothing in
// this mid-layer ever has a command to hand TCMU downward, so Command
// always fails; it exists only so Device satisfies driver.Driver.
func (d *Device) Command(world uint32, cmd *command.Command, rid driver.ResultID) (driver.Status, error) {
	return driver.StatusFailure, errors.New("tcmuloop: commands originate from the kernel ring, not from Command")
}

func (d *Device) Close() error {
	if err := d.teardown(); err != nil {
		return err
	}
	if d.uioFd != -1 {
		unix.Close(d.uioFd)
	}
	return nil
}

func (d *Device) teardown() error {
	dev := filepath.Join(d.devPath, d.cfg.VolumeName)
	tpgtPath, _ := d.fabricPrefixAndNexus()
	lunPath := d.lunPath(tpgtPath)

	for _, p := range []string{
		path.Join(lunPath, d.cfg.VolumeName),
		lunPath,
		tpgtPath,
		path.Dir(tpgtPath),
		path.Join(d.hbaDir, d.cfg.VolumeName),
	} {
		if d.toClean[p] {
			if err := remove(p); err != nil {
				logrus.WithError(err).WithField("path", p).Error("tcmuloop: cleanup failed")
			}
		}
	}

	if _, err := os.Stat(dev); err == nil && d.toClean[dev] {
		return remove(dev)
	}
	return nil
}

func remove(p string) error {
	done := make(chan error, 1)
	go func() {
		err := os.Remove(p)
		if err != nil && !os.IsNotExist(err) {
			done <- err
			return
		}
		done <- nil
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(30 * time.Second):
		return fmt.Errorf("tcmuloop: timed out removing %s", p)
	}
}

func (d *Device) ProcInfo() (string, error) {
	return fmt.Sprintf("tcmuloop: volume=%s lun=%d cmdTail=%d", d.cfg.VolumeName, d.cfg.LUN, d.cmdTail), nil
}

// DumpQueue always reports empty: beginPoll services each ring entry
// synchronously through Handler before advancing to the next, so there is
// never more than one command in flight per Device.
func (d *Device) DumpQueue() (string, error) {
	return "0 commands in flight (synchronous poll loop)", nil
}

func (d *Device) GetInfo(id, lun int, inquiry []byte) (driver.Info, bool, error) {
	if lun != d.cfg.LUN {
		return driver.Info{}, false, nil
	}
	return driver.Info{
		VendorID:   "go-scsi",
		ProductID:  "tcmu backstore",
		ProductRev: "0001",
		BlockSize:  d.cfg.BlockSize,
		NumBlocks:  d.cfg.NumBlocks,
	}, true, nil
}

func (d *Device) GetGeometry(id, lun int) (driver.Geometry, error) {
	return driver.Geometry{
		Cylinders: uint32(d.cfg.NumBlocks / (255 * 63)),
		Heads:     255,
		Sectors:   63,
	}, nil
}

func (d *Device) Ioctl(op, arg uintptr) error  { return errors.New("tcmuloop: ioctl not supported") }
func (d *Device) SIoctl(op, arg uintptr) error { return errors.New("tcmuloop: sioctl not supported") }

// Rescan is a no-op here: TCMU backstore geometry is fixed at configfs
// enable time, so there is nothing for this shim to re-enumerate.
func (d *Device) Rescan() error { return nil }

func (d *Device) Limits() (sgSize int, maxXfer int64, paeCapable bool) {
	return d.cfg.SGSize, d.cfg.MaxXfer, d.cfg.PAECapable
}
