//go:build linux

package gpio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"qei"
)

const (
	DefaultSysfsBase = "/sys/class/gpio"

	// udev may take a moment to relax permissions on freshly exported files
	exportVerifyTimeout = 2 * time.Second
)

// SysfsConfig configures a legacy sysfs input line.
type SysfsConfig struct {
	Base   string // defaults to DefaultSysfsBase
	Number int
}

// SysfsLine is a qei.Line backed by /sys/class/gpio. Edges are delivered by
// one epoll goroutine per armed line.
type SysfsLine struct {
	base   string
	number int
	value  *os.File
	fd     int // value file descriptor, read with pread by Level

	handler handlerSlot
	cache   levelCache

	mu     sync.Mutex // guards watch state, never taken by Level
	stopFd int
	done   chan struct{}
}

// OpenSysfs exports the pin if needed and configures it as an input with
// edge detection disabled.
func OpenSysfs(cfg SysfsConfig) (*SysfsLine, error) {
	base := cfg.Base
	if base == "" {
		base = DefaultSysfsBase
	}
	l := &SysfsLine{base: base, number: cfg.Number, fd: -1, stopFd: -1}

	if err := l.export(); err != nil {
		return nil, fmt.Errorf("%s: export: %w", l, err)
	}
	if err := writeFile(l.path("direction"), "in"); err != nil {
		l.unexport()
		return nil, fmt.Errorf("%s: set direction: %w", l, err)
	}
	if err := writeFile(l.path("edge"), "none"); err != nil {
		l.unexport()
		return nil, fmt.Errorf("%s: set edge: %w", l, err)
	}
	f, err := os.OpenFile(l.path("value"), os.O_RDONLY, 0)
	if err != nil {
		l.unexport()
		return nil, fmt.Errorf("%s: open value: %w", l, err)
	}
	l.value = f
	l.fd = int(f.Fd())
	l.Level()
	return l, nil
}

// Level reads the value file with a single pread and takes no lock, so it is
// safe to call from an edge handler while Watch or Unwatch is in progress.
func (l *SysfsLine) Level() int {
	v, err := l.read()
	if err != nil {
		return l.cache.failed()
	}
	return l.cache.good(v)
}

func (l *SysfsLine) read() (int, error) {
	var buf [4]byte
	n, err := unix.Pread(l.fd, buf[:], 0)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%s: empty value", l)
	}
	switch buf[0] {
	case '0':
		return 0, nil
	case '1':
		return 1, nil
	default:
		return 0, fmt.Errorf("%s: unknown value %q", l, buf[:n])
	}
}

func (l *SysfsLine) Watch(edge qei.Edge, handler func()) error {
	var s string
	switch edge {
	case qei.EdgeRising:
		s = "rising"
	case qei.EdgeFalling:
		s = "falling"
	case qei.EdgeBoth:
		s = "both"
	default:
		return l.Unwatch()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := writeFile(l.path("edge"), s); err != nil {
		return fmt.Errorf("%s: arm %s edge: %w", l, edge, err)
	}
	l.handler.set(handler)
	if l.done != nil {
		return nil
	}

	epfd, stopFd, err := l.setupEpoll()
	if err != nil {
		l.handler.set(nil)
		_ = writeFile(l.path("edge"), "none")
		return fmt.Errorf("%s: %w", l, err)
	}
	l.stopFd = stopFd
	l.done = make(chan struct{})
	go l.watch(epfd, l.done)
	return nil
}

func (l *SysfsLine) Unwatch() error {
	l.handler.set(nil)

	l.mu.Lock()
	done, stopFd := l.done, l.stopFd
	l.done, l.stopFd = nil, -1
	l.mu.Unlock()

	if done != nil {
		var one [8]byte
		one[0] = 1
		_, _ = unix.Write(stopFd, one[:])
		<-done
		unix.Close(stopFd)
	}
	if err := writeFile(l.path("edge"), "none"); err != nil {
		return fmt.Errorf("%s: disarm: %w", l, err)
	}
	return nil
}

func (l *SysfsLine) setupEpoll() (epfd, stopFd int, err error) {
	epfd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return -1, -1, fmt.Errorf("epoll_create1: %w", err)
	}
	stopFd, err = unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return -1, -1, fmt.Errorf("eventfd: %w", err)
	}

	valueFd := l.fd
	events := []unix.EpollEvent{
		{Events: unix.EPOLLPRI | unix.EPOLLERR | unix.EPOLLET, Fd: int32(valueFd)},
		{Events: unix.EPOLLIN, Fd: int32(stopFd)},
	}
	for i, fd := range []int{valueFd, stopFd} {
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &events[i]); err != nil {
			unix.Close(stopFd)
			unix.Close(epfd)
			return -1, -1, fmt.Errorf("epoll_ctl_add fd=%d: %w", fd, err)
		}
	}
	return epfd, stopFd, nil
}

// watch waits for value changes until the stop eventfd is signaled.
func (l *SysfsLine) watch(epfd int, done chan struct{}) {
	defer close(done)
	defer unix.Close(epfd)

	valueFd := int32(l.fd)
	epollEvents := make([]unix.EpollEvent, 2)

	for {
		n, err := unix.EpollWait(epfd, epollEvents, -1)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return
		}
		edge := false
		for i := 0; i < n; i++ {
			if epollEvents[i].Fd != valueFd {
				return
			}
			edge = true
		}
		if !edge {
			continue
		}
		// Reading the value re-arms the sysfs notification. A wakeup with no
		// level change decodes as a spurious edge.
		l.Level()
		l.handler.call()
	}
}

// Errors returns the number of failed level reads.
func (l *SysfsLine) Errors() uint64 {
	return l.cache.errors.Load()
}

// Close stops edge delivery and unexports the pin.
func (l *SysfsLine) Close() error {
	err := l.Unwatch()
	if cerr := l.value.Close(); err == nil {
		err = cerr
	}
	l.unexport()
	return err
}

func (l *SysfsLine) String() string {
	return "gpio" + strconv.Itoa(l.number)
}

func (l *SysfsLine) path(name string) string {
	return filepath.Join(l.base, l.String(), name)
}

func (l *SysfsLine) export() error {
	val := l.path("value")
	if unix.Access(val, unix.W_OK|unix.R_OK) == nil {
		return nil
	}
	if err := writeFile(filepath.Join(l.base, "export"), strconv.Itoa(l.number)); err != nil {
		return err
	}
	if os.Geteuid() == 0 {
		return nil
	}
	return verifyWritable(val)
}

func (l *SysfsLine) unexport() {
	_ = writeFile(filepath.Join(l.base, "unexport"), strconv.Itoa(l.number))
}

func writeFile(name, s string) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

func verifyWritable(name string) error {
	const step = time.Millisecond
	for waited := time.Duration(0); waited < exportVerifyTimeout; waited += step {
		if unix.Access(name, unix.W_OK) == nil {
			return nil
		}
		time.Sleep(step)
	}
	return fmt.Errorf("%s: not writable", name)
}
