//go:build darwin || freebsd || netbsd || openbsd

package reactor

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollPoller rebuilds a pollfd set on every wait. A self-pipe interrupts it.
type pollPoller struct {
	mu    sync.Mutex
	masks map[int]Interest
	wakeR int
	wakeW int
	pfds  []unix.PollFd
}

func newPoller(maxEvents int) (poller, error) {
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		return nil, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, err
		}
	}
	return &pollPoller{
		masks: make(map[int]Interest),
		wakeR: fds[0],
		wakeW: fds[1],
		pfds:  make([]unix.PollFd, 0, maxEvents+1),
	}, nil
}

func (p *pollPoller) add(fd int, mask Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.masks[fd]; ok {
		return unix.EEXIST
	}
	p.masks[fd] = mask
	return nil
}

func (p *pollPoller) modify(fd int, mask Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.masks[fd]; !ok {
		return unix.ENOENT
	}
	p.masks[fd] = mask
	return nil
}

func (p *pollPoller) remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.masks[fd]; !ok {
		return unix.ENOENT
	}
	delete(p.masks, fd)
	return nil
}

func (p *pollPoller) wait(timeout time.Duration, out []event) ([]event, error) {
	p.mu.Lock()
	pfds := append(p.pfds[:0], unix.PollFd{Fd: int32(p.wakeR), Events: unix.POLLIN})
	for fd, mask := range p.masks {
		var ev int16
		if mask&Read != 0 {
			ev |= unix.POLLIN
		}
		if mask&Write != 0 {
			ev |= unix.POLLOUT
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: ev})
	}
	p.pfds = pfds
	p.mu.Unlock()

	n, err := unix.Poll(pfds, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return out, nil
		}
		return out, err
	}
	if n == 0 {
		return out, nil
	}
	for _, pfd := range pfds {
		if pfd.Revents == 0 {
			continue
		}
		if int(pfd.Fd) == p.wakeR {
			p.drain()
			continue
		}
		var ready Interest
		if pfd.Revents&unix.POLLIN != 0 {
			ready |= Read
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			ready |= Write
		}
		if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			ready |= Error
		}
		out = append(out, event{fd: int(pfd.Fd), ready: ready})
	}
	return out, nil
}

func (p *pollPoller) drain() {
	var buf [64]byte
	for {
		if _, err := unix.Read(p.wakeR, buf[:]); err != nil {
			return
		}
	}
}

func (p *pollPoller) wake() error {
	_, err := unix.Write(p.wakeW, []byte{1})
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

func (p *pollPoller) close() error {
	return errors.Join(unix.Close(p.wakeR), unix.Close(p.wakeW))
}
