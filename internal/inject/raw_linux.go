// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package inject

import (
	"net/netip"

	"golang.org/x/sys/unix"

	"grimm.is/slipwire/internal/errors"
)

type rawSockets struct {
	fd4 int
	fd6 int
}

func newRawConn(mark uint32) (rawConn, error) {
	fd4, err := openRaw(unix.AF_INET, mark)
	if err != nil {
		return nil, err
	}
	fd6, err := openRaw(unix.AF_INET6, mark)
	if err != nil {
		unix.Close(fd4)
		return nil, err
	}
	return &rawSockets{fd4: fd4, fd6: fd6}, nil
}

func openRaw(family int, mark uint32) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		if err == unix.EPERM {
			return -1, errors.Wrap(err, errors.KindPermission, "raw socket needs CAP_NET_RAW")
		}
		return -1, errors.Wrap(err, errors.KindUnavailable, "open raw socket")
	}
	// IPPROTO_RAW implies IP_HDRINCL on v4; v6 wants it explicit.
	if family == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_HDRINCL, 1); err != nil {
			unix.Close(fd)
			return -1, errors.Wrap(err, errors.KindUnavailable, "set IPV6_HDRINCL")
		}
	}
	if mark != 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(mark)); err != nil {
			unix.Close(fd)
			return -1, errors.Wrap(err, errors.KindPermission, "set SO_MARK")
		}
	}
	return fd, nil
}

func (s *rawSockets) Send(pkt []byte, dst netip.Addr) error {
	if dst.Is4() || dst.Is4In6() {
		sa := &unix.SockaddrInet4{Addr: dst.Unmap().As4()}
		return sendRetry(s.fd4, pkt, sa)
	}
	sa := &unix.SockaddrInet6{Addr: dst.As16()}
	return sendRetry(s.fd6, pkt, sa)
}

func sendRetry(fd int, pkt []byte, sa unix.Sockaddr) error {
	for {
		err := unix.Sendto(fd, pkt, 0, sa)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

func (s *rawSockets) Close() error {
	err4 := unix.Close(s.fd4)
	err6 := unix.Close(s.fd6)
	if err4 != nil {
		return err4
	}
	return err6
}
