/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

/*

Package socket wraps nonblocking stream and datagram sockets.

All operations are nonblocking. Results are either success, a classified
error, or, for stream reads, io.EOF on orderly peer shutdown. Classified
errors are *OpError values that match both a kind sentinel, such as
ErrWouldBlock or ErrResourceExhausted, and the raw unix.Errno with
errors.Is.

*/
package socket

import (
	"fmt"
	"io"
	"net/netip"
	"syscall"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
	"golang.org/x/sys/unix"
)

// Kind is the socket type.
type Kind int

const (
	KindStream Kind = iota
	KindDatagram
)

func (k Kind) String() string {
	if k == KindDatagram {
		return "datagram"
	}
	return "stream"
}

var (
	ErrWouldBlock        = errors.New("operation would block")
	ErrInProgress        = errors.New("operation in progress")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrAddressInUse      = errors.New("address in use")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrConnectFailed     = errors.New("connect failed")
	ErrMessageTooLong    = errors.New("message too long")
	ErrClosed            = errors.New("socket closed")
	ErrAddressFamily     = errors.New("address family not supported")
)

// OpError is a classified socket error.
type OpError struct {
	Op    string
	Errno unix.Errno
	Kind  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Errno.Error())
}

// Unwrap exposes both the kind sentinel and the raw errno.
func (e *OpError) Unwrap() []error {
	if e.Kind == nil {
		return []error{e.Errno}
	}
	return []error{e.Kind, e.Errno}
}

// Temporary indicates a retryable condition rather than a failure.
func (e *OpError) Temporary() bool {
	return e.Kind == ErrWouldBlock || e.Kind == ErrInProgress
}

// classify maps an OS error to an *OpError. Errors that are not errnos are
// returned unchanged.
func classify(op string, err error) error {
	errno, ok := err.(unix.Errno)
	if !ok {
		return err
	}
	var kind error
	switch errno {
	case unix.EAGAIN:
		kind = ErrWouldBlock
	case unix.EINPROGRESS, unix.EALREADY:
		kind = ErrInProgress
	case unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM:
		kind = ErrResourceExhausted
	case unix.EADDRINUSE:
		kind = ErrAddressInUse
	case unix.EACCES, unix.EPERM:
		kind = ErrPermissionDenied
	case unix.EMSGSIZE:
		kind = ErrMessageTooLong
	case unix.EBADF:
		kind = ErrClosed
	case unix.EAFNOSUPPORT:
		kind = ErrAddressFamily
	}
	return &OpError{Op: op, Errno: errno, Kind: kind}
}

// Socket is a nonblocking socket owning one file descriptor. A Socket is
// used from the reactor goroutine only.
type Socket struct {
	fd        int
	kind      Kind
	family    int
	open      bool
	connected bool
}

// Open creates a nonblocking, close-on-exec socket of the given kind for
// family, unix.AF_INET or unix.AF_INET6.
func Open(kind Kind, family int) (*Socket, error) {

	socketType := unix.SOCK_STREAM
	if kind == KindDatagram {
		socketType = unix.SOCK_DGRAM
	}

	// Hold ForkLock so the descriptor is not inherited by a concurrent
	// fork before close-on-exec is set.
	syscall.ForkLock.RLock()
	fd, err := unix.Socket(family, socketType, 0)
	if err == nil {
		unix.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, errors.Trace(classify("socket", err))
	}

	err = unix.SetNonblock(fd, true)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Trace(classify("socket", err))
	}

	return &Socket{
		fd:     fd,
		kind:   kind,
		family: family,
		open:   true,
	}, nil
}

// OpenFor opens a socket with the family matching addr.
func OpenFor(kind Kind, addr netip.AddrPort) (*Socket, error) {
	s, err := Open(kind, Family(addr.Addr()))
	if err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// FD returns the descriptor, or -1 once closed.
func (s *Socket) FD() int {
	if !s.open {
		return -1
	}
	return s.fd
}

func (s *Socket) Kind() Kind {
	return s.kind
}

func (s *Socket) Family() int {
	return s.family
}

func (s *Socket) IsOpen() bool {
	return s.open
}

func (s *Socket) IsConnected() bool {
	return s.connected
}

// SetReuseAddr sets SO_REUSEADDR.
func (s *Socket) SetReuseAddr() error {
	if !s.open {
		return errors.Trace(ErrClosed)
	}
	err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err != nil {
		return errors.Trace(classify("setsockopt", err))
	}
	return nil
}

func (s *Socket) Bind(addr netip.AddrPort) error {
	if !s.open {
		return errors.Trace(ErrClosed)
	}
	sa, err := toSockaddr("bind", addr, s.family)
	if err != nil {
		return errors.Trace(err)
	}
	err = unix.Bind(s.fd, sa)
	if err != nil {
		return errors.Trace(classify("bind", err))
	}
	return nil
}

func (s *Socket) Listen(backlog int) error {
	if !s.open {
		return errors.Trace(ErrClosed)
	}
	err := unix.Listen(s.fd, backlog)
	if err != nil {
		return errors.Trace(classify("listen", err))
	}
	return nil
}

// Connect starts a connection to addr. It returns nil when the connection
// completed immediately, or an error matching ErrInProgress when the caller
// must wait for write readiness and then call CompleteConnect.
func (s *Socket) Connect(addr netip.AddrPort) error {
	if !s.open {
		return errors.Trace(ErrClosed)
	}
	sa, err := toSockaddr("connect", addr, s.family)
	if err != nil {
		return errors.Trace(err)
	}
	err = unix.Connect(s.fd, sa)
	if err == nil {
		s.connected = true
		return nil
	}
	if err == unix.EINTR {
		// The connection continues asynchronously.
		err = unix.EINPROGRESS
	}
	return errors.Trace(classify("connect", err))
}

// CompleteConnect inspects the pending socket error after write readiness.
// A failure matches ErrConnectFailed and the errno.
func (s *Socket) CompleteConnect() error {
	if !s.open {
		return errors.Trace(ErrClosed)
	}
	code, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errors.Trace(classify("getsockopt", err))
	}
	if code != 0 {
		return errors.Trace(&OpError{
			Op: "connect", Errno: unix.Errno(code), Kind: ErrConnectFailed})
	}
	s.connected = true
	return nil
}

// Accept accepts one pending connection. Per-connection failures such as
// ECONNABORTED are retried internally. ErrWouldBlock means no connection is
// pending; ErrResourceExhausted means the process or system is out of
// descriptors or memory, and the listener remains usable.
func (s *Socket) Accept() (*Socket, netip.AddrPort, error) {
	if !s.open {
		return nil, netip.AddrPort{}, errors.Trace(ErrClosed)
	}
	for {
		syscall.ForkLock.RLock()
		fd, sa, err := unix.Accept(s.fd)
		if err == nil {
			unix.CloseOnExec(fd)
		}
		syscall.ForkLock.RUnlock()

		if err != nil {
			switch err {
			case unix.ECONNABORTED, unix.EINTR, unix.EPROTO:
				continue
			}
			return nil, netip.AddrPort{}, errors.Trace(classify("accept", err))
		}

		err = unix.SetNonblock(fd, true)
		if err != nil {
			unix.Close(fd)
			continue
		}

		return &Socket{
				fd:        fd,
				kind:      KindStream,
				family:    s.family,
				open:      true,
				connected: true,
			},
			fromSockaddr(sa),
			nil
	}
}

// Recv reads into b. It returns io.EOF when the peer has shut down.
func (s *Socket) Recv(b []byte) (int, error) {
	if !s.open {
		return 0, errors.Trace(ErrClosed)
	}
	for {
		n, err := unix.Read(s.fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, errors.Trace(classify("recv", err))
		}
		if n == 0 && len(b) > 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

// Send writes from b and returns the number of bytes accepted by the
// kernel, which may be fewer than len(b).
func (s *Socket) Send(b []byte) (int, error) {
	if !s.open {
		return 0, errors.Trace(ErrClosed)
	}
	for {
		n, err := unix.Write(s.fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, errors.Trace(classify("send", err))
		}
		return n, nil
	}
}

// RecvFrom reads one datagram.
func (s *Socket) RecvFrom(b []byte) (int, netip.AddrPort, error) {
	if !s.open {
		return 0, netip.AddrPort{}, errors.Trace(ErrClosed)
	}
	for {
		n, sa, err := unix.Recvfrom(s.fd, b, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, netip.AddrPort{}, errors.Trace(classify("recvfrom", err))
		}
		return n, fromSockaddr(sa), nil
	}
}

// SendTo writes one datagram to addr.
func (s *Socket) SendTo(b []byte, addr netip.AddrPort) (int, error) {
	if !s.open {
		return 0, errors.Trace(ErrClosed)
	}
	sa, err := toSockaddr("sendto", addr, s.family)
	if err != nil {
		return 0, errors.Trace(err)
	}
	for {
		err := unix.Sendto(s.fd, b, 0, sa)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, errors.Trace(classify("sendto", err))
		}
		return len(b), nil
	}
}

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() (netip.AddrPort, error) {
	if !s.open {
		return netip.AddrPort{}, errors.Trace(ErrClosed)
	}
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return netip.AddrPort{}, errors.Trace(classify("getsockname", err))
	}
	return fromSockaddr(sa), nil
}

// PeerAddr returns the connected peer address.
func (s *Socket) PeerAddr() (netip.AddrPort, error) {
	if !s.open {
		return netip.AddrPort{}, errors.Trace(ErrClosed)
	}
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return netip.AddrPort{}, errors.Trace(classify("getpeername", err))
	}
	return fromSockaddr(sa), nil
}

// Close closes the descriptor. Close is idempotent; after Close, all
// operations fail with ErrClosed.
func (s *Socket) Close() error {
	if !s.open {
		return nil
	}
	s.open = false
	s.connected = false
	err := unix.Close(s.fd)
	if err != nil {
		return errors.Trace(classify("close", err))
	}
	return nil
}

// Family returns the socket family for addr.
func Family(addr netip.Addr) int {
	if addr.Is4() || addr.Is4In6() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// toSockaddr converts addr for a socket of family. An address the family
// cannot carry, such as an IPv6 address for an AF_INET socket, fails with
// ErrAddressFamily.
func toSockaddr(op string, addr netip.AddrPort, family int) (unix.Sockaddr, error) {
	ip := addr.Addr()
	if !ip.IsValid() {
		return nil, classify(op, unix.EAFNOSUPPORT)
	}
	if family == unix.AF_INET {
		ip = ip.Unmap()
		if !ip.Is4() {
			return nil, classify(op, unix.EAFNOSUPPORT)
		}
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.As4()}, nil
	}
	sa := &unix.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}
	if zone := ip.Zone(); zone != "" {
		if index, err := zoneIndex(zone); err == nil {
			sa.ZoneId = index
		}
	}
	return sa, nil
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	}
	return netip.AddrPort{}
}
