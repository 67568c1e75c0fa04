// Package bletest provides in-memory ble.Link and ble.Adapter fakes.
package bletest

import (
	"context"
	"errors"
	"sync"

	"xcom-meshd/internal/ble"
	"xcom-meshd/internal/linkerr"
)

// Link is a scripted ble.Link. OnWrite runs after every successful write and
// is where tests answer commands.
type Link struct {
	Addr       string
	ConnectErr error
	OnWrite    func(l *Link, data []byte)

	mu        sync.Mutex
	connected bool
	writes    [][]byte
	reads     [][]byte
	notify    chan []byte
	done      chan struct{}
	once      sync.Once
}

var _ ble.Link = (*Link)(nil)

func NewLink(addr string) *Link {
	return &Link{
		Addr:   addr,
		notify: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

func (l *Link) Connect(ctx context.Context) error {
	if l.ConnectErr != nil {
		return l.ConnectErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.done:
		return linkerr.NotConnected("link closed")
	default:
	}
	l.connected = true
	return nil
}

func (l *Link) Close() error {
	l.Drop()
	return nil
}

// Drop simulates the device going away.
func (l *Link) Drop() {
	l.once.Do(func() {
		l.mu.Lock()
		l.connected = false
		l.mu.Unlock()
		close(l.done)
	})
}

func (l *Link) Write(ctx context.Context, data []byte) error {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return linkerr.NotConnected("write")
	}
	l.writes = append(l.writes, append([]byte(nil), data...))
	hook := l.OnWrite
	l.mu.Unlock()
	if hook != nil {
		hook(l, data)
	}
	return nil
}

func (l *Link) Read(ctx context.Context) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return nil, linkerr.NotConnected("read")
	}
	if len(l.reads) == 0 {
		return nil, nil
	}
	b := l.reads[0]
	l.reads = l.reads[1:]
	return b, nil
}

// QueueRead makes b the result of a later Read.
func (l *Link) QueueRead(b []byte) {
	l.mu.Lock()
	l.reads = append(l.reads, b)
	l.mu.Unlock()
}

// Notify pushes b on the notify characteristic.
func (l *Link) Notify(b []byte) {
	l.notify <- b
}

func (l *Link) Notifications() <-chan []byte { return l.notify }
func (l *Link) Done() <-chan struct{}        { return l.done }
func (l *Link) Address() string              { return l.Addr }

func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Writes returns a copy of every value written so far.
func (l *Link) Writes() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.writes...)
}

// Adapter hands out Links built by NewLink (or plain ones) and records them.
type Adapter struct {
	KnownAddrs []string
	ScanAddr   string
	NewLink    func(addr string) *Link

	mu     sync.Mutex
	opened []*Link
	scans  int
}

var _ ble.Adapter = (*Adapter)(nil)

func (a *Adapter) Open(address string, p ble.Profile) (ble.Link, error) {
	addr, err := ble.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	var l *Link
	if a.NewLink != nil {
		l = a.NewLink(addr)
	} else {
		l = NewLink(addr)
	}
	a.mu.Lock()
	a.opened = append(a.opened, l)
	a.mu.Unlock()
	return l, nil
}

func (a *Adapter) Known(ctx context.Context, p ble.Profile) ([]string, error) {
	return append([]string(nil), a.KnownAddrs...), nil
}

func (a *Adapter) Scan(ctx context.Context, p ble.Profile) (string, error) {
	a.mu.Lock()
	a.scans++
	a.mu.Unlock()
	if a.ScanAddr == "" {
		return "", errors.New("no device found")
	}
	return a.ScanAddr, nil
}

// Last returns the most recently opened link, or nil.
func (a *Adapter) Last() *Link {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.opened) == 0 {
		return nil
	}
	return a.opened[len(a.opened)-1]
}

func (a *Adapter) Opened() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.opened)
}

func (a *Adapter) Scans() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scans
}
