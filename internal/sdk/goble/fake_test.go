package goble_test

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
)

// fakeAdapter is a scripted ble.Device. Methods not overridden panic through
// the nil embedded interface.
type fakeAdapter struct {
	ble.Device

	advs    []ble.Advertisement
	scanErr error
	dialErr error
	profile *ble.Profile

	mu      sync.Mutex
	clients []*fakeLink
	stopped bool
}

func (f *fakeAdapter) Scan(ctx context.Context, _ bool, h ble.AdvHandler) error {
	if f.scanErr != nil {
		return f.scanErr
	}
	for _, a := range f.advs {
		h(a)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeAdapter) Dial(_ context.Context, a ble.Addr) (ble.Client, error) {
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	link := &fakeLink{
		addr:          a,
		profile:       f.profile,
		disconnected:  make(chan struct{}),
		subscriptions: make(map[string]ble.NotificationHandler),
	}
	f.mu.Lock()
	f.clients = append(f.clients, link)
	f.mu.Unlock()
	return link, nil
}

func (f *fakeAdapter) Stop() error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) lastLink() *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

// fakeLink is a scripted ble.Client.
type fakeLink struct {
	ble.Client

	addr    ble.Addr
	profile *ble.Profile

	mu            sync.Mutex
	subscriptions map[string]ble.NotificationHandler
	disconnected  chan struct{}
	closeOnce     sync.Once
}

func (l *fakeLink) Addr() ble.Addr { return l.addr }

func (l *fakeLink) DiscoverProfile(bool) (*ble.Profile, error) { return l.profile, nil }

func (l *fakeLink) Subscribe(c *ble.Characteristic, _ bool, h ble.NotificationHandler) error {
	l.mu.Lock()
	l.subscriptions[c.UUID.String()] = h
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) Unsubscribe(c *ble.Characteristic, _ bool) error {
	l.mu.Lock()
	delete(l.subscriptions, c.UUID.String())
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) CancelConnection() error {
	l.closeOnce.Do(func() { close(l.disconnected) })
	return nil
}

func (l *fakeLink) Disconnected() <-chan struct{} { return l.disconnected }

func (l *fakeLink) handler(u ble.UUID) ble.NotificationHandler {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscriptions[u.String()]
}

// fakeAdv is a scripted ble.Advertisement.
type fakeAdv struct {
	ble.Advertisement

	name string
	mac  string
}

func (a fakeAdv) LocalName() string { return a.name }
func (a fakeAdv) Addr() ble.Addr    { return ble.NewAddr(a.mac) }
func (a fakeAdv) RSSI() int         { return -60 }

func plxProfile() *ble.Profile {
	return &ble.Profile{
		Services: []*ble.Service{
			{
				UUID: ble.UUID16(0x180F),
				Characteristics: []*ble.Characteristic{
					{UUID: ble.UUID16(0x2A19), Property: ble.CharRead},
				},
			},
			{
				UUID: ble.UUID16(0x1822),
				Characteristics: []*ble.Characteristic{
					{UUID: ble.UUID16(0x2A5E), Property: ble.CharIndicate},
					{UUID: ble.UUID16(0x2A5F), Property: ble.CharNotify},
				},
			},
		},
	}
}
