package gammascout

import (
	"fmt"
	"sync"
	"time"
)

// Device is the contract every consumer of a connected logger is written
// against. *Session implements it.
type Device interface {
	Version() ProtocolVersion
	// Info returns the last known device info without touching the port.
	Info() Info
	// QueryInfo asks the device for fresh info.
	QueryInfo() (Info, error)
	// GetLog downloads the whole log, announcing each reading to listeners.
	GetLog() ([]Reading, error)
	SetClock(t time.Time) error
	ClearLog() error
	AddListener(l Listener)
	RemoveListener(l Listener)
	IsConnected() bool
	Close() error
}

var _ Device = (*Session)(nil)

// Provider owns the session for one configured port and can reconnect it.
// Listeners registered on the Provider survive reconnects.
type Provider struct {
	cfg Config

	mu        sync.Mutex
	sess      *Session
	listeners []Listener
}

func NewProvider(cfg Config) *Provider {
	return &Provider{cfg: cfg.withDefaults()}
}

func (p *Provider) Name() string {
	return fmt.Sprintf("Gamma-Scout (%s)", p.cfg.PortPath)
}

// Connect opens a new session, replacing a dead one. It is a no-op while
// the current session is healthy.
func (p *Provider) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess != nil && p.sess.IsConnected() {
		return nil
	}
	if p.sess != nil {
		p.sess.Close()
		p.sess = nil
	}
	sess, err := Connect(p.cfg)
	if err != nil {
		return err
	}
	for _, l := range p.listeners {
		sess.AddListener(l)
	}
	p.sess = sess
	return nil
}

func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return nil
	}
	err := p.sess.Close()
	p.sess = nil
	return err
}

func (p *Provider) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess != nil && p.sess.IsConnected()
}

// Device returns the live session or ErrNotConnected.
func (p *Provider) Device() (Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil || !p.sess.IsConnected() {
		return nil, ErrNotConnected
	}
	return p.sess, nil
}

// AddListener registers l on the current and every future session.
func (p *Provider) AddListener(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
	if p.sess != nil {
		p.sess.AddListener(l)
	}
}
