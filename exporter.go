/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ipfix

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// defaultTemplateRefreshTimeout is the interval at which an Exporter
// re-announces its egress templates to its peer absent any data traffic,
// matching common collector implementations' expectation that templates are
// refreshed at least this often.
const defaultTemplateRefreshTimeout = 600 * time.Second

// ExporterConfig configures an Exporter's peer address, transport, and
// template refresh cadence.
type ExporterConfig struct {
	LocalIP    string `json:"localIP,omitempty" yaml:"localIP,omitempty"`
	ServerIP   string `json:"serverIP,omitempty" yaml:"serverIP,omitempty"`
	ServerPort uint16 `json:"serverPort,omitempty" yaml:"serverPort,omitempty"`
	Transport  string `json:"transport,omitempty" yaml:"transport,omitempty"`

	// TemplateRefreshTimeout is the period, in seconds, at which currently
	// installed egress templates are re-sent. Must be in [1, 86400]; 0 falls
	// back to defaultTemplateRefreshTimeout.
	TemplateRefreshTimeout int `json:"templateRefreshTimeout,omitempty" yaml:"templateRefreshTimeout,omitempty"`
}

func (c *ExporterConfig) validate() error {
	if c.Transport == "" {
		c.Transport = "udp"
	}
	if c.Transport != "udp" {
		return Config("transport", fmt.Errorf("only \"udp\" is currently supported, got %q", c.Transport))
	}
	if c.ServerPort == 0 {
		return Config("serverPort", fmt.Errorf("port must be in [1, 65535]"))
	}
	if c.ServerIP == "" || net.ParseIP(c.ServerIP) == nil {
		return Config("serverIP", fmt.Errorf("%q is not a valid IP address", c.ServerIP))
	}
	if c.LocalIP != "" && net.ParseIP(c.LocalIP) == nil {
		return Config("localIP", fmt.Errorf("%q is not a valid IP address", c.LocalIP))
	}
	if c.TemplateRefreshTimeout < 0 || c.TemplateRefreshTimeout > 86400 {
		return Config("templateRefreshTimeout", fmt.Errorf("must be in [1, 86400] seconds, got %d", c.TemplateRefreshTimeout))
	}
	return nil
}

func (c *ExporterConfig) refreshInterval() time.Duration {
	if c.TemplateRefreshTimeout <= 0 {
		return defaultTemplateRefreshTimeout
	}
	return time.Duration(c.TemplateRefreshTimeout) * time.Second
}

// Exporter owns a UDP socket to a single peer and periodically re-announces
// every observation domain's installed egress templates on a timer, so that
// a collector joining mid-stream (or one that expired a template) converges
// without requiring a fresh data record. A refresh round sends a
// template-only message per observation domain; since it carries zero data
// records, Session.WriteMessage leaves the egress Sequencer's next sequence
// number untouched.
type Exporter struct {
	config  ExporterConfig
	session *Session

	mu      sync.Mutex
	running bool
	conn    net.Conn
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewExporter creates an Exporter bound to config, writing through session.
// If session is nil, a fresh Session is created.
func NewExporter(config ExporterConfig, session *Session) (*Exporter, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if session == nil {
		session = NewSession(nil)
	}
	return &Exporter{config: config, session: session}, nil
}

// Session returns the Exporter's underlying Session, through which egress
// templates are installed (Session.Domain(id).Egress.Install) ahead of
// Start, or at any point while running.
func (e *Exporter) Session() *Session {
	return e.session
}

// Start dials the configured peer over UDP and begins the periodic template
// refresh loop in the background, returning once the socket is connected.
// Calling Start on an already-running Exporter is a no-op.
func (e *Exporter) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}

	conn, err := e.dial()
	if err != nil {
		e.mu.Unlock()
		return Transport(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.conn = conn
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true
	e.mu.Unlock()

	if err := e.refreshTemplates(runCtx); err != nil {
		FromContext(ctx).Error(err, "failed to send initial template refresh")
	}

	go e.refreshLoop(runCtx)

	FromContext(ctx).Info("exporter started", "peer", conn.RemoteAddr())
	return nil
}

func (e *Exporter) dial() (net.Conn, error) {
	raddr := net.JoinHostPort(e.config.ServerIP, strconv.Itoa(int(e.config.ServerPort)))
	var laddr *net.UDPAddr
	if ip := net.ParseIP(e.config.LocalIP); ip != nil && !ip.IsUnspecified() && !ip.IsLoopback() {
		// Bind only for a concrete local address; the wildcard and loopback
		// addresses are left to the OS's routing decision (section 4.11).
		laddr = &net.UDPAddr{IP: ip}
	}
	ra, err := net.ResolveUDPAddr("udp", raddr)
	if err != nil {
		return nil, err
	}
	return net.DialUDP("udp", laddr, ra)
}

// refreshLoop fires a template refresh round every TemplateRefreshTimeout
// until ctx is cancelled.
func (e *Exporter) refreshLoop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.config.refreshInterval())
	defer ticker.Stop()

	logger := FromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.refreshTemplates(ctx); err != nil {
				logger.Error(err, "failed to refresh templates")
			}
		}
	}
}

// refreshTemplates sends one message per observation domain the Session
// knows about, containing every currently installed egress template and
// options template and no data records.
func (e *Exporter) refreshTemplates(ctx context.Context) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return nil
	}

	for domainId, domain := range e.session.Domains() {
		sets := buildTemplateRefreshSets(ctx, domain.Egress.Templates)
		if len(sets) == 0 {
			continue
		}

		msg := &Message{
			ObservationDomainId: domainId,
			Sets:                sets,
		}
		if _, err := e.session.WriteMessage(msg, conn); err != nil {
			return fmt.Errorf("failed to write template refresh message for domain %d, %w", domainId, err)
		}
	}
	return nil
}

// buildTemplateRefreshSets snapshots cache's templates into one TemplateSet
// (for regular templates) and one OptionsTemplateSet (for options
// templates), omitting either if empty.
func buildTemplateRefreshSets(ctx context.Context, cache TemplateCache) []Set {
	all := cache.GetAll(ctx)

	trs := make([]TemplateRecord, 0, len(all))
	otrs := make([]OptionsTemplateRecord, 0, len(all))

	for _, tpl := range all {
		switch r := tpl.Record.(type) {
		case *TemplateRecord:
			trs = append(trs, *r)
		case *OptionsTemplateRecord:
			otrs = append(otrs, *r)
		}
	}

	sets := make([]Set, 0, 2)
	if len(trs) > 0 {
		sets = append(sets, *NewTemplateSet(trs))
	}
	if len(otrs) > 0 {
		sets = append(sets, *NewOptionsTemplateSet(otrs))
	}
	return sets
}

// Reconfigure points the Exporter at a new peer, resetting every known
// observation domain's egress Sequencer to its initial state (next sequence
// number 1) since sequence numbers are only meaningful to a single peer
// relationship. If the Exporter is running, the transport is bounced to the
// new address.
func (e *Exporter) Reconfigure(serverIP string, serverPort uint16) error {
	e.mu.Lock()
	wasRunning := e.running
	e.mu.Unlock()

	e.config.ServerIP = serverIP
	e.config.ServerPort = serverPort
	if err := e.config.validate(); err != nil {
		return err
	}

	for _, domain := range e.session.Domains() {
		domain.Egress.resetSequencer()
	}

	if !wasRunning {
		return nil
	}

	e.mu.Lock()
	old := e.conn
	conn, err := e.dial()
	if err != nil {
		e.mu.Unlock()
		return Transport(err)
	}
	e.conn = conn
	e.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// Stop cancels the refresh loop, waits for it to exit, and closes the
// transport. Calling Stop on an Exporter that was never started, or already
// stopped, is a no-op.
func (e *Exporter) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	done := e.done
	conn := e.conn
	e.running = false
	e.mu.Unlock()

	cancel()
	<-done
	if conn != nil {
		conn.Close()
	}
}
