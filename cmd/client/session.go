package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog/log"

	"github.com/avei/concord/internal/domain"
	"github.com/avei/concord/internal/mesh"
	"github.com/avei/concord/pkg/errors"
)

// session holds one live connection plus its running orchestrator.
type session struct {
	client *mesh.Client
	orch   *mesh.Orchestrator
}

// runSession connects, starts the mesh loop and the event pump, runs act,
// then blocks until Ctrl+C or connection loss.
func runSession(autoAccept bool, act func(ctx context.Context, s *session) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, err := mesh.Dial(ctx, serverURL)
	if err != nil {
		return err
	}
	pterm.Success.Println("connected as", string(client.Self()))

	// The server's advertised STUN list wins over the local flag default.
	stun := client.StunServers()
	if len(stun) == 0 {
		stun = stunServers
	}
	factory := mesh.NewPionFactory(stun, mesh.SilentSource{})
	s := &session{client: client}
	s.orch = mesh.New(client.Self(), client, factory, &printer{session: s, autoAccept: autoAccept}, log.Logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.orch.Run(ctx)
	go func() {
		if err := client.Pump(ctx, s.orch); err != nil && ctx.Err() == nil {
			pterm.Warning.Println("connection lost:", err)
		}
		cancel()
	}()

	if err := act(ctx, s); err != nil {
		return err
	}

	<-ctx.Done()
	pterm.Info.Println("bye")
	return nil
}

// printer renders mesh events to the terminal. autoAccept makes the client
// pick up incoming calls unattended (listen command).
type printer struct {
	session    *session
	autoAccept bool
}

func (p *printer) OnMembership(key domain.ChannelKey, joined, left domain.Identity, members []domain.Identity) {
	switch {
	case joined != "":
		pterm.Info.Println("joined:", string(joined), "members:", len(members))
	case left != "":
		pterm.Info.Println("left:", string(left), "members:", len(members))
	}
}

func (p *printer) OnIncomingCall(caller domain.Identity) {
	pterm.Info.Println("incoming call from", string(caller))
	if p.autoAccept {
		// Accept must not run on the event loop; it blocks on it.
		go func() {
			if err := p.session.orch.AcceptCall(context.Background(), caller); err != nil {
				pterm.Error.Println("accept failed:", err)
			}
		}()
	}
}

func (p *printer) OnCallRejected(callee domain.Identity) {
	pterm.Warning.Println("call rejected by", string(callee))
}

func (p *printer) OnCallEnded(peer domain.Identity) {
	pterm.Info.Println("call ended by", string(peer))
}

func (p *printer) OnMuteState(id domain.Identity, muted bool) {
	pterm.Info.Println(string(id), "muted:", muted)
}

func (p *printer) OnLink(remote domain.Identity, state mesh.LinkState) {
	pterm.Info.Println("link", string(remote), "->", state.String())
}

func (p *printer) OnServerError(code errors.Code, message string) {
	pterm.Warning.Println("server error:", string(code), message)
}
