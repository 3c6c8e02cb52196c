package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avei/concord/internal/domain"
)

// sdpPayload is the negotiation payload format agreed between mesh
// endpoints. The relay never sees inside it.
type sdpPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// MediaSource supplies the local track attached to every link in a context.
// Capture and encoding are outside this subsystem; a source may as well
// produce silence.
type MediaSource interface {
	Acquire(ctx context.Context) (webrtc.TrackLocal, func(), error)
}

// SilentSource is a MediaSource producing an opus track nobody writes to.
// Useful for headless clients and anywhere real capture is wired up later.
type SilentSource struct{}

func (SilentSource) Acquire(ctx context.Context) (webrtc.TrackLocal, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "concord",
	)
	if err != nil {
		return nil, nil, err
	}
	return track, func() {}, nil
}

// PionFactory creates pion-backed links sharing one acquired local track.
type PionFactory struct {
	Config webrtc.Configuration
	Media  MediaSource

	mu    sync.Mutex
	track webrtc.TrackLocal
}

// NewPionFactory builds a factory using the given STUN servers.
func NewPionFactory(stunServers []string, media MediaSource) *PionFactory {
	cfg := webrtc.Configuration{}
	if len(stunServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return &PionFactory{Config: cfg, Media: media}
}

func (f *PionFactory) Acquire(ctx context.Context) (func(), error) {
	track, release, err := f.Media.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.track = track
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.track = nil
			f.mu.Unlock()
			release()
		})
	}, nil
}

func (f *PionFactory) New(remote domain.Identity, onCandidate func(json.RawMessage)) (Link, error) {
	pc, err := webrtc.NewPeerConnection(f.Config)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	track := f.track
	f.mu.Unlock()
	if track != nil {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		b, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		onCandidate(b)
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "mesh.link").
			Str("remote", string(remote)).Str("ice_state", s.String()).Msg("ICE state")
	})

	return &pionLink{pc: pc}, nil
}

type pionLink struct {
	pc        *webrtc.PeerConnection
	closeOnce sync.Once
	closeErr  error
}

func (l *pionLink) Offer(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(sdpPayload{Type: "offer", SDP: offer.SDP})
}

func (l *pionLink) Answer(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var p sdpPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.Type != "offer" {
		return nil, fmt.Errorf("expected offer payload, got %q", p.Type)
	}
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  p.SDP,
	}); err != nil {
		return nil, err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(sdpPayload{Type: "answer", SDP: answer.SDP})
}

func (l *pionLink) AcceptAnswer(raw json.RawMessage) error {
	var p sdpPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	if p.Type != "answer" {
		return fmt.Errorf("expected answer payload, got %q", p.Type)
	}
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  p.SDP,
	})
}

func (l *pionLink) AddRemoteCandidate(raw json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &init); err != nil {
		return err
	}
	return l.pc.AddICECandidate(init)
}

func (l *pionLink) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.pc.Close()
	})
	return l.closeErr
}
