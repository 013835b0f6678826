package conn

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"syncshell-mesh/pkg/utils"
)

// WebRTCChannel is the default Channel implementation, backed by a pion
// PeerConnection and one ordered data channel. Grounded on the teacher's
// core/rpc_webrtc.go webRTCPeer (peer connection paired with its data
// channels under one struct) generalized to the capability interface spec
// REDESIGN FLAGS calls for, and to answer/offer roles instead of always
// answering.
type WebRTCChannel struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	connected     atomic.Bool
	transferring  atomic.Bool
	establishing  atomic.Bool
	events        chan Event
	closeOnce     sync.Once
	log           *logrus.Entry
}

// NewOffererChannel creates a PeerConnection, opens the data channel, and
// returns both the channel and the local offer SDP for transport via
// internal/envelope.
func NewOffererChannel(cfg webrtc.Configuration, dataChannelLabel string, log *logrus.Entry) (*WebRTCChannel, string, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, "", utils.Wrapf(utils.KindTransient, err, "create peer connection")
	}
	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		_ = pc.Close()
		return nil, "", utils.Wrapf(utils.KindTransient, err, "create data channel")
	}

	wc := newWebRTCChannel(pc, dc, log)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, "", utils.Wrapf(utils.KindTransient, err, "create offer")
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, "", utils.Wrapf(utils.KindTransient, err, "set local description")
	}
	return wc, offer.SDP, nil
}

// NewAnswererChannel accepts a remote offer SDP and returns the channel and
// local answer SDP. The data channel arrives via OnDataChannel.
func NewAnswererChannel(cfg webrtc.Configuration, offerSDP string, log *logrus.Entry) (*WebRTCChannel, string, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, "", utils.Wrapf(utils.KindTransient, err, "create peer connection")
	}

	wc := newWebRTCChannel(pc, nil, log)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		wc.attachDataChannel(dc)
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		_ = pc.Close()
		return nil, "", utils.Wrapf(utils.KindInvalidInput, err, "set remote description")
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, "", utils.Wrapf(utils.KindTransient, err, "create answer")
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return nil, "", utils.Wrapf(utils.KindTransient, err, "set local description")
	}
	return wc, answer.SDP, nil
}

func newWebRTCChannel(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, log *logrus.Entry) *WebRTCChannel {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	wc := &WebRTCChannel{
		pc:     pc,
		events: make(chan Event, 64),
		log:    log,
	}
	wc.establishing.Store(true)

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			wc.establishing.Store(false)
			wc.connected.Store(true)
			wc.emit(Event{Kind: EventConnected})
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			wasConnected := wc.connected.Swap(false)
			wc.establishing.Store(false)
			if s == webrtc.PeerConnectionStateFailed && !wasConnected {
				wc.emit(Event{Kind: EventHandshakeFailed})
			} else {
				wc.emit(Event{Kind: EventDisconnected})
			}
		}
	})

	if dc != nil {
		wc.attachDataChannel(dc)
	}
	return wc
}

func (w *WebRTCChannel) attachDataChannel(dc *webrtc.DataChannel) {
	w.dc = dc
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		w.emit(Event{Kind: EventDataReceived, Data: msg.Data})
	})
}

// emit never blocks the transport callback: it drops the event if the
// channel's event buffer is full rather than holding a lock across user
// code, per spec §4.4's "handler callbacks ... must not hold that mutex
// while invoking user code".
func (w *WebRTCChannel) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.log.Warn("connection event buffer full, dropping event")
	}
}

func (w *WebRTCChannel) Send(data []byte) error {
	if w.dc == nil {
		return utils.New(utils.KindConflict, "data channel not yet established")
	}
	w.transferring.Store(true)
	defer w.transferring.Store(false)
	if err := w.dc.Send(data); err != nil {
		return utils.Wrapf(utils.KindTransient, err, "data channel send")
	}
	return nil
}

func (w *WebRTCChannel) IsConnected() bool    { return w.connected.Load() }
func (w *WebRTCChannel) IsTransferring() bool { return w.transferring.Load() }
func (w *WebRTCChannel) IsEstablishing() bool { return w.establishing.Load() }

func (w *WebRTCChannel) Dispose() error {
	var err error
	w.closeOnce.Do(func() {
		if w.dc != nil {
			_ = w.dc.Close()
		}
		err = w.pc.Close()
		close(w.events)
	})
	return err
}

func (w *WebRTCChannel) Events() <-chan Event { return w.events }

// SetAnswer completes an offerer's handshake once the remote answer SDP
// arrives via signaling.
func (w *WebRTCChannel) SetAnswer(answerSDP string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := w.pc.SetRemoteDescription(answer); err != nil {
		return utils.Wrapf(utils.KindInvalidInput, err, "set remote description")
	}
	return nil
}
